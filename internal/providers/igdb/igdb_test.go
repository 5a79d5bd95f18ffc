package igdb

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharacterBatchSizeMatchesOriginal(t *testing.T) {
	assert.Equal(t, 3, characterBatchSize, "spec §4.1 supplemented feature: IGDB character batching at 3")
}

func TestMonthRangeSpansWholeMonth(t *testing.T) {
	start, end, err := monthRange("2024-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), end, "2024 is a leap year")
}

func TestMonthRangeRejectsMalformed(t *testing.T) {
	_, _, err := monthRange("not-a-month")
	assert.Error(t, err)
}

func TestUnixYearBounds(t *testing.T) {
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).Unix(), unixYearStart(2023))
	assert.Equal(t, time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC).Unix(), unixYearEnd(2023))
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitCSV(" a, b ,c,,"))
	assert.Nil(t, splitCSV(""))
}

func TestIGDBImageURL(t *testing.T) {
	got := igdbImageURL("co1abc", "t_cover_big")
	assert.Equal(t, "https://images.igdb.com/igdb/image/upload/t_t_cover_big/co1abc.jpg", got)
}

func TestEnvOrFallsBackToDefault(t *testing.T) {
	os.Unsetenv("IGDB_TEST_ENV_OR")
	assert.Equal(t, "fallback", envOr("IGDB_TEST_ENV_OR", "fallback"))

	t.Setenv("IGDB_TEST_ENV_OR", "set")
	assert.Equal(t, "set", envOr("IGDB_TEST_ENV_OR", "fallback"))
}

func TestEnvIntFallsBackOnMissingOrInvalid(t *testing.T) {
	os.Unsetenv("IGDB_TEST_ENV_INT")
	assert.Equal(t, 7, envInt("IGDB_TEST_ENV_INT", 7))

	t.Setenv("IGDB_TEST_ENV_INT", "not-a-number")
	assert.Equal(t, 7, envInt("IGDB_TEST_ENV_INT", 7))

	t.Setenv("IGDB_TEST_ENV_INT", "42")
	assert.Equal(t, 42, envInt("IGDB_TEST_ENV_INT", 7))
}
