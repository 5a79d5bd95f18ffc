package nexarda

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStoreIDSlugifiesPlainNames(t *testing.T) {
	assert.Equal(t, "nexarda_steam_usd", NormalizeStoreID("Steam", "USD"))
}

func TestNormalizeStoreIDFallsBackWhenNameHasDigitsOrIsEmpty(t *testing.T) {
	assert.Equal(t, "nexarda_usd", NormalizeStoreID("Store42", "USD"))
	assert.Equal(t, "nexarda_eur", NormalizeStoreID("", "EUR"))
}

func TestParseCataloguePriceMinorConvertsFloatToCents(t *testing.T) {
	minor, ok := parseCataloguePriceMinor(json.RawMessage(`19.99`))
	assert.True(t, ok)
	assert.Equal(t, int64(1999), minor)
}

func TestParseCataloguePriceMinorRejectsNonNumeric(t *testing.T) {
	_, ok := parseCataloguePriceMinor(json.RawMessage(`"not a number"`))
	assert.False(t, ok)
}

func TestSplitCSVTrimsAndDropsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitCSV(" a ,, b"))
}

func TestFirstNonEmptyReturnsFirstNonEmptyValue(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}
