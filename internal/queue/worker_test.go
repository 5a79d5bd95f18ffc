package queue

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopedEnvSetsAndRestoresPriorValue(t *testing.T) {
	t.Setenv("STEAM_APP_IDS", "570")

	restore := scopedEnv(json.RawMessage(`{"STEAM_APP_IDS": "730,440"}`))
	assert.Equal(t, "730,440", os.Getenv("STEAM_APP_IDS"))

	restore()
	assert.Equal(t, "570", os.Getenv("STEAM_APP_IDS"))
}

func TestScopedEnvUnsetsKeyThatWasNotPreviouslySet(t *testing.T) {
	os.Unsetenv("STEAM_BACKFILL")

	restore := scopedEnv(json.RawMessage(`{"STEAM_BACKFILL": "1"}`))
	assert.Equal(t, "1", os.Getenv("STEAM_BACKFILL"))

	restore()
	_, ok := os.LookupEnv("STEAM_BACKFILL")
	assert.False(t, ok)
}

func TestScopedEnvNoopsOnEmptyOrMalformedArgs(t *testing.T) {
	restore := scopedEnv(nil)
	restore()

	restore = scopedEnv(json.RawMessage(`not json`))
	restore()

	restore = scopedEnv(json.RawMessage(`[1,2,3]`))
	restore()
}
