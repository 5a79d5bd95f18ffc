package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kosarica/game-ingest/internal/ingestrun"
)

type fakeRunner struct {
	items int
	err   error
}

func (f fakeRunner) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	return f.items, f.err
}

func TestFanOutCollectsResultsPerProvider(t *testing.T) {
	registry := map[string]Runner{
		"steam":   fakeRunner{items: 10},
		"psstore": fakeRunner{items: 5},
		"xbox":    fakeRunner{items: 0, err: errors.New("xbox unreachable")},
	}
	recorder := ingestrun.New(nil, zerolog.Nop())

	results := fanOut(context.Background(), registry, recorder, zerolog.Nop())

	require.Len(t, results, 3)
	assert.Equal(t, 10, results["steam"])
	assert.Equal(t, 5, results["psstore"])
	assert.Equal(t, 0, results["xbox"], "a failing provider reports 0 items, not aborting the fan-out")
}

func TestFanOutEmptyRegistry(t *testing.T) {
	recorder := ingestrun.New(nil, zerolog.Nop())
	results := fanOut(context.Background(), map[string]Runner{}, recorder, zerolog.Nop())
	assert.Nil(t, results)
}

func TestRunWithRetrySucceedsOnFirstAttempt(t *testing.T) {
	// Only the zero-backoff (first-attempt-succeeds) path is exercised here:
	// the retry path sleeps real wall-clock backoff between attempts, which
	// would make this suite slow without adding coverage beyond what
	// TestFanOutCollectsResultsPerProvider already exercises for failures.
	recorder := ingestrun.New(nil, zerolog.Nop())
	items, err := runWithRetry(context.Background(), "steam", fakeRunner{items: 7}, recorder, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 7, items)
}

func TestRunWithRetryReturnsErrorWhenContextAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	recorder := ingestrun.New(nil, zerolog.Nop())
	_, err := runWithRetry(ctx, "rawg", fakeRunner{err: errors.New("boom")}, recorder, zerolog.Nop())
	assert.Error(t, err)
}
