package ingesterr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryableByKind(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport retryable", Transportf("steam", "get", cause), true},
		{"throttled retryable", Throttledf("steam", "get", cause, 30), true},
		{"server error retryable", ServerErrorf("steam", "get", cause), true},
		{"client error not retryable", ClientErrorf("steam", "get", cause), false},
		{"decode not retryable", Decodef("steam", "get", cause), false},
		{"schema missing not retryable", SchemaMissingf("steam", "write", cause), false},
		{"conflict not retryable", Conflictf("steam", "write", cause), false},
		{"fatal not retryable", Fatalf("steam", "config", cause), false},
		{"plain error not retryable", cause, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := Throttledf("xbox", "fetch", errors.New("429"), 5)
	wrapped := fmt.Errorf("context: %w", base)

	assert.Equal(t, Throttled, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	e := Transportf("igdb", "fetch_game", cause)

	require.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), "transport")
	assert.Contains(t, e.Error(), "igdb")
}

func TestThrottledRetryAfterCarried(t *testing.T) {
	var e *Error
	err := Throttledf("nexarda", "list", errors.New("rate limited"), 42)
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 42, e.RetryAfter)
}
