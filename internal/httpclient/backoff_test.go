package httpclient

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestClient(cfg Config) *Client {
	return New(cfg, nil, zerolog.Nop())
}

func TestBackoffDelayRespectsRetryAfterHeader(t *testing.T) {
	c := newTestClient(DefaultConfig("test"))
	delay := c.backoffDelay(0, "2")

	assert.GreaterOrEqual(t, delay, 2*time.Second)
	assert.Less(t, delay, 3*time.Second, "jitter must stay bounded")
}

func TestBackoffDelayIgnoresInvalidRetryAfter(t *testing.T) {
	c := newTestClient(Config{BackoffMsBase: 100, MaxBackoffMs: 10_000})
	delay := c.backoffDelay(0, "not-a-number")

	assert.Less(t, delay, 200*time.Millisecond)
}

func TestBackoffDelayGrowsExponentiallyAndCaps(t *testing.T) {
	c := newTestClient(Config{BackoffMsBase: 100, MaxBackoffMs: 1000})

	d0 := c.backoffDelay(0, "")
	d5 := c.backoffDelay(5, "")

	assert.Less(t, d0, 200*time.Millisecond)
	// at attempt 5 the uncapped exponential (100*2^5=3200ms) exceeds the
	// 1000ms cap, so the capped delay (plus bounded jitter) must stay
	// under the cap's jitter ceiling.
	assert.Less(t, d5, 1250*time.Millisecond)
}
