package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelaySequence(t *testing.T) {
	// spec testable property 9: base=5, max=300 -> {5,10,20,40,80} for
	// read_ct 1..5.
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
	}
	for readCt := 1; readCt <= 5; readCt++ {
		assert.Equal(t, want[readCt-1], RetryDelay(readCt, 5, 300), "read_ct=%d", readCt)
	}
}

func TestRetryDelayCapsAtMax(t *testing.T) {
	assert.Equal(t, 300*time.Second, RetryDelay(10, 5, 300))
}

func TestRetryDelayFloorsReadCountAtOne(t *testing.T) {
	assert.Equal(t, RetryDelay(1, 5, 300), RetryDelay(0, 5, 300))
}
