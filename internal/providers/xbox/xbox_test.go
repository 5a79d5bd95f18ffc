package xbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationVectorMonotonic(t *testing.T) {
	cv := &correlationVector{}

	first := cv.Next()
	second := cv.Next()
	third := cv.Next()

	assert.True(t, strings.HasPrefix(first, defaultMSCV+"."))
	assert.NotEqual(t, first, second)
	assert.NotEqual(t, second, third)
	assert.Equal(t, defaultMSCV+".1", first)
	assert.Equal(t, defaultMSCV+".2", second)
	assert.Equal(t, defaultMSCV+".3", third)
}

func TestParseReleaseYear(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"full date", "2019-11-15T00:00:00Z", 2019},
		{"year only", "2021", 2021},
		{"too short", "20", 0},
		{"not numeric", "abcd-01-01", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseReleaseYear(tt.in))
		})
	}
}
