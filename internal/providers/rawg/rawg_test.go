package rawg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseYearExtractsLeadingFourDigits(t *testing.T) {
	assert.Equal(t, 2023, parseYear("2023-03-15"))
}

func TestParseYearReturnsZeroForShortOrNonNumeric(t *testing.T) {
	assert.Equal(t, 0, parseYear("202"))
	assert.Equal(t, 0, parseYear(""))
	assert.Equal(t, 0, parseYear("abcd-01-01"))
}
