package xlsx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriceFormats(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"plain decimal", "12.99", 1299},
		{"european comma decimal", "12,99", 1299},
		{"us thousands", "1,234.56", 123456},
		{"european thousands", "1.234,56", 123456},
		{"currency symbol and spaces", "€ 19.99", 1999},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePrice(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePriceEmptyIsError(t *testing.T) {
	_, err := parsePrice("")
	assert.Error(t, err)
}

func TestParseDateISO(t *testing.T) {
	got := parseDate("2024-01-19")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 1, 19, 0, 0, 0, 0, time.UTC), *got)
}

func TestParseDateEuropean(t *testing.T) {
	got := parseDate("19.01.2024")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2024, 1, 19, 0, 0, 0, 0, time.UTC), *got)
}

func TestParseDateExcelSerial(t *testing.T) {
	// Excel serial 45000 is 2023-03-15 (accounting for the 1900 leap-year bug).
	got := parseDate("45000")
	require.NotNil(t, got)
	assert.Equal(t, 2023, got.Year())
}

func TestParseDateEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, parseDate(""))
}

func TestParseDateUnrecognizedReturnsNil(t *testing.T) {
	assert.Nil(t, parseDate("not a date"))
}

func TestIsEmptyRow(t *testing.T) {
	assert.True(t, isEmptyRow([]string{"", "  ", ""}))
	assert.False(t, isEmptyRow([]string{"", "x", ""}))
}
