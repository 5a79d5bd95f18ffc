package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinorUnitForCurrencyOverrides(t *testing.T) {
	assert.Equal(t, 0, MinorUnitForCurrency("JPY"))
	assert.Equal(t, 3, MinorUnitForCurrency("KWD"))
}

func TestMinorUnitForCurrencyDefaultsToTwo(t *testing.T) {
	assert.Equal(t, 2, MinorUnitForCurrency("USD"))
	assert.Equal(t, 2, MinorUnitForCurrency("EUR"))
	assert.Equal(t, 2, MinorUnitForCurrency("XYZ"))
}
