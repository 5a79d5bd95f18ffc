package psstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParsePricingMinorRecognizesMoneyStrings and the two tests below cover
// spec testable property 7: the recursive walk must find price fields
// wherever they sit in the payload shape, not just at a fixed path.
func TestParsePricingMinorRecognizesMoneyStrings(t *testing.T) {
	payload := map[string]any{
		"data": map[string]any{
			"attributes": map[string]any{
				"price": map[string]any{
					"basePrice":       "$19.99",
					"discountedPrice": "$14.99",
				},
			},
		},
	}

	base, discounted := ParsePricingMinor(payload)
	require.NotNil(t, base)
	require.NotNil(t, discounted)
	assert.Equal(t, int64(1999), *base)
	assert.Equal(t, int64(1499), *discounted)
}

func TestParsePricingMinorRecognizesMinorUnitIntegers(t *testing.T) {
	payload := map[string]any{
		"included": []any{
			map[string]any{"type": "skus"},
			map[string]any{
				"basePriceMinor":       float64(2999),
				"discountedPriceMinor": float64(2499),
			},
		},
	}

	base, discounted := ParsePricingMinor(payload)
	require.NotNil(t, base)
	require.NotNil(t, discounted)
	assert.Equal(t, int64(2999), *base)
	assert.Equal(t, int64(2499), *discounted)
}

func TestParsePricingMinorNoDiscount(t *testing.T) {
	payload := map[string]any{
		"data": map[string]any{
			"basePrice": "9.99",
		},
	}

	base, discounted := ParsePricingMinor(payload)
	require.NotNil(t, base)
	assert.Equal(t, int64(999), *base)
	assert.Nil(t, discounted)
}

func TestParsePricingMinorMissingPriceFields(t *testing.T) {
	base, discounted := ParsePricingMinor(map[string]any{"data": map[string]any{"id": "abc"}})
	assert.Nil(t, base)
	assert.Nil(t, discounted)
}

func TestParsePricingMinorFirstMatchWinsAtShallowestLevel(t *testing.T) {
	// The walk visits the outer map's keys before descending, so a
	// top-level basePrice wins over one nested deeper in the same payload.
	payload := map[string]any{
		"basePrice": "1.00",
		"nested": map[string]any{
			"basePrice": "99.00",
		},
	}
	base, _ := ParsePricingMinor(payload)
	require.NotNil(t, base)
	assert.Equal(t, int64(100), *base)
}
