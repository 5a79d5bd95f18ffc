package steam

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func int64p(v int64) *int64 { return &v }

func TestPriceRowCarriesRegionAndAgentMetadata(t *testing.T) {
	now := time.Now()
	row := priceRow(42, int64p(7), now, 1999, region{CC: "US", Currency: "USD"}, "regular")

	assert.Equal(t, int64(42), row.OfferJurisdictionID)
	assert.Equal(t, int64(7), *row.ProviderItemID)
	assert.Equal(t, int64(1999), row.AmountMinor)
	assert.True(t, row.TaxInclusive)
	assert.Equal(t, "US", row.CountryCode)
	assert.Equal(t, "USD", row.Currency)
	assert.Equal(t, "regular", row.Kind)
	assert.Contains(t, string(row.Meta), "steam")
}

func TestExtractBestBundlePicksLowestDiscountedWithDiscountBaseline(t *testing.T) {
	groups := []packageGroup{
		{Subs: []struct {
			PriceInCentsWithDiscount *int64 `json:"price_in_cents_with_discount"`
			PriceInCents             *int64 `json:"price_in_cents"`
		}{
			{PriceInCentsWithDiscount: int64p(2999), PriceInCents: int64p(3999)},
			{PriceInCentsWithDiscount: int64p(1999), PriceInCents: int64p(4999)},
		}},
	}

	best, baseline, ok := extractBestBundle(groups)
	assert.True(t, ok)
	assert.Equal(t, int64(1999), best, "the lowest discounted sub wins")
	assert.Equal(t, int64(4999), baseline, "the highest undiscounted sub is the baseline")
}

func TestExtractBestBundleFallsBackToUndiscountedPrice(t *testing.T) {
	groups := []packageGroup{
		{Subs: []struct {
			PriceInCentsWithDiscount *int64 `json:"price_in_cents_with_discount"`
			PriceInCents             *int64 `json:"price_in_cents"`
		}{
			{PriceInCents: int64p(2499)},
		}},
	}

	best, _, ok := extractBestBundle(groups)
	assert.True(t, ok)
	assert.Equal(t, int64(2499), best)
}

func TestExtractBestBundleEmptyGroupsReturnsNotOK(t *testing.T) {
	_, _, ok := extractBestBundle(nil)
	assert.False(t, ok)
}
