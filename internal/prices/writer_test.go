package prices

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter() *BatchWriter {
	return NewBatchWriter(nil, zerolog.Nop(), 200, false)
}

func TestAddDropsNonPositiveAmounts(t *testing.T) {
	w := newTestWriter()
	err := w.Add(context.Background(), Row{OfferJurisdictionID: 1, AmountMinor: 0})
	require.NoError(t, err)
	assert.Empty(t, w.pending)

	err = w.Add(context.Background(), Row{OfferJurisdictionID: 1, AmountMinor: -500})
	require.NoError(t, err)
	assert.Empty(t, w.pending)
}

func TestAddDedupesByBundleKey(t *testing.T) {
	w := newTestWriter()
	row := Row{OfferJurisdictionID: 1, Kind: "regular", AmountMinor: 1999}

	require.NoError(t, w.Add(context.Background(), row))
	require.NoError(t, w.Add(context.Background(), row))

	assert.Len(t, w.pending, 1, "the second identical bundle key is dropped silently")
}

func TestAddAllowsDifferentBundleKeysForSameOJ(t *testing.T) {
	w := newTestWriter()

	require.NoError(t, w.Add(context.Background(), Row{OfferJurisdictionID: 1, Kind: "regular", AmountMinor: 1999}))
	require.NoError(t, w.Add(context.Background(), Row{OfferJurisdictionID: 1, Kind: "discount", AmountMinor: 1499}))

	assert.Len(t, w.pending, 2)
}

func TestLatestPerOJKeepsNewestRecordedAt(t *testing.T) {
	now := time.Now()
	batch := []Row{
		{OfferJurisdictionID: 1, AmountMinor: 1000, RecordedAt: now.Add(-time.Hour)},
		{OfferJurisdictionID: 1, AmountMinor: 2000, RecordedAt: now},
		{OfferJurisdictionID: 2, AmountMinor: 500, RecordedAt: now.Add(-2 * time.Hour)},
	}

	out := latestPerOJ(batch)

	byOJ := make(map[int64]Row, len(out))
	for _, r := range out {
		byOJ[r.OfferJurisdictionID] = r
	}

	require.Len(t, out, 2)
	assert.Equal(t, int64(2000), byOJ[1].AmountMinor)
	assert.Equal(t, int64(500), byOJ[2].AmountMinor)
}
