// Package prices implements the batched price writer and current_price
// resolution of spec §4.5.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Row is one observed price, pre-resolution to an offer_jurisdiction.
type Row struct {
	OfferJurisdictionID int64
	ProviderItemID      *int64
	RecordedAt          time.Time
	AmountMinor         int64
	TaxInclusive        bool
	Meta                json.RawMessage
	CountryCode         string
	Currency            string
	Retailer            string
	Agent               string
	AgentPriority       int
	Kind                string
}

// Summary is the PostIngestSummary delta emitted per flush (spec §4.5 step 5).
type Summary struct {
	PriceRowsWritten int
	CurrentUpdates   int
	OfferJurisdictionIDs map[int64]struct{}
	ProviderItemIDs      map[int64]struct{}
}

func newSummary() Summary {
	return Summary{
		OfferJurisdictionIDs: make(map[int64]struct{}),
		ProviderItemIDs:      make(map[int64]struct{}),
	}
}

// DefaultFlushSize is the batch size at which BatchWriter auto-flushes
// (spec §4.5: "Batches are flushed at size 200 (configurable)").
const DefaultFlushSize = 200

// BatchWriter accumulates price rows and flushes them in batches,
// resolving current_price per offer_jurisdiction on each flush. Not safe
// for concurrent use by multiple goroutines without external locking —
// one BatchWriter per provider-run goroutine.
type BatchWriter struct {
	db          *pgxpool.Pool
	log         zerolog.Logger
	flushSize   int
	phpCompat   bool

	pending []Row
	seen    map[bundleKey]struct{} // intra-run bundle dedupe (oj_id, kind, amount_minor)
	summary Summary
}

type bundleKey struct {
	ojID        int64
	kind        string
	amountMinor int64
}

// NewBatchWriter constructs a BatchWriter. When phpCompatSchema is true,
// all rows route to the legacy region_prices table and current_price
// resolution is skipped entirely (spec §4.5).
func NewBatchWriter(db *pgxpool.Pool, log zerolog.Logger, flushSize int, phpCompatSchema bool) *BatchWriter {
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	return &BatchWriter{
		db:        db,
		log:       log.With().Str("component", "price_writer").Logger(),
		flushSize: flushSize,
		phpCompat: phpCompatSchema,
		seen:      make(map[bundleKey]struct{}),
		summary:   newSummary(),
	}
}

// Add queues a price row, flushing automatically once the batch reaches
// flushSize. Rows with amount_minor <= 0 are dropped before queuing
// (spec §4.5 step 1 / invariant 3), and rows whose (oj, kind, amount)
// bundle key has already been emitted this run are dropped silently
// (spec §9: "bundle-price dedupe").
func (w *BatchWriter) Add(ctx context.Context, row Row) error {
	if row.AmountMinor <= 0 {
		return nil
	}
	key := bundleKey{ojID: row.OfferJurisdictionID, kind: row.Kind, amountMinor: row.AmountMinor}
	if _, dup := w.seen[key]; dup {
		return nil
	}
	w.seen[key] = struct{}{}

	w.pending = append(w.pending, row)
	if len(w.pending) >= w.flushSize {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes all pending rows and resolves current_price, resetting
// the pending batch. Safe to call with an empty batch (no-op).
func (w *BatchWriter) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	w.pending = nil

	tx, err := w.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("prices: begin flush tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	table := "prices"
	if w.phpCompat {
		table = "region_prices"
	}

	for _, r := range batch {
		query := fmt.Sprintf(`
			INSERT INTO %s
				(offer_jurisdiction_id, provider_item_id, recorded_at, amount_minor, tax_inclusive, meta, country_code, currency, retailer, agent, agent_priority, kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, table)
		_, err := tx.Exec(ctx, query,
			r.OfferJurisdictionID, r.ProviderItemID, r.RecordedAt, r.AmountMinor, r.TaxInclusive,
			r.Meta, r.CountryCode, r.Currency, r.Retailer, r.Agent, r.AgentPriority, r.Kind)
		if err != nil {
			return fmt.Errorf("prices: insert %s: %w", table, err)
		}
		w.summary.PriceRowsWritten++
		w.summary.OfferJurisdictionIDs[r.OfferJurisdictionID] = struct{}{}
		if r.ProviderItemID != nil {
			w.summary.ProviderItemIDs[*r.ProviderItemID] = struct{}{}
		}
	}

	if !w.phpCompat {
		updates, err := resolveCurrentPrices(ctx, tx, latestPerOJ(batch))
		if err != nil {
			return err
		}
		w.summary.CurrentUpdates += updates
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("prices: commit flush tx: %w", err)
	}
	return nil
}

// latestPerOJ reduces a batch to the single row with the largest
// recorded_at per offer_jurisdiction_id (spec §4.5 step 3).
func latestPerOJ(batch []Row) []Row {
	best := make(map[int64]Row, len(batch))
	for _, r := range batch {
		cur, ok := best[r.OfferJurisdictionID]
		if !ok || r.RecordedAt.After(cur.RecordedAt) {
			best[r.OfferJurisdictionID] = r
		}
	}
	out := make([]Row, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}

// resolveCurrentPrices upserts current_price per OJ: overwrite iff the
// incoming row is from a higher-priority agent, or is newer from the
// same agent (spec §4.5 step 4 / invariant 2).
func resolveCurrentPrices(ctx context.Context, tx pgx.Tx, rows []Row) (int, error) {
	updates := 0
	for _, r := range rows {
		tag, err := tx.Exec(ctx, `
			INSERT INTO current_prices (offer_jurisdiction_id, amount_minor, recorded_at, agent, agent_priority)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (offer_jurisdiction_id) DO UPDATE SET
				amount_minor = EXCLUDED.amount_minor,
				recorded_at = EXCLUDED.recorded_at,
				agent = EXCLUDED.agent,
				agent_priority = EXCLUDED.agent_priority
			WHERE EXCLUDED.agent_priority > current_prices.agent_priority
			   OR (EXCLUDED.agent = current_prices.agent AND EXCLUDED.recorded_at > current_prices.recorded_at)
		`, r.OfferJurisdictionID, r.AmountMinor, r.RecordedAt, r.Agent, r.AgentPriority)
		if err != nil {
			return updates, fmt.Errorf("prices: upsert current_price oj=%d: %w", r.OfferJurisdictionID, err)
		}
		if tag.RowsAffected() > 0 {
			updates++
		}
	}
	return updates, nil
}

// Summary returns the accumulated PostIngestSummary delta since the
// BatchWriter was constructed.
func (w *BatchWriter) Summary() Summary {
	return w.summary
}
