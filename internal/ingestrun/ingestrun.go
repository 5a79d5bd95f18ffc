// Package ingestrun implements ingest-run observability (spec §4.10):
// opening and closing IngestRun rows, and a post-run snapshot of
// provider_items/provider_media_links counts for the run's provider.
package ingestrun

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/model"
)

// Recorder opens/closes ingest_runs rows and logs post-run snapshots.
type Recorder struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

func New(db *pgxpool.Pool, log zerolog.Logger) *Recorder {
	return &Recorder{db: db, log: log.With().Str("component", "ingest_run").Logger()}
}

// Start inserts a running row and returns its id.
func (r *Recorder) Start(ctx context.Context, providerID int64, region string, meta json.RawMessage) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO ingest_runs (provider_id, region, started_at, status, items_processed, prices_written, meta)
		VALUES ($1, $2, NOW(), $3, 0, 0, $4)
		RETURNING id
	`, providerID, nullIfEmpty(region), model.RunRunning, meta).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Finish marks a run terminal and records its counters (spec §4.10).
func (r *Recorder) Finish(ctx context.Context, runID int64, status model.IngestRunStatus, itemsProcessed, pricesWritten int, meta json.RawMessage) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ingest_runs SET finished_at = NOW(), status = $2, items_processed = $3, prices_written = $4, meta = COALESCE($5, meta)
		WHERE id = $1
	`, runID, status, itemsProcessed, pricesWritten, meta)
	return err
}

// Snapshot is the post-run provider_items/provider_media_links count.
type Snapshot struct {
	ProviderItems      int64
	ProviderMediaLinks int64
}

// PostRunSnapshot probes provider_items/provider_media_links counts for
// providerID and logs them (spec §4.10 "post-summary probes counts").
// Missing optional tables degrade to a zero count rather than an error,
// matching the SchemaMissing disposition of spec §7.
func (r *Recorder) PostRunSnapshot(ctx context.Context, providerID int64, providerMediaLinksExists bool) Snapshot {
	var snap Snapshot
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM provider_items WHERE provider_id = $1`, providerID).Scan(&snap.ProviderItems); err != nil {
		r.log.Warn().Err(err).Msg("provider_items snapshot unavailable")
	}
	if providerMediaLinksExists {
		if err := r.db.QueryRow(ctx, `
			SELECT COUNT(*) FROM provider_media_links pml
			JOIN provider_items pi ON pi.id = pml.provider_item_id
			WHERE pi.provider_id = $1
		`, providerID).Scan(&snap.ProviderMediaLinks); err != nil {
			r.log.Warn().Err(err).Msg("provider_media_links snapshot unavailable")
		}
	}
	r.log.Info().
		Int64("provider_id", providerID).
		Int64("provider_items", snap.ProviderItems).
		Int64("provider_media_links", snap.ProviderMediaLinks).
		Msg("post-run snapshot")
	return snap
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
