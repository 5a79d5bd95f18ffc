// Package orchestrator sequences one unified-ingest invocation (spec
// §4.8): backfill, bootstrap, PS seed, then a bounded provider fan-out
// loop, optionally repeated on an interval.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kosarica/game-ingest/internal/entities"
	"github.com/kosarica/game-ingest/internal/ingestrun"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/providers/giantbomb"
	"github.com/kosarica/game-ingest/internal/providers/igdb"
	"github.com/kosarica/game-ingest/internal/providers/itad"
	"github.com/kosarica/game-ingest/internal/providers/nexarda"
	"github.com/kosarica/game-ingest/internal/providers/psstore"
	"github.com/kosarica/game-ingest/internal/providers/rawg"
	"github.com/kosarica/game-ingest/internal/providers/steam"
	"github.com/kosarica/game-ingest/internal/providers/tgdb"
	"github.com/kosarica/game-ingest/internal/providers/xbox"
	"github.com/kosarica/game-ingest/internal/schema"
)

// Runner is the shared adapter contract every provider package implements
// (spec §4.7: "all adapters share the contract: run_from_env(db) →
// Result<usize>").
type Runner interface {
	RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error)
}

// Options controls one unified-ingest invocation (spec §6.4 `unified-ingest`
// flags).
type Options struct {
	SkipBackfill  bool
	SkipBootstrap bool
	SkipPSSeed    bool
	DryRun        bool

	BackfillChunkSize int
	BackfillLimit     int

	BootstrapCoverage     string // "GB:GBP,CA:CAD:2"
	BootstrapRetailerName string
	BootstrapRetailerSlug string
	BootstrapChunkSize    int
	BootstrapLimit        int

	DisabledProviders map[string]bool // provider slug -> skip

	LoopSecs int
	MaxLoops int
}

// Result summarizes one invocation for CLI/log output.
type Result struct {
	BackfilledSellables int
	BootstrappedOffers  int
	ProviderItems       map[string]int
	Loops               int
}

// Run executes the full sequence of spec §4.8. Steps 2-4 (backfill,
// bootstrap, PS seed) run exactly once regardless of looping; only step 5
// (provider fan-out) repeats when loop_secs is set.
func Run(ctx context.Context, db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger, opts Options) (Result, error) {
	l := log.With().Str("component", "orchestrator").Logger()
	ents := entities.New(db, l)
	recorder := ingestrun.New(db, l)
	result := Result{ProviderItems: make(map[string]int)}

	if !opts.SkipBackfill {
		n, err := backfillSellables(ctx, db, l, opts.BackfillChunkSize, opts.BackfillLimit, opts.DryRun)
		if err != nil {
			return result, fmt.Errorf("orchestrator: backfill: %w", err)
		}
		result.BackfilledSellables = n
		l.Info().Int("sellables_created", n).Msg("backfill complete")
	}

	if !opts.SkipBootstrap {
		n, err := bootstrapOffers(ctx, db, ents, l, opts)
		if err != nil {
			return result, fmt.Errorf("orchestrator: bootstrap: %w", err)
		}
		result.BootstrappedOffers = n
		l.Info().Int("offer_jurisdictions_created", n).Msg("bootstrap complete")
	}

	if !opts.SkipPSSeed && !opts.DryRun {
		seed := psstore.New(db, caps, l)
		n, err := seed.RunFromEnv(ctx, recorder)
		if err != nil {
			l.Warn().Err(err).Msg("ps seed failed, continuing")
		} else {
			result.ProviderItems[providers.SlugPSStore] = n
		}
	}

	registry := buildRegistry(db, caps, l, opts.DisabledProviders)
	loops := 0
	for {
		items := fanOut(ctx, registry, recorder, l)
		for k, v := range items {
			result.ProviderItems[k] += v
		}
		loops++
		result.Loops = loops

		if opts.LoopSecs <= 0 {
			break
		}
		if opts.MaxLoops > 0 && loops >= opts.MaxLoops {
			break
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(time.Duration(opts.LoopSecs) * time.Second):
		}
	}

	return result, nil
}

// buildRegistry constructs one adapter per enabled provider (spec §4.8
// step 5: "Build a provider task list from enable/disable flags").
func buildRegistry(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger, disabled map[string]bool) map[string]Runner {
	all := map[string]Runner{
		providers.SlugSteam:     steam.New(db, caps, log),
		providers.SlugXbox:      xbox.New(db, caps, log),
		providers.SlugIGDB:      igdb.New(db, caps, log),
		providers.SlugNexarda:   nexarda.New(db, caps, log),
		providers.SlugGiantBomb: giantbomb.New(db, caps, log),
		providers.SlugRAWG:      rawg.New(db, caps, log),
		providers.SlugTGDB:      tgdb.New(db, caps, log),
		providers.SlugITAD:      itad.New(db, caps, log),
	}
	for slug := range disabled {
		delete(all, slug)
	}
	return all
}

// fanOut submits one task per registered provider to a bounded pool sized
// min(8, tasks) and runs each through a retrying driver (spec §4.8 step 5,
// §5: errgroup + semaphore, the async-with-bounded-semaphore alternative
// chosen over a blocking thread pool, recorded as an Open Question
// resolution in DESIGN.md).
func fanOut(ctx context.Context, registry map[string]Runner, recorder *ingestrun.Recorder, log zerolog.Logger) map[string]int {
	const maxConcurrency = 8
	n := len(registry)
	if n == 0 {
		return nil
	}
	limit := n
	if limit > maxConcurrency {
		limit = maxConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var mu sync.Mutex
	results := make(map[string]int, n)

	for slug, runner := range registry {
		slug, runner := slug, runner
		g.Go(func() error {
			items, err := runWithRetry(gctx, slug, runner, recorder, log)
			mu.Lock()
			results[slug] = items
			mu.Unlock()
			if err != nil {
				log.Warn().Str("provider", slug).Err(err).Msg("provider run failed, continuing with others")
			}
			return nil // per-provider failures never abort the fan-out (spec §4.8, §7)
		})
	}
	_ = g.Wait()
	return results
}

// runWithRetry wraps one adapter call with the driving retry policy of
// spec §4.8 step 5: at least 3 attempts, exponential backoff capped at
// 2^6 seconds.
func runWithRetry(ctx context.Context, slug string, runner Runner, recorder *ingestrun.Recorder, log zerolog.Logger) (int, error) {
	const maxAttempts = 3
	const capSecs = 64 // 2^6

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		items, err := runner.RunFromEnv(ctx, recorder)
		if err == nil {
			return items, nil
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		backoff := time.Duration(math.Min(float64(capSecs), math.Pow(2, float64(attempt+1)))) * time.Second
		log.Warn().Str("provider", slug).Int("attempt", attempt+1).Dur("backoff", backoff).Err(err).Msg("provider run failed, retrying")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return 0, lastErr
}

// BackfillSellables runs step 2 of spec §4.8 standalone, for the
// `db-backfill-sellables` CLI subcommand (spec §6.4).
func BackfillSellables(ctx context.Context, db *pgxpool.Pool, log zerolog.Logger, chunkSize, limit int, dryRun bool) (int, error) {
	return backfillSellables(ctx, db, log, chunkSize, limit, dryRun)
}

// BootstrapOffers runs step 3 of spec §4.8 standalone, for the
// `db-bootstrap-offers` CLI subcommand (spec §6.4).
func BootstrapOffers(ctx context.Context, db *pgxpool.Pool, log zerolog.Logger, opts Options) (int, error) {
	ents := entities.New(db, log)
	return bootstrapOffers(ctx, db, ents, log, opts)
}

// backfillSellables creates missing sellable rows for software titles,
// chunked by chunkSize (spec §4.8 step 2).
func backfillSellables(ctx context.Context, db *pgxpool.Pool, log zerolog.Logger, chunkSize, limit int, dryRun bool) (int, error) {
	if chunkSize <= 0 {
		chunkSize = 250
	}
	query := `
		SELECT p.id
		FROM products p
		JOIN software_titles st ON st.product_id = p.id
		LEFT JOIN sellables s ON s.kind = 'software_title' AND s.key_id = p.id
		WHERE s.id IS NULL`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("backfill: query missing sellables: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if dryRun {
		log.Info().Int("would_create", len(ids)).Msg("backfill dry-run")
		return len(ids), nil
	}

	created := 0
	for i := 0; i < len(ids); i += chunkSize {
		end := i + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]
		batch := &pgx.Batch{}
		for _, id := range chunk {
			batch.Queue("INSERT INTO sellables (kind, key_id) VALUES ('software_title', $1) ON CONFLICT DO NOTHING", id)
		}
		br := db.SendBatch(ctx, batch)
		var sendErr error
		for range chunk {
			if _, err := br.Exec(); err != nil {
				sendErr = err
				break
			}
		}
		if closeErr := br.Close(); closeErr != nil && sendErr == nil {
			sendErr = closeErr
		}
		if sendErr != nil {
			return created, fmt.Errorf("backfill: chunk insert: %w", sendErr)
		}
		created += len(chunk)
	}
	return created, nil
}

// bootstrapOffers ensures currency/country/jurisdiction/retailer rows and
// offer+OJ coverage for every software sellable across a coverage spec of
// "CC:CUR[:id]" entries (spec §4.8 step 3).
func bootstrapOffers(ctx context.Context, db *pgxpool.Pool, ents *entities.Cache, log zerolog.Logger, opts Options) (int, error) {
	retailerName := opts.BootstrapRetailerName
	if retailerName == "" {
		retailerName = "Unified Catalog"
	}
	retailerSlug := opts.BootstrapRetailerSlug
	if retailerSlug == "" {
		retailerSlug = "unified-catalog"
	}
	retailerID, err := ents.EnsureRetailer(ctx, retailerName, retailerSlug)
	if err != nil {
		return 0, err
	}

	coverage := parseCoverage(opts.BootstrapCoverage)
	if len(coverage) == 0 {
		coverage = []coverageEntry{{Country: "US", Currency: "USD"}}
	}

	chunkSize := opts.BootstrapChunkSize
	if chunkSize <= 0 {
		chunkSize = 250
	}

	rows, err := db.Query(ctx, "SELECT id FROM sellables WHERE kind = 'software_title'")
	if err != nil {
		return 0, err
	}
	var sellableIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		sellableIDs = append(sellableIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if opts.BootstrapLimit > 0 && opts.BootstrapLimit < len(sellableIDs) {
		sellableIDs = sellableIDs[:opts.BootstrapLimit]
	}
	if opts.DryRun {
		log.Info().Int("sellables", len(sellableIDs)).Int("coverage_entries", len(coverage)).Msg("bootstrap dry-run")
		return len(sellableIDs) * len(coverage), nil
	}

	created := 0
	for _, cov := range coverage {
		currencyID, err := ents.EnsureCurrency(ctx, cov.Currency, cov.Currency, 2)
		if err != nil {
			return created, err
		}
		countryID, err := ents.EnsureCountry(ctx, cov.Country, cov.Country, currencyID)
		if err != nil {
			return created, err
		}
		jurisdictionID, err := ents.EnsureNationalJurisdiction(ctx, countryID)
		if err != nil {
			return created, err
		}
		for i := 0; i < len(sellableIDs); i += chunkSize {
			end := i + chunkSize
			if end > len(sellableIDs) {
				end = len(sellableIDs)
			}
			for _, sellableID := range sellableIDs[i:end] {
				offerID, err := ents.EnsureOffer(ctx, sellableID, retailerID, nil)
				if err != nil {
					return created, err
				}
				if _, err := ents.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID); err != nil {
					return created, err
				}
				created++
			}
		}
	}
	return created, nil
}

type coverageEntry struct {
	Country  string
	Currency string
}

// parseCoverage parses "GB:GBP,CA:CAD:2" style strings (the trailing
// optional numeric field is accepted but unused, matching the format
// documented in spec §4.8 step 3).
func parseCoverage(s string) []coverageEntry {
	if s == "" {
		return nil
	}
	var out []coverageEntry
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			continue
		}
		out = append(out, coverageEntry{Country: fields[0], Currency: fields[1]})
	}
	return out
}
