package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kosarica/game-ingest/internal/entities"
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/orchestrator"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/queue"
	"github.com/kosarica/game-ingest/internal/schema"
)

// catalogSchema is the slice of the unified catalog schema exercised by
// one full orchestrator.Run invocation: enough for backfill (products,
// software_titles, sellables) and bootstrap (currencies, countries,
// jurisdictions, retailers, offers, offer_jurisdictions) to run for
// real against Postgres (spec §4.8).
const catalogSchema = `
CREATE TABLE products (
	id bigserial PRIMARY KEY,
	kind text NOT NULL,
	slug text NOT NULL UNIQUE,
	display_name text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE software_titles (
	product_id bigint PRIMARY KEY REFERENCES products(id)
);
CREATE TABLE sellables (
	id bigserial PRIMARY KEY,
	kind text NOT NULL,
	key_id bigint NOT NULL,
	UNIQUE (kind, key_id)
);
CREATE TABLE retailers (
	id bigserial PRIMARY KEY,
	name text NOT NULL,
	slug text NOT NULL UNIQUE
);
CREATE TABLE currencies (
	id bigserial PRIMARY KEY,
	code text NOT NULL UNIQUE,
	name text NOT NULL,
	minor_unit int NOT NULL
);
CREATE TABLE countries (
	id bigserial PRIMARY KEY,
	code text NOT NULL UNIQUE,
	name text NOT NULL,
	default_currency_id bigint REFERENCES currencies(id)
);
CREATE TABLE jurisdictions (
	id bigserial PRIMARY KEY,
	country_id bigint NOT NULL REFERENCES countries(id),
	region_code text,
	UNIQUE (country_id, region_code)
);
CREATE TABLE offers (
	id bigserial PRIMARY KEY,
	sellable_id bigint NOT NULL REFERENCES sellables(id),
	retailer_id bigint NOT NULL REFERENCES retailers(id),
	external_id text,
	UNIQUE (sellable_id, retailer_id, external_id)
);
CREATE UNIQUE INDEX offers_no_external_id ON offers (sellable_id, retailer_id) WHERE external_id IS NULL;
CREATE TABLE offer_jurisdictions (
	id bigserial PRIMARY KEY,
	offer_id bigint NOT NULL REFERENCES offers(id),
	jurisdiction_id bigint NOT NULL REFERENCES jurisdictions(id),
	currency_id bigint NOT NULL REFERENCES currencies(id),
	UNIQUE (offer_id, jurisdiction_id, currency_id)
);
CREATE TABLE ingest_runs (
	id bigserial PRIMARY KEY,
	started_at timestamptz NOT NULL DEFAULT now(),
	finished_at timestamptz,
	summary jsonb
);
`

func setupPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("ingest_e2e"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second),
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(1).
					WithStartupTimeout(60*time.Second),
			),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, catalogSchema)
	require.NoError(t, err)

	return pool
}

// disableAllProviders gates the fan-out loop shut so the e2e run never
// reaches out to a real provider API; it exercises only the DB-driven
// steps of spec §4.8 (backfill, bootstrap, empty fan-out).
func disableAllProviders() map[string]bool {
	return map[string]bool{
		providers.SlugSteam:     true,
		providers.SlugXbox:      true,
		providers.SlugIGDB:      true,
		providers.SlugNexarda:   true,
		providers.SlugGiantBomb: true,
		providers.SlugRAWG:      true,
		providers.SlugTGDB:      true,
		providers.SlugITAD:      true,
	}
}

// TestUnifiedIngestBackfillAndBootstrap drives orchestrator.Run end to
// end against a live database: a product lands in the catalog with no
// sellable yet, backfill creates one, bootstrap creates an
// offer_jurisdiction for it under the default US/USD coverage, and the
// (empty, disabled) fan-out step completes without touching the network
// (spec §4.8 steps 2, 3 and 5).
func TestUnifiedIngestBackfillAndBootstrap(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	ents := entities.New(pool, zerolog.Nop())

	productID, err := ents.EnsureProductNamed(ctx, "video_game", "elden-ring-2", "Elden Ring 2")
	require.NoError(t, err)
	require.NoError(t, ents.EnsureSoftwareRow(ctx, productID))

	caps := schema.Capabilities{}
	result, err := orchestrator.Run(ctx, pool, caps, zerolog.Nop(), orchestrator.Options{
		SkipPSSeed:        true, // avoid a live PS Store call from this DB-only test
		DisabledProviders: disableAllProviders(),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.BackfilledSellables)
	assert.Equal(t, 1, result.BootstrappedOffers)
	assert.Equal(t, 1, result.Loops)
	assert.Empty(t, result.ProviderItems, "every provider was disabled, so the fan-out step must report none")

	var sellableCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM sellables WHERE kind = 'software_title' AND key_id = $1`, productID,
	).Scan(&sellableCount))
	assert.Equal(t, 1, sellableCount)

	var ojCount int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT count(*)
		FROM offer_jurisdictions oj
		JOIN offers o ON o.id = oj.offer_id
		JOIN sellables s ON s.id = o.sellable_id
		JOIN countries c ON c.id = (SELECT country_id FROM jurisdictions WHERE id = oj.jurisdiction_id)
		WHERE s.key_id = $1 AND c.code = 'US'
	`, productID).Scan(&ojCount))
	assert.Equal(t, 1, ojCount)

	// A second run must not duplicate either the sellable or the OJ
	// (spec §4.8 invariant: backfill/bootstrap are idempotent re-runs).
	result2, err := orchestrator.Run(ctx, pool, caps, zerolog.Nop(), orchestrator.Options{
		SkipPSSeed:        true,
		DisabledProviders: disableAllProviders(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result2.BackfilledSellables, "the sellable already exists, so nothing new is backfilled")

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM sellables WHERE kind = 'software_title' AND key_id = $1`, productID,
	).Scan(&sellableCount))
	assert.Equal(t, 1, sellableCount, "re-running the pipeline must not create a duplicate sellable")
}

// TestUnifiedIngestDryRunMakesNoChanges exercises the dry-run flag
// (spec §6.4 `unified-ingest --dry-run`): counts are reported but no row
// is written.
func TestUnifiedIngestDryRunMakesNoChanges(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	ents := entities.New(pool, zerolog.Nop())

	productID, err := ents.EnsureProductNamed(ctx, "video_game", "silksong", "Silksong")
	require.NoError(t, err)
	require.NoError(t, ents.EnsureSoftwareRow(ctx, productID))

	result, err := orchestrator.Run(ctx, pool, schema.Capabilities{}, zerolog.Nop(), orchestrator.Options{
		DryRun:            true,
		DisabledProviders: disableAllProviders(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.BackfilledSellables, "dry-run still reports what it would have created")

	var sellableCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM sellables`).Scan(&sellableCount))
	assert.Zero(t, sellableCount, "dry-run must not write any sellable row")
}

// TestQueueBackedRetryExhaustionReachesSweeper drives a job through the
// durable queue until its read count exceeds the retry budget, then
// verifies the sweeper's stuck-message query would pick it up as a
// second line of defense (spec §4.9, §4.8 step "periodic sweep").
func TestQueueBackedRetryExhaustionReachesSweeper(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	q := queue.New(pool, "e2e")
	require.NoError(t, q.EnsureSchema(ctx))

	msgID, _, err := q.Send(ctx, model.IngestJob{Provider: "xbox", Task: "catalog"})
	require.NoError(t, err)

	const maxRetries = 3
	for i := 0; i < maxRetries+1; i++ {
		msg, err := q.Read(ctx, time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, msg)
		time.Sleep(5 * time.Millisecond)
	}

	stuck, err := q.StuckMessages(ctx, maxRetries)
	require.NoError(t, err)
	assert.Contains(t, stuck, msgID)

	require.NoError(t, q.Archive(ctx, msgID))
	afterArchive, err := q.StuckMessages(ctx, maxRetries)
	require.NoError(t, err)
	assert.NotContains(t, afterArchive, msgID)
}
