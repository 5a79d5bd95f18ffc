package integration

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
	"github.com/kosarica/game-ingest/internal/prices"
	"github.com/kosarica/game-ingest/internal/queue"
	"github.com/kosarica/game-ingest/internal/schema"
)

// baseSchema covers the slice of the catalog schema that entities and
// prices touch directly; it is intentionally minimal, not the full
// production schema (spec §4.4/§4.5).
const baseSchema = `
CREATE TABLE providers (
	id bigserial PRIMARY KEY,
	name text NOT NULL,
	kind text NOT NULL,
	slug text NOT NULL UNIQUE
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
CREATE TABLE products (
	id bigserial PRIMARY KEY,
	kind text NOT NULL,
	slug text NOT NULL UNIQUE,
	display_name text NOT NULL
);
CREATE TABLE sellables (
	id bigserial PRIMARY KEY,
	kind text NOT NULL,
	key_id bigint NOT NULL,
	UNIQUE (kind, key_id)
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
CREATE TABLE prices (
	id bigserial PRIMARY KEY,
	offer_jurisdiction_id bigint NOT NULL REFERENCES offer_jurisdictions(id),
	provider_item_id bigint,
	recorded_at timestamptz NOT NULL,
	amount_minor bigint NOT NULL,
	tax_inclusive boolean NOT NULL,
	meta jsonb,
	country_code text,
	currency text,
	retailer text,
	agent text,
	agent_priority int,
	kind text
);
CREATE TABLE current_prices (
	offer_jurisdiction_id bigint PRIMARY KEY REFERENCES offer_jurisdictions(id),
	amount_minor bigint NOT NULL,
	recorded_at timestamptz NOT NULL,
	agent text NOT NULL,
	agent_priority int NOT NULL
);
`

func setupPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("ingest_test"),
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

	_, err = pool.Exec(ctx, baseSchema)
	require.NoError(t, err)

	return pool
}

// TestEntityCacheEnsureIsIdempotentUnderConcurrency drives the same
// natural key through EnsureProvider from many goroutines at once and
// asserts they all converge on one row (spec §4.4 invariant: ensure
// operations are safe under concurrent writers).
func TestEntityCacheEnsureIsIdempotentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)

	const workers = 8
	ids := make([]int64, workers)
	errs := make([]error, workers)
	done := make(chan int, workers)

	for i := 0; i < workers; i++ {
		go func(i int) {
			c := entities.New(pool, zerolog.Nop())
			id, err := c.EnsureProvider(ctx, "Steam", "storefront", "steam")
			ids[i] = id
			errs[i] = err
			done <- i
		}(i)
	}
	for i := 0; i < workers; i++ {
		<-done
	}

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "every concurrent ensure must resolve to the same provider row")
	}

	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM providers WHERE slug = 'steam'`).Scan(&count))
	assert.Equal(t, 1, count)
}

// TestEntityCacheEnsureChainBuildsOfferJurisdiction exercises the full
// entity chain a provider adapter walks to reach a priceable
// offer_jurisdiction (spec §4.4 step order).
func TestEntityCacheEnsureChainBuildsOfferJurisdiction(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	c := entities.New(pool, zerolog.Nop())

	currencyID, err := c.EnsureCurrency(ctx, "USD", "US Dollar", 2)
	require.NoError(t, err)
	countryID, err := c.EnsureCountry(ctx, "US", "United States", currencyID)
	require.NoError(t, err)
	jurisdictionID, err := c.EnsureNationalJurisdiction(ctx, countryID)
	require.NoError(t, err)

	productID, err := c.EnsureProductNamed(ctx, "video_game", "half-life-3", "Half-Life 3")
	require.NoError(t, err)
	sellableID, err := c.EnsureSellable(ctx, "product", productID)
	require.NoError(t, err)

	retailerID, err := c.EnsureRetailer(ctx, "Steam", "steam")
	require.NoError(t, err)
	offerID, err := c.EnsureOffer(ctx, sellableID, retailerID, nil)
	require.NoError(t, err)

	ojID, err := c.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
	require.NoError(t, err)
	assert.NotZero(t, ojID)

	// Re-running the chain must resolve to the same offer_jurisdiction id.
	ojID2, err := c.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
	require.NoError(t, err)
	assert.Equal(t, ojID, ojID2)
}

// TestBatchWriterFlushResolvesCurrentPrice exercises the priority/recency
// resolution rule in resolveCurrentPrices (spec §4.5 step 4 / invariant 2):
// a newer price from a higher-priority agent replaces a lower-priority one,
// and a later flush of a lower-priority, older price does not dislodge it.
func TestBatchWriterFlushResolvesCurrentPrice(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	c := entities.New(pool, zerolog.Nop())

	currencyID, err := c.EnsureCurrency(ctx, "EUR", "Euro", 2)
	require.NoError(t, err)
	countryID, err := c.EnsureCountry(ctx, "DE", "Germany", currencyID)
	require.NoError(t, err)
	jurisdictionID, err := c.EnsureNationalJurisdiction(ctx, countryID)
	require.NoError(t, err)
	productID, err := c.EnsureProductNamed(ctx, "video_game", "portal-3", "Portal 3")
	require.NoError(t, err)
	sellableID, err := c.EnsureSellable(ctx, "product", productID)
	require.NoError(t, err)
	retailerID, err := c.EnsureRetailer(ctx, "PlayStation Store", "psstore")
	require.NoError(t, err)
	offerID, err := c.EnsureOffer(ctx, sellableID, retailerID, nil)
	require.NoError(t, err)
	ojID, err := c.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
	require.NoError(t, err)

	now := time.Now().UTC()
	w := prices.NewBatchWriter(pool, zerolog.Nop(), 200, false)

	require.NoError(t, w.Add(ctx, prices.Row{
		OfferJurisdictionID: ojID, AmountMinor: 5999, RecordedAt: now.Add(-time.Hour),
		Agent: "low-priority-scraper", AgentPriority: 1, Kind: "regular",
	}))
	require.NoError(t, w.Flush(ctx))

	require.NoError(t, w.Add(ctx, prices.Row{
		OfferJurisdictionID: ojID, AmountMinor: 4999, RecordedAt: now,
		Agent: "official-api", AgentPriority: 10, Kind: "regular",
	}))
	require.NoError(t, w.Flush(ctx))

	var amount int64
	var agent string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT amount_minor, agent FROM current_prices WHERE offer_jurisdiction_id = $1`, ojID,
	).Scan(&amount, &agent))
	assert.Equal(t, int64(4999), amount, "higher-priority agent wins even though it arrived second")
	assert.Equal(t, "official-api", agent)

	// A lower-priority, older observation from the losing agent must not
	// overwrite the current price.
	require.NoError(t, w.Add(ctx, prices.Row{
		OfferJurisdictionID: ojID, AmountMinor: 3999, RecordedAt: now.Add(-2 * time.Hour),
		Agent: "low-priority-scraper", AgentPriority: 1, Kind: "regular",
	}))
	require.NoError(t, w.Flush(ctx))

	require.NoError(t, pool.QueryRow(ctx,
		`SELECT amount_minor FROM current_prices WHERE offer_jurisdiction_id = $1`, ojID,
	).Scan(&amount))
	assert.Equal(t, int64(4999), amount, "a lower-priority, older row must not dislodge the current price")
}

// TestQueueRoundTripAndStuckMessages exercises the durable queue's send
// through archive lifecycle, including the sweeper's stuck-message query
// (spec §4.9).
func TestQueueRoundTripAndStuckMessages(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	q := queue.New(pool, "ingest")
	require.NoError(t, q.EnsureSchema(ctx))

	msgID, correlationID, err := q.Send(ctx, model.IngestJob{Provider: "steam", Task: "catalog"})
	require.NoError(t, err)
	assert.NotEmpty(t, correlationID)

	msg, err := q.Read(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, msgID, msg.MsgID)
	assert.Equal(t, 1, msg.ReadCt)
	assert.Equal(t, "steam", msg.Payload.Provider)

	// While the message is still within its visibility timeout, it must
	// not be handed to a second reader.
	second, err := q.Read(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)

	// Once the visibility timeout lapses, a retry read bumps read_ct.
	time.Sleep(1100 * time.Millisecond)
	retried, err := q.Read(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, 2, retried.ReadCt)

	require.NoError(t, q.SetVT(ctx, msgID, -time.Second))
	stuck, err := q.StuckMessages(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, stuck, msgID, "a message past max retries and past its VT is a sweeper candidate")

	require.NoError(t, q.Archive(ctx, msgID))
	stuckAfterArchive, err := q.StuckMessages(ctx, 1)
	require.NoError(t, err)
	assert.NotContains(t, stuckAfterArchive, msgID)

	var archivedCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM queue_ingest_archive WHERE msg_id = $1`, msgID).Scan(&archivedCount))
	assert.Equal(t, 1, archivedCount)
}

// TestSchemaProbeCachesAcrossCalls exercises the capability-probe layer
// that gates schema-tolerant writes (spec §4.3): probing a table twice
// must not re-query information_schema the second time, and a newly
// created table is invisible until the cache is bypassed with a fresh
// Probe.
func TestSchemaProbeCachesAcrossCalls(t *testing.T) {
	ctx := context.Background()
	pool := setupPool(ctx, t)
	probe := schema.NewProbe(pool)

	exists, err := probe.TableExists(ctx, "providers")
	require.NoError(t, err)
	assert.True(t, exists)

	missing, err := probe.TableExists(ctx, "does_not_exist_yet")
	require.NoError(t, err)
	assert.False(t, missing)

	_, err = pool.Exec(ctx, `CREATE TABLE does_not_exist_yet (id int)`)
	require.NoError(t, err)

	// Stale cache: the same Probe instance still reports the cached miss.
	stillMissing, err := probe.TableExists(ctx, "does_not_exist_yet")
	require.NoError(t, err)
	assert.False(t, stillMissing, "a Probe caches for the lifetime of one worker process")

	// A fresh Probe against the same pool observes the new table.
	freshProbe := schema.NewProbe(pool)
	nowExists, err := freshProbe.TableExists(ctx, "does_not_exist_yet")
	require.NoError(t, err)
	assert.True(t, nowExists)

	colExists, err := probe.ColumnExists(ctx, "providers", "slug")
	require.NoError(t, err)
	assert.True(t, colExists)
}
