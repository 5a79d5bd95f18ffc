// Package entities implements the idempotent ensure-or-create entity
// resolution layer (spec §4.4): product, software row, title, video game,
// sellable, offer, offer_jurisdiction, provider item. Every Ensure*
// operation is safe under concurrent writers — each runs in a transaction
// that first takes a pg_advisory_xact_lock on its natural key, so racing
// callers serialize before the INSERT ... ON CONFLICT ... RETURNING.
package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/ingesterr"
)

// Cache is owned per ingest run, not shared across goroutines/providers
// (spec §9 design notes: "represent the entity-resolution cache as a
// per-run value; avoid global mutable singletons").
type Cache struct {
	db  *pgxpool.Pool
	log zerolog.Logger

	mu   sync.Mutex
	byID map[string]int64 // "<kind>:<natural key>" -> id
}

// New constructs a Cache bound to one ingest run's database connection.
func New(db *pgxpool.Pool, log zerolog.Logger) *Cache {
	return &Cache{
		db:   db,
		log:  log.With().Str("component", "entities").Logger(),
		byID: make(map[string]int64),
	}
}

func (c *Cache) memo(kind, key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byID[kind+":"+key]
	return id, ok
}

func (c *Cache) remember(kind, key string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[kind+":"+key] = id
}

// advisoryLockKey is the single string passed to pg_advisory_xact_lock via
// hashtext, scoping the lock to one natural key so unrelated ensure calls
// never contend with each other.
func advisoryLockKey(kind, naturalKey string) string {
	return kind + "|" + naturalKey
}

// withAdvisoryTx runs fn inside a transaction holding a
// pg_advisory_xact_lock keyed by lockKey, released automatically at
// commit/rollback. This serializes concurrent ensure-or-create calls for
// the same natural key across goroutines without a DB-wide lock.
func (c *Cache) withAdvisoryTx(ctx context.Context, lockKey string, fn func(tx pgx.Tx) error) error {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return ingesterr.Fatalf("entities", "begin tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return ingesterr.Fatalf("entities", "advisory lock", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ingesterr.Fatalf("entities", "commit tx", err)
	}
	return nil
}

// EnsureProvider inserts-or-gets a provider by slug.
func (c *Cache) EnsureProvider(ctx context.Context, name, kind, slug string) (int64, error) {
	if id, ok := c.memo("provider", slug); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("provider", slug), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO providers (name, kind, slug) VALUES ($1, $2, $3)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, name, kind, slug).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_provider(%s): %w", slug, err)
	}
	c.remember("provider", slug, id)
	return id, nil
}

// EnsureRetailer inserts-or-gets a retailer by slug.
func (c *Cache) EnsureRetailer(ctx context.Context, name, slug string) (int64, error) {
	if id, ok := c.memo("retailer", slug); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("retailer", slug), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO retailers (name, slug) VALUES ($1, $2)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, name, slug).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_retailer(%s): %w", slug, err)
	}
	c.remember("retailer", slug, id)
	return id, nil
}

// EnsureCurrency inserts-or-gets a currency by ISO code.
func (c *Cache) EnsureCurrency(ctx context.Context, code, name string, minorUnit int) (int64, error) {
	if id, ok := c.memo("currency", code); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("currency", code), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO currencies (code, name, minor_unit) VALUES ($1, $2, $3)
			ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, code, name, minorUnit).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_currency(%s): %w", code, err)
	}
	c.remember("currency", code, id)
	return id, nil
}

// EnsureCountry inserts-or-gets a country by ISO alpha-2 code.
func (c *Cache) EnsureCountry(ctx context.Context, code, name string, currencyID int64) (int64, error) {
	if id, ok := c.memo("country", code); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("country", code), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO countries (code, name, default_currency_id) VALUES ($1, $2, $3)
			ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, code, name, currencyID).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_country(%s): %w", code, err)
	}
	c.remember("country", code, id)
	return id, nil
}

// EnsureNationalJurisdiction inserts-or-gets the national
// (region_code IS NULL) jurisdiction for a country.
func (c *Cache) EnsureNationalJurisdiction(ctx context.Context, countryID int64) (int64, error) {
	key := fmt.Sprintf("%d", countryID)
	if id, ok := c.memo("national_jurisdiction", key); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("national_jurisdiction", key), func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id FROM jurisdictions WHERE country_id = $1 AND region_code IS NULL
		`, countryID).Scan(&id)
		if err == nil {
			return nil
		}
		if err != pgx.ErrNoRows {
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO jurisdictions (country_id, region_code) VALUES ($1, NULL)
			ON CONFLICT (country_id, region_code) DO UPDATE SET country_id = EXCLUDED.country_id
			RETURNING id
		`, countryID).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_national_jurisdiction(%d): %w", countryID, err)
	}
	c.remember("national_jurisdiction", key, id)
	return id, nil
}

// EnsurePlatform inserts-or-gets a platform by slug.
func (c *Cache) EnsurePlatform(ctx context.Context, name, slug string) (int64, error) {
	if id, ok := c.memo("platform", slug); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("platform", slug), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO platforms (name, slug) VALUES ($1, $2)
			ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, name, slug).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_platform(%s): %w", slug, err)
	}
	c.remember("platform", slug, id)
	return id, nil
}

// EnsureProductNamed inserts-or-gets a product by slug. Existing products
// are never renamed — the first display_name written wins.
func (c *Cache) EnsureProductNamed(ctx context.Context, kind, slug, name string) (int64, error) {
	if id, ok := c.memo("product", slug); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("product", slug), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO products (kind, slug, display_name) VALUES ($1, $2, $3)
			ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
			RETURNING id
		`, kind, slug, name).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_product_named(%s): %w", slug, err)
	}
	c.remember("product", slug, id)
	return id, nil
}

// EnsureSoftwareRow inserts-or-ignores the software gating row for a
// product; software_row carries no mutable state, so races resolve with
// a plain DO NOTHING.
func (c *Cache) EnsureSoftwareRow(ctx context.Context, productID int64) error {
	key := fmt.Sprintf("%d", productID)
	if _, ok := c.memo("software_row", key); ok {
		return nil
	}
	_, err := c.db.Exec(ctx, `
		INSERT INTO software_titles (product_id) VALUES ($1)
		ON CONFLICT (product_id) DO NOTHING
	`, productID)
	if err != nil {
		return fmt.Errorf("entities: ensure_software_row(%d): %w", productID, err)
	}
	c.remember("software_row", key, productID)
	return nil
}

// EnsureVideoGameTitle inserts-or-gets a legacy product-keyed title.
func (c *Cache) EnsureVideoGameTitle(ctx context.Context, productID int64, name, slug string) (int64, error) {
	key := fmt.Sprintf("%d", productID)
	if id, ok := c.memo("video_game_title_product", key); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("video_game_title_product", key), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO video_game_titles (product_id, name, slug) VALUES ($1, $2, $3)
			ON CONFLICT (product_id) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, productID, name, slug).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_video_game_title(%d): %w", productID, err)
	}
	c.remember("video_game_title_product", key, id)
	return id, nil
}

// SourceItemTitleFields are the nullable fields updated for a
// source-keyed title whenever the adapter learns more about the item.
type SourceItemTitleFields struct {
	VideoGameID *int64
	ProductID   *int64
	Locale      string
	Metadata    json.RawMessage
}

// EnsureVideoGameTitleForSourceItem inserts-or-updates a source-keyed
// title row, natural-keyed by (source_id, external_item_id).
func (c *Cache) EnsureVideoGameTitleForSourceItem(ctx context.Context, sourceID int64, externalItemID, name, slug string, fields SourceItemTitleFields) (int64, error) {
	key := fmt.Sprintf("%d:%s", sourceID, externalItemID)
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("video_game_title_source", key), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO video_game_titles
				(video_game_source_id, external_item_id, name, slug, video_game_id, product_id, locale, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (video_game_source_id, external_item_id) DO UPDATE SET
				name = EXCLUDED.name,
				video_game_id = COALESCE(EXCLUDED.video_game_id, video_game_titles.video_game_id),
				product_id = COALESCE(EXCLUDED.product_id, video_game_titles.product_id),
				locale = EXCLUDED.locale,
				metadata = EXCLUDED.metadata
			RETURNING id
		`, sourceID, externalItemID, name, slug, fields.VideoGameID, fields.ProductID, fields.Locale, fields.Metadata).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_video_game_title_for_source_item(%s): %w", key, err)
	}
	c.remember("video_game_title_source", key, id)
	return id, nil
}

// EnsureVideoGameForProductLaravel inserts-or-gets a Laravel-schema
// video_games row (product_id + title), keyed by product_id.
func (c *Cache) EnsureVideoGameForProductLaravel(ctx context.Context, productID int64, title, slug string, metadata json.RawMessage, providerKey string) (int64, error) {
	key := fmt.Sprintf("%d", productID)
	if id, ok := c.memo("video_game_laravel", key); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("video_game_laravel", key), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO video_games (product_id, title, slug, metadata)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (product_id) DO UPDATE SET title = EXCLUDED.title
			RETURNING id
		`, productID, title, slug, metadata).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_video_game_for_product_laravel(%d): %w", productID, err)
	}
	c.remember("video_game_laravel", key, id)
	return id, nil
}

// EnsureSellable inserts-or-gets a sellable by (kind, key_id).
func (c *Cache) EnsureSellable(ctx context.Context, kind string, keyID int64) (int64, error) {
	key := fmt.Sprintf("%s:%d", kind, keyID)
	if id, ok := c.memo("sellable", key); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("sellable", key), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO sellables (kind, key_id) VALUES ($1, $2)
			ON CONFLICT (kind, key_id) DO UPDATE SET kind = EXCLUDED.kind
			RETURNING id
		`, kind, keyID).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_sellable(%s): %w", key, err)
	}
	c.remember("sellable", key, id)
	return id, nil
}

// EnsureOffer inserts-or-gets an offer by (sellable, retailer, external_id).
// A nil externalID is treated as its own distinct natural key.
func (c *Cache) EnsureOffer(ctx context.Context, sellableID, retailerID int64, externalID *string) (int64, error) {
	extKey := "\x00"
	if externalID != nil {
		extKey = *externalID
	}
	key := fmt.Sprintf("%d:%d:%s", sellableID, retailerID, extKey)
	if id, ok := c.memo("offer", key); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("offer", key), func(tx pgx.Tx) error {
		var scanErr error
		if externalID != nil {
			scanErr = tx.QueryRow(ctx, `
				INSERT INTO offers (sellable_id, retailer_id, external_id) VALUES ($1, $2, $3)
				ON CONFLICT (sellable_id, retailer_id, external_id) DO UPDATE SET sellable_id = EXCLUDED.sellable_id
				RETURNING id
			`, sellableID, retailerID, *externalID).Scan(&id)
		} else {
			scanErr = tx.QueryRow(ctx, `
				INSERT INTO offers (sellable_id, retailer_id, external_id) VALUES ($1, $2, NULL)
				ON CONFLICT (sellable_id, retailer_id) WHERE external_id IS NULL
				DO UPDATE SET sellable_id = EXCLUDED.sellable_id
				RETURNING id
			`, sellableID, retailerID).Scan(&id)
		}
		return scanErr
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_offer(%s): %w", key, err)
	}
	c.remember("offer", key, id)
	return id, nil
}

// EnsureOfferJurisdiction inserts-or-gets an OJ by (offer, jurisdiction, currency).
func (c *Cache) EnsureOfferJurisdiction(ctx context.Context, offerID, jurisdictionID, currencyID int64) (int64, error) {
	key := fmt.Sprintf("%d:%d:%d", offerID, jurisdictionID, currencyID)
	if id, ok := c.memo("oj", key); ok {
		return id, nil
	}
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("oj", key), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO offer_jurisdictions (offer_id, jurisdiction_id, currency_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (offer_id, jurisdiction_id, currency_id) DO UPDATE SET offer_id = EXCLUDED.offer_id
			RETURNING id
		`, offerID, jurisdictionID, currencyID).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_offer_jurisdiction(%s): %w", key, err)
	}
	c.remember("oj", key, id)
	return id, nil
}

// EnsureProviderItem inserts-or-updates a provider item by
// (provider_id, external_id), refreshing payload and last_seen_at.
func (c *Cache) EnsureProviderItem(ctx context.Context, providerID int64, externalID string, payload json.RawMessage, observedDetail bool) (int64, error) {
	key := fmt.Sprintf("%d:%s", providerID, externalID)
	var id int64
	err := c.withAdvisoryTx(ctx, advisoryLockKey("provider_item", key), func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO provider_items (provider_id, external_id, payload, observed_detail, last_seen_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (provider_id, external_id) DO UPDATE SET
				payload = COALESCE(EXCLUDED.payload, provider_items.payload),
				observed_detail = provider_items.observed_detail OR EXCLUDED.observed_detail,
				last_seen_at = NOW()
			RETURNING id
		`, providerID, externalID, payload, observedDetail).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("entities: ensure_provider_item(%s): %w", key, err)
	}
	c.remember("provider_item", key, id)
	return id, nil
}
