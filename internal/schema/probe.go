// Package schema probes the target database for optional tables/columns
// and derives the capability flags that gate schema-tolerant writes
// throughout the ingestion engine (spec §4.3).
package schema

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Probe caches table/column existence lookups for one worker process. A
// name matches in any schema other than pg_catalog/information_schema;
// search_path order is not consulted (spec §4.3).
type Probe struct {
	db *pgxpool.Pool

	mu      sync.RWMutex
	tables  map[string]bool
	columns map[string]bool // key: "table.column"
}

// NewProbe constructs an empty Probe bound to db.
func NewProbe(db *pgxpool.Pool) *Probe {
	return &Probe{
		db:      db,
		tables:  make(map[string]bool),
		columns: make(map[string]bool),
	}
}

// TableExists reports whether name exists in any schema the connection can
// see (excluding pg_catalog/information_schema), caching the result.
func (p *Probe) TableExists(ctx context.Context, name string) (bool, error) {
	p.mu.RLock()
	if v, ok := p.tables[name]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	var exists bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_name = $1
			  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		)
	`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("schema: probe table %s: %w", name, err)
	}

	p.mu.Lock()
	p.tables[name] = exists
	p.mu.Unlock()
	return exists, nil
}

// ColumnExists reports whether table.column exists, caching the result.
func (p *Probe) ColumnExists(ctx context.Context, table, column string) (bool, error) {
	key := table + "." + column
	p.mu.RLock()
	if v, ok := p.columns[key]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	var exists bool
	err := p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = $1 AND column_name = $2
			  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		)
	`, table, column).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("schema: probe column %s: %w", key, err)
	}

	p.mu.Lock()
	p.columns[key] = exists
	p.mu.Unlock()
	return exists, nil
}

// ColumnNullable reports whether table.column permits NULL; used for
// titles_require_video_game_id.
func (p *Probe) ColumnNullable(ctx context.Context, table, column string) (bool, error) {
	var nullable string
	err := p.db.QueryRow(ctx, `
		SELECT is_nullable FROM information_schema.columns
		WHERE table_name = $1 AND column_name = $2
		  AND table_schema NOT IN ('pg_catalog', 'information_schema')
		LIMIT 1
	`, table, column).Scan(&nullable)
	if err != nil {
		return true, fmt.Errorf("schema: probe nullability %s.%s: %w", table, column, err)
	}
	return nullable == "YES", nil
}

// Capabilities is the set of higher-level predicates computed once per
// run (spec §4.3), passed into write sites instead of branching deep in
// hot loops.
type Capabilities struct {
	PHPCompatSchema        bool
	TitlesSourceKeyed      bool
	TitlesRequireVideoGameID bool
	VideoGamesIsLaravel    bool
	ProviderItemsExists    bool
	ProviderMediaLinksExists bool
	GameMediaExists        bool
	GameImagesExist        bool
	GameVideosExist        bool
	RatingsConflictSupported bool
	OfferJurisdictionsExists bool
}

// Resolve computes every capability flag from spec §4.3 in one pass.
func (p *Probe) Resolve(ctx context.Context) (Capabilities, error) {
	var c Capabilities

	jurisdictions, err := p.TableExists(ctx, "jurisdictions")
	if err != nil {
		return c, err
	}
	providerItems, err := p.TableExists(ctx, "provider_items")
	if err != nil {
		return c, err
	}
	sellables, err := p.TableExists(ctx, "sellables")
	if err != nil {
		return c, err
	}
	c.PHPCompatSchema = !jurisdictions || !providerItems || !sellables
	c.ProviderItemsExists = providerItems
	c.OfferJurisdictionsExists = jurisdictions

	srcCol, err := p.ColumnExists(ctx, "video_game_titles", "video_game_source_id")
	if err != nil {
		return c, err
	}
	extCol, err := p.ColumnExists(ctx, "video_game_titles", "external_item_id")
	if err != nil {
		return c, err
	}
	sources, err := p.TableExists(ctx, "video_game_sources")
	if err != nil {
		return c, err
	}
	c.TitlesSourceKeyed = srcCol && extCol && sources

	vgidNullable, err := p.ColumnNullable(ctx, "video_game_titles", "video_game_id")
	if err != nil {
		return c, err
	}
	c.TitlesRequireVideoGameID = !vgidNullable

	productCol, err := p.ColumnExists(ctx, "video_games", "product_id")
	if err != nil {
		return c, err
	}
	titleCol, err := p.ColumnExists(ctx, "video_games", "title")
	if err != nil {
		return c, err
	}
	c.VideoGamesIsLaravel = productCol && titleCol

	c.ProviderMediaLinksExists, err = p.TableExists(ctx, "provider_media_links")
	if err != nil {
		return c, err
	}
	c.GameMediaExists, err = p.TableExists(ctx, "game_media")
	if err != nil {
		return c, err
	}
	c.GameImagesExist, err = p.TableExists(ctx, "game_images")
	if err != nil {
		return c, err
	}
	c.GameVideosExist, err = p.TableExists(ctx, "game_videos")
	if err != nil {
		return c, err
	}

	var ratingsConstraint bool
	err = p.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_constraint con
			JOIN pg_class rel ON rel.oid = con.conrelid
			WHERE rel.relname = 'video_game_ratings_by_locale'
			  AND con.contype IN ('u', 'p')
		)
	`).Scan(&ratingsConstraint)
	if err != nil {
		return c, fmt.Errorf("schema: probe ratings constraint: %w", err)
	}
	c.RatingsConflictSupported = ratingsConstraint

	return c, nil
}
