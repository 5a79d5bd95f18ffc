// Package tgdb adapts TheGamesDB API. Skips gracefully when no API key
// is configured unless TGDB_ALLOW_ANON is set (spec §4.7.6).
package tgdb

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/entities"
	"github.com/kosarica/game-ingest/internal/httpclient"
	"github.com/kosarica/game-ingest/internal/ingesterr"
	"github.com/kosarica/game-ingest/internal/ingestrun"
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/kosarica/game-ingest/internal/slug"
)

type tgdbGame struct {
	ID          int64  `json:"id"`
	GameTitle   string `json:"game_title"`
	ReleaseDate string `json:"release_date"`
}

type tgdbResponse struct {
	Data struct {
		Games []tgdbGame `json:"games"`
	} `json:"data"`
}

// Adapter runs the TGDB sync task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugTGDB).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugTGDB)
	cfg.ReqsPerMin = envInt("TGDB_REQS_PER_MIN", 30)
	return &Adapter{db: db, client: httpclient.New(cfg, nil, l), ents: entities.New(db, l), caps: caps, log: l}
}

func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	apiKey := os.Getenv("TGDB_API_KEY")
	if apiKey == "" && os.Getenv("TGDB_ALLOW_ANON") != "1" {
		return 0, nil // graceful skip, not a run (spec §4.7.6)
	}
	providerID, err := a.ents.EnsureProvider(ctx, "TheGamesDB", "catalog", providers.SlugTGDB)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugTGDB, "ensure_provider", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugTGDB, "start_run", err)
	}

	pageSize := envInt("TGDB_PAGE_SIZE", 20)
	url := fmt.Sprintf("https://api.thegamesdb.net/v1/Games/ByPlatformID?apikey=%s&id=1&page=1&fields=release_date&per_page=%d", apiKey, pageSize)
	var resp tgdbResponse
	if err := a.client.GetJSON(ctx, url, nil, &resp); err != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugTGDB, "fetch_games", err)
	}

	processed := 0
	for _, g := range resp.Data.Games {
		if err := a.persistGame(ctx, providerID, g); err != nil {
			a.log.Warn().Int64("tgdb_id", g.ID).Err(err).Msg("tgdb: persist failed")
			continue
		}
		processed++
	}

	status := model.RunCompleted
	if processed < len(resp.Data.Games) {
		status = model.RunPartial
	}
	_ = runs.Finish(ctx, runID, status, processed, 0, nil)
	runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
	return processed, nil
}

func (a *Adapter) persistGame(ctx context.Context, providerID int64, g tgdbGame) error {
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugTGDB, g.GameTitle), g.GameTitle)
	if err != nil {
		return err
	}
	if err := a.ents.EnsureSoftwareRow(ctx, productID); err != nil {
		return err
	}
	externalID := strconv.FormatInt(g.ID, 10)
	_, err = a.ents.EnsureProviderItem(ctx, providerID, externalID, nil, false)
	return err
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
