// Package rawg adapts the RAWG video game database API: a bounded,
// paginated games sync gated by year range (spec §4.7.6).
package rawg

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

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

type rawgGame struct {
	ID      int64  `json:"id"`
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Released string `json:"released"`
	Rating   float64 `json:"rating"`
}

type rawgResponse struct {
	Results []rawgGame `json:"results"`
}

// Adapter runs the RAWG sync task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugRAWG).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugRAWG)
	cfg.ReqsPerMin = envInt("RAWG_REQS_PER_MIN", 60)
	return &Adapter{db: db, client: httpclient.New(cfg, nil, l), ents: entities.New(db, l), caps: caps, log: l}
}

func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	apiKey := os.Getenv("RAWG_API_KEY")
	if apiKey == "" {
		return 0, ingesterr.Fatalf(providers.SlugRAWG, "RunFromEnv", fmt.Errorf("RAWG_API_KEY not set"))
	}
	providerID, err := a.ents.EnsureProvider(ctx, "RAWG", "catalog", providers.SlugRAWG)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugRAWG, "ensure_provider", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugRAWG, "start_run", err)
	}

	pageSize := envInt("RAWG_PAGE_SIZE", 40)
	yearMin := envInt("RAWG_YEAR_MIN", 0)
	yearMax := envInt("RAWG_YEAR_MAX", time.Now().Year())

	url := fmt.Sprintf("https://api.rawg.io/api/games?key=%s&page_size=%d&ordering=-released", apiKey, pageSize)
	var resp rawgResponse
	if err := a.client.GetJSON(ctx, url, nil, &resp); err != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugRAWG, "fetch_games", err)
	}

	processed := 0
	for _, g := range resp.Results {
		if year := parseYear(g.Released); year > 0 && (year < yearMin || year > yearMax) {
			continue
		}
		if err := a.persistGame(ctx, providerID, g); err != nil {
			a.log.Warn().Int64("rawg_id", g.ID).Err(err).Msg("rawg: persist failed")
			continue
		}
		processed++
	}

	status := model.RunCompleted
	if processed < len(resp.Results) {
		status = model.RunPartial
	}
	_ = runs.Finish(ctx, runID, status, processed, 0, nil)
	runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
	return processed, nil
}

func (a *Adapter) persistGame(ctx context.Context, providerID int64, g rawgGame) error {
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugRAWG, g.Slug), g.Name)
	if err != nil {
		return err
	}
	if err := a.ents.EnsureSoftwareRow(ctx, productID); err != nil {
		return err
	}
	_, err = a.ents.EnsureVideoGameForProductLaravel(ctx, productID, g.Name, g.Slug, nil, providers.SlugRAWG)
	if err != nil {
		return err
	}
	externalID := strconv.FormatInt(g.ID, 10)
	_, err = a.ents.EnsureProviderItem(ctx, providerID, externalID, nil, false)
	return err
}

func parseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	n, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return n
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
