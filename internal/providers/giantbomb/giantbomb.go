// Package giantbomb adapts the GiantBomb catalog API: a bounded,
// paginated games sync gated by year range (spec §4.7.6).
package giantbomb

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

type gbGame struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Guid        string `json:"guid"`
	Deck        string `json:"deck"`
	ReleaseDate string `json:"original_release_date"`
}

type gbResponse struct {
	Results []gbGame `json:"results"`
}

// Adapter runs the GiantBomb sync task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugGiantBomb).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugGiantBomb)
	cfg.ReqsPerMin = envInt("GIANTBOMB_REQS_PER_MIN", 60)
	return &Adapter{db: db, client: httpclient.New(cfg, nil, l), ents: entities.New(db, l), caps: caps, log: l}
}

// RunFromEnv bounds discovery by year_min/year_max and page_size (spec §4.7.6).
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	apiKey := os.Getenv("GIANTBOMB_API_KEY")
	if apiKey == "" {
		return 0, ingesterr.Fatalf(providers.SlugGiantBomb, "RunFromEnv", fmt.Errorf("GIANTBOMB_API_KEY not set"))
	}
	providerID, err := a.ents.EnsureProvider(ctx, "GiantBomb", "catalog", providers.SlugGiantBomb)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugGiantBomb, "ensure_provider", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugGiantBomb, "start_run", err)
	}

	pageSize := envInt("GIANTBOMB_PAGE_SIZE", 100)
	yearMin := envInt("GIANTBOMB_YEAR_MIN", 0)
	yearMax := envInt("GIANTBOMB_YEAR_MAX", time.Now().Year())

	url := fmt.Sprintf("https://www.giantbomb.com/api/games/?api_key=%s&format=json&limit=%d&sort=original_release_date:desc", apiKey, pageSize)
	var resp gbResponse
	if err := a.client.GetJSON(ctx, url, map[string]string{"User-Agent": "game-ingest/1.0"}, &resp); err != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugGiantBomb, "fetch_games", err)
	}

	processed := 0
	for _, g := range resp.Results {
		if year := parseYear(g.ReleaseDate); year > 0 && (year < yearMin || year > yearMax) {
			continue
		}
		if err := a.persistGame(ctx, providerID, g); err != nil {
			a.log.Warn().Int64("giantbomb_id", g.ID).Err(err).Msg("giantbomb: persist failed")
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

func (a *Adapter) persistGame(ctx context.Context, providerID int64, g gbGame) error {
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugGiantBomb, g.Guid), g.Name)
	if err != nil {
		return err
	}
	if err := a.ents.EnsureSoftwareRow(ctx, productID); err != nil {
		return err
	}
	_, err = a.ents.EnsureVideoGameForProductLaravel(ctx, productID, g.Name, slug.Slugify(g.Name), nil, providers.SlugGiantBomb)
	if err != nil {
		return err
	}
	externalID := strconv.FormatInt(g.ID, 10)
	_, err = a.ents.EnsureProviderItem(ctx, providerID, externalID, nil, true)
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
