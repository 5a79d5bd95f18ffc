// Package igdb adapts the IGDB catalog API (Twitch OAuth + APIcalypse
// query bodies), supporting backfill and top-monthly discovery modes
// (spec §4.7.4, grounded on
// original_source/rust/src/database_ops/igdb/client.rs).
package igdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/entities"
	"github.com/kosarica/game-ingest/internal/httpclient"
	"github.com/kosarica/game-ingest/internal/ingesterr"
	"github.com/kosarica/game-ingest/internal/ingestrun"
	"github.com/kosarica/game-ingest/internal/media"
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/kosarica/game-ingest/internal/slug"
)

// characterBatchSize matches the original's IGDB_CHARACTER_BATCH constant.
const characterBatchSize = 3

// tokenAuth caches a Twitch client-credentials token, refreshing when
// remaining TTL drops under 30s (spec §5 "IGDB token cache shared under a mutex").
type tokenAuth struct {
	mu        sync.Mutex
	client    *httpclient.Client
	clientID  string
	secret    string
	token     string
	expiresAt time.Time
}

func (t *tokenAuth) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && time.Until(t.expiresAt) > 30*time.Second {
		return t.token, nil
	}
	url := fmt.Sprintf("https://id.twitch.tv/oauth2/token?client_id=%s&client_secret=%s&grant_type=client_credentials", t.clientID, t.secret)
	body, err := t.client.PostText(ctx, url, "application/x-www-form-urlencoded", "", nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return "", ingesterr.Decodef(providers.SlugIGDB, "token", err)
	}
	t.token = resp.AccessToken
	t.expiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return t.token, nil
}

func (t *tokenAuth) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
}

type game struct {
	ID                  int64   `json:"id"`
	Name                string  `json:"name"`
	Slug                string  `json:"slug"`
	Summary             string  `json:"summary"`
	FirstReleaseDate    int64   `json:"first_release_date"`
	TotalRating         float64 `json:"total_rating"`
	TotalRatingCount    int64   `json:"total_rating_count"`
	AggregatedRating    float64 `json:"aggregated_rating"`
	Cover               *struct {
		ImageID string `json:"image_id"`
	} `json:"cover"`
	Screenshots []struct {
		ImageID string `json:"image_id"`
	} `json:"screenshots"`
	Videos []struct {
		VideoID string `json:"video_id"`
		Name    string `json:"name"`
	} `json:"videos"`
}

// Adapter runs the IGDB ingest task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	auth   *tokenAuth
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugIGDB).Logger()
	tokenClient := httpclient.New(httpclient.DefaultConfig(providers.SlugIGDB), nil, l)
	auth := &tokenAuth{client: tokenClient, clientID: os.Getenv("TWITCH_CLIENT_ID"), secret: os.Getenv("TWITCH_CLIENT_SECRET")}
	cfg := httpclient.DefaultConfig(providers.SlugIGDB)
	cfg.ReqsPerMin = envInt("IGDB_REQS_PER_MIN", 240)
	return &Adapter{
		db:     db,
		client: httpclient.New(cfg, auth, l),
		auth:   auth,
		ents:   entities.New(db, l),
		caps:   caps,
		log:    l,
	}
}

// RunFromEnv dispatches to backfill or top-monthly mode per IGDB_MODE
// (spec §4.7.4).
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	if a.auth.clientID == "" || a.auth.secret == "" {
		return 0, ingesterr.Fatalf(providers.SlugIGDB, "RunFromEnv", fmt.Errorf("TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set"))
	}
	providerID, err := a.ents.EnsureProvider(ctx, "IGDB", "catalog", providers.SlugIGDB)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugIGDB, "ensure_provider", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugIGDB, "start_run", err)
	}

	mode := envOr("IGDB_MODE", "backfill")
	var games []game
	var queryErr error
	switch mode {
	case "top-monthly":
		games, queryErr = a.queryTopMonthly(ctx)
	default:
		games, queryErr = a.queryBackfill(ctx)
	}
	if queryErr != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugIGDB, "query", queryErr)
	}

	charsByGame, err := a.fetchCharacters(ctx, games)
	if err != nil {
		a.log.Warn().Err(err).Msg("igdb: characters fetch failed, continuing without")
	}

	linkWriter := media.NewLinkWriter(a.db, a.log, a.caps.ProviderMediaLinksExists, a.caps.GameMediaExists,
		a.caps.GameImagesExist && a.caps.GameVideosExist)

	processed := 0
	for rank, g := range games {
		if err := a.persistGame(ctx, providerID, g, charsByGame[g.ID], linkWriter); err != nil {
			a.log.Warn().Int64("igdb_id", g.ID).Err(err).Msg("igdb: persist failed")
			continue
		}
		processed++
		_ = rank
	}

	if mode == "top-monthly" {
		if err := a.writeToplist(ctx, providerID, games); err != nil {
			a.log.Warn().Err(err).Msg("igdb: toplist write failed")
		}
	}

	status := model.RunCompleted
	if processed < len(games) {
		status = model.RunPartial
	}
	_ = runs.Finish(ctx, runID, status, processed, 0, nil)
	runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
	return processed, nil
}

func (a *Adapter) queryBackfill(ctx context.Context) ([]game, error) {
	yearStart := envInt("IGDB_YEAR_START", 2000)
	yearEnd := envInt("IGDB_YEAR_END", time.Now().Year())
	limit := envInt("IGDB_PAGE_SIZE", 50)
	where := fmt.Sprintf("where first_release_date >= %d & first_release_date <= %d;", unixYearStart(yearStart), unixYearEnd(yearEnd))
	body := fieldsClause() + " " + where + fmt.Sprintf(" sort first_release_date desc; limit %d;", limit)
	return a.queryGames(ctx, body)
}

func (a *Adapter) queryTopMonthly(ctx context.Context) ([]game, error) {
	month := envOr("IGDB_TOP_MONTHLY_MONTH", "") // "2025-03"
	limit := envInt("IGDB_TOP_MONTHLY_LIMIT", 10)
	genres := envOr("IGDB_TOP_MONTHLY_GENRES", "")
	if month == "" {
		return nil, fmt.Errorf("IGDB_TOP_MONTHLY_MONTH not set")
	}
	start, end, err := monthRange(month)
	if err != nil {
		return nil, err
	}
	where := fmt.Sprintf("where first_release_date >= %d & first_release_date <= %d", start.Unix(), end.Unix())
	if genres != "" {
		where += fmt.Sprintf(" & genres.slug = (\"%s\")", strings.Join(splitCSV(genres), "\",\""))
	}
	where += ";"
	body := fieldsClause() + " " + where + fmt.Sprintf(" sort total_rating_count desc; limit %d;", limit)
	return a.queryGames(ctx, body)
}

func fieldsClause() string {
	return "fields id,name,slug,summary,first_release_date,total_rating,total_rating_count,aggregated_rating,cover.image_id,screenshots.image_id,videos.video_id,videos.name;"
}

func (a *Adapter) queryGames(ctx context.Context, body string) ([]game, error) {
	text, err := a.client.PostText(ctx, "https://api.igdb.com/v4/games", "text/plain", body, map[string]string{
		"Client-ID": a.auth.clientID,
	})
	if err != nil {
		return nil, err
	}
	var games []game
	if err := json.Unmarshal([]byte(text), &games); err != nil {
		return nil, ingesterr.Decodef(providers.SlugIGDB, "decode_games", err)
	}
	return games, nil
}

// fetchCharacters batches unique game IDs at characterBatchSize and
// attaches characters per game, truncated to IGDB_CHARACTERS_PER_GAME.
func (a *Adapter) fetchCharacters(ctx context.Context, games []game) (map[int64][]string, error) {
	perGame := envInt("IGDB_CHARACTERS_PER_GAME", 3)
	out := make(map[int64][]string)
	if perGame == 0 || len(games) == 0 {
		return out, nil
	}
	ids := make([]int64, len(games))
	for i, g := range games {
		ids[i] = g.ID
	}
	for start := 0; start < len(ids); start += characterBatchSize {
		end := start + characterBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		idList := make([]string, len(chunk))
		for i, id := range chunk {
			idList[i] = strconv.FormatInt(id, 10)
		}
		body := fmt.Sprintf("fields name,games; where games = (%s); limit 500;", strings.Join(idList, ","))
		text, err := a.client.PostText(ctx, "https://api.igdb.com/v4/characters", "text/plain", body, map[string]string{"Client-ID": a.auth.clientID})
		if err != nil {
			return out, err
		}
		var chars []struct {
			Name  string  `json:"name"`
			Games []int64 `json:"games"`
		}
		if err := json.Unmarshal([]byte(text), &chars); err != nil {
			continue
		}
		for _, c := range chars {
			for _, gid := range c.Games {
				if len(out[gid]) < perGame {
					out[gid] = append(out[gid], c.Name)
				}
			}
		}
	}
	return out, nil
}

func (a *Adapter) persistGame(ctx context.Context, providerID int64, g game, characters []string, linkWriter *media.LinkWriter) error {
	externalID := strconv.FormatInt(g.ID, 10)
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugIGDB, g.Slug), g.Name)
	if err != nil {
		return err
	}
	if err := a.ents.EnsureSoftwareRow(ctx, productID); err != nil {
		return err
	}
	metadata, _ := json.Marshal(map[string]any{
		"summary":            g.Summary,
		"total_rating":       g.TotalRating,
		"total_rating_count": g.TotalRatingCount,
		"characters":         characters,
	})
	videoGameID, err := a.ents.EnsureVideoGameForProductLaravel(ctx, productID, g.Name, slug.Slugify(g.Name), metadata, providers.SlugIGDB)
	if err != nil {
		return err
	}
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, externalID, metadata, true)
	if err != nil {
		return err
	}

	var entries []media.Entry
	if g.Cover != nil && g.Cover.ImageID != "" {
		entries = append(entries, media.Entry{URL: igdbImageURL(g.Cover.ImageID, "cover_big"), Kind: media.Cover, Role: "cover"})
	}
	for _, s := range g.Screenshots {
		entries = append(entries, media.Entry{URL: igdbImageURL(s.ImageID, "screenshot_big"), Kind: media.Screenshot, Role: "screenshot"})
	}
	for _, v := range g.Videos {
		entries = append(entries, media.Entry{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Kind: media.Trailer, Role: "video"})
	}
	pol := media.PolicyFor(media.ProviderGeneric, false)
	applied := media.Apply(pol, entries)
	if _, err := linkWriter.EnsureVGSourceMediaLinksWithMeta(ctx, providerItemID, &videoGameID, applied, providers.SlugIGDB, nil); err != nil {
		a.log.Warn().Err(err).Msg("igdb: media link write failed")
	}
	return nil
}

func igdbImageURL(imageID, size string) string {
	return fmt.Sprintf("https://images.igdb.com/igdb/image/upload/t_%s/%s.jpg", size, imageID)
}

// writeToplist persists a rank-ordered provider toplist for top-monthly
// mode, slugged "igdb:top_monthly:<start>:<end>" (spec §8 scenario S4).
func (a *Adapter) writeToplist(ctx context.Context, providerID int64, games []game) error {
	month := os.Getenv("IGDB_TOP_MONTHLY_MONTH")
	start, end, err := monthRange(month)
	if err != nil {
		return err
	}
	toplistSlug := fmt.Sprintf("igdb:top_monthly:%s:%s", start.Format("2006-01-02"), end.Format("2006-01-02"))
	items, _ := json.Marshal(games)
	_, err = a.db.Exec(ctx, `
		INSERT INTO provider_toplists (provider_id, slug, items, generated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (slug) DO UPDATE SET items = EXCLUDED.items, generated_at = EXCLUDED.generated_at
	`, providerID, toplistSlug, items)
	return err
}

func monthRange(month string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", month)
	if err != nil {
		return time.Time{}, time.Time{}, ingesterr.ClientErrorf(providers.SlugIGDB, "parse_month", err)
	}
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	return start, end, nil
}

func unixYearStart(year int) int64 {
	return time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC).Unix()
}

func unixYearEnd(year int) int64 {
	return time.Date(year, 12, 31, 23, 59, 59, 0, time.UTC).Unix()
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
