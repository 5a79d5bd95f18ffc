// Package steam adapts the Valve Steam storefront: appdetails pricing
// across regions plus a one-time media fetch from the primary region
// (spec §4.7.2, grounded on original_source/rust/src/database_ops/steam/provider.rs).
package steam

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kosarica/game-ingest/internal/entities"
	"github.com/kosarica/game-ingest/internal/httpclient"
	"github.com/kosarica/game-ingest/internal/ingesterr"
	"github.com/kosarica/game-ingest/internal/ingestrun"
	"github.com/kosarica/game-ingest/internal/media"
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/prices"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/kosarica/game-ingest/internal/slug"
)

// mediaScope mirrors the original's SteamMediaScope: how widely the
// per-app media fetch runs across the resolved regions.
type mediaScope int

const (
	mediaScopeDisabled mediaScope = iota
	mediaScopePrimary
	mediaScopeAll
)

func mediaScopeFromEnv() mediaScope {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("STEAM_MEDIA_SCOPE"))) {
	case "all", "per-region", "per_region":
		return mediaScopeAll
	case "off", "disabled", "none":
		return mediaScopeDisabled
	default:
		return mediaScopePrimary
	}
}

func (s mediaScope) shouldFetch(regionIdx int) bool {
	switch s {
	case mediaScopeAll:
		return true
	case mediaScopePrimary:
		return regionIdx == 0
	default:
		return false
	}
}

// curatedRegions is the fallback region list used when STEAM_REGIONS is
// unset and the DB has no country rows yet (spec §4.7.2).
var curatedRegions = []region{
	{"US", "USD"}, {"GB", "GBP"}, {"DE", "EUR"}, {"FR", "EUR"}, {"CA", "CAD"},
	{"AU", "AUD"}, {"JP", "JPY"}, {"BR", "BRL"}, {"MX", "MXN"}, {"IN", "INR"},
	{"KR", "KRW"}, {"RU", "RUB"}, {"TR", "TRY"}, {"PL", "PLN"}, {"SE", "SEK"},
	{"NO", "NOK"}, {"NZ", "NZD"}, {"CH", "CHF"}, {"ZA", "ZAR"}, {"AR", "ARS"},
}

type region struct {
	CC       string
	Currency string
}

type appDetails struct {
	Success bool `json:"success"`
	Data    *struct {
		IsFree        *bool          `json:"is_free"`
		PriceOverview *priceOverview `json:"price_overview"`
		PackageGroups []packageGroup `json:"package_groups"`
	} `json:"data"`
}

type priceOverview struct {
	Currency        string `json:"currency"`
	Final           int64  `json:"final"`
	Initial         int64  `json:"initial"`
	DiscountPercent int    `json:"discount_percent"`
}

type packageGroup struct {
	Subs []struct {
		PriceInCentsWithDiscount *int64 `json:"price_in_cents_with_discount"`
		PriceInCents             *int64 `json:"price_in_cents"`
	} `json:"subs"`
}

// Adapter runs the Steam ingest task.
type Adapter struct {
	db      *pgxpool.Pool
	client  *httpclient.Client
	ents    *entities.Cache
	caps    schema.Capabilities
	log     zerolog.Logger
	onlyPaid bool
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugSteam).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugSteam)
	cfg.ReqsPerMin = envInt("STEAM_REQS_PER_MIN", 60)
	return &Adapter{
		db:       db,
		client:   httpclient.New(cfg, nil, l),
		ents:     entities.New(db, l),
		caps:     caps,
		log:      l,
		onlyPaid: os.Getenv("STEAM_ONLY_PAID") == "1",
	}
}

// RunFromEnv ingests catalog + prices for STEAM_APP_IDS (spec §4.7.2, §4.7 contract).
// STEAM_BACKFILL=1 switches to backfill mode (see runBackfill) instead.
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	providerID, err := a.ents.EnsureProvider(ctx, "Steam", "storefront", providers.SlugSteam)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "ensure_provider", err)
	}
	retailerID, err := a.ents.EnsureRetailer(ctx, "Steam", providers.SlugSteam)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "ensure_retailer", err)
	}
	if os.Getenv("STEAM_BACKFILL") == "1" {
		return a.runBackfill(ctx, runs, providerID)
	}
	regions := a.resolveRegions(ctx)

	appIDs, err := a.resolveAppIDs(ctx)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "resolve_app_ids", err)
	}
	if len(appIDs) == 0 {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "RunFromEnv", fmt.Errorf("STEAM_APP_IDS not set"))
	}

	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "start_run", err)
	}

	flushSize := envInt("STEAM_BATCH_FLUSH", prices.DefaultFlushSize)
	writer := prices.NewBatchWriter(a.db, a.log, flushSize, a.caps.PHPCompatSchema)
	linkWriter := media.NewLinkWriter(a.db, a.log, a.caps.ProviderMediaLinksExists, a.caps.GameMediaExists,
		a.caps.GameImagesExist && a.caps.GameVideosExist)
	scope := mediaScopeFromEnv()
	pol := media.PolicyFor(media.ProviderSteam, true)
	mediaCC := envOr("STEAM_MEDIA_CC", regions[0].CC)

	maxConc := envInt("STEAM_MAX_CONCURRENCY", 8)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConc)

	var mu sync.Mutex
	var writerMu sync.Mutex // BatchWriter is not safe for concurrent use; apps fan out, writes don't.
	processed := 0
	partial := false
	for _, appID := range appIDs {
		appID := appID
		g.Go(func() error {
			if err := a.ingestApp(gctx, appID, regions, providerID, retailerID, writer, &writerMu, linkWriter, pol, scope, mediaCC); err != nil {
				a.log.Warn().Str("app_id", appID).Err(err).Msg("steam: app failed, skipping")
				mu.Lock()
				partial = true
				mu.Unlock()
				return nil
			}
			mu.Lock()
			processed++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugSteam, "flush", err)
	}

	status := model.RunCompleted
	if partial && processed > 0 {
		status = model.RunPartial
	} else if partial && processed == 0 {
		status = model.RunFailed
	}
	summary := writer.Summary()
	_ = runs.Finish(ctx, runID, status, processed, summary.PriceRowsWritten, nil)
	runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
	return processed, nil
}

// resolveAppIDs honors STEAM_APP_IDS, else STEAM_APP_IDS_FILE (a GetAppList/v2
// response dumped to disk), else STEAM_APP_PICK (fetch the first N ids from
// the live Steam app list), then dedupes, sorts, and applies STEAM_APP_LIMIT
// (spec §4.7.2, grounded on the original's run_from_env app-id resolution).
func (a *Adapter) resolveAppIDs(ctx context.Context) ([]string, error) {
	appIDs := envList("STEAM_APP_IDS")
	if len(appIDs) == 0 {
		if path := os.Getenv("STEAM_APP_IDS_FILE"); path != "" {
			fromFile, err := loadAppIDsFromFile(path)
			if err != nil {
				a.log.Warn().Str("path", path).Err(err).Msg("steam: failed to load app ids file")
			} else {
				appIDs = fromFile
			}
		}
	}
	if len(appIDs) == 0 {
		if pick := envInt("STEAM_APP_PICK", 0); pick > 0 {
			picked, err := a.fetchAppList(ctx, pick)
			if err != nil {
				a.log.Warn().Err(err).Msg("steam: STEAM_APP_PICK fetch failed")
			} else {
				appIDs = picked
			}
		}
	}
	if len(appIDs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(appIDs))
	deduped := appIDs[:0]
	for _, id := range appIDs {
		if !seen[id] {
			seen[id] = true
			deduped = append(deduped, id)
		}
	}
	sort.Strings(deduped)
	if limit := envInt("STEAM_APP_LIMIT", 0); limit > 0 && len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
}

type steamAppsFile struct {
	Response struct {
		Apps []struct {
			AppID int64 `json:"appid"`
		} `json:"apps"`
	} `json:"response"`
}

func loadAppIDsFromFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read steam app ids file: %w", err)
	}
	var parsed steamAppsFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse steam app ids file: %w", err)
	}
	ids := make([]string, 0, len(parsed.Response.Apps))
	for _, app := range parsed.Response.Apps {
		ids = append(ids, strconv.FormatInt(app.AppID, 10))
	}
	return ids, nil
}

func (a *Adapter) fetchAppList(ctx context.Context, limit int) ([]string, error) {
	var body steamAppsFile
	if err := a.client.GetJSON(ctx, "https://api.steampowered.com/ISteamApps/GetAppList/v2", nil, &body); err != nil {
		return nil, err
	}
	out := make([]string, 0, limit)
	for _, app := range body.Response.Apps {
		if len(out) >= limit {
			break
		}
		out = append(out, strconv.FormatInt(app.AppID, 10))
	}
	return out, nil
}

// backfillTarget is one (provider item, offer jurisdiction) pair with no
// price recorded in the last STEAM_RECENT_MISSING_DAYS days.
type backfillTarget struct {
	providerItemID int64
	offerJuris     int64
	appID          string
	cc             string
	currency       string
}

// runBackfill implements STEAM_BACKFILL=1: instead of walking
// STEAM_APP_IDS, it finds existing Steam provider items whose offer
// jurisdictions have gone quiet (no price row within
// STEAM_RECENT_MISSING_DAYS) and refetches just those (appid, cc) pairs,
// grounded on the original's run_backfill / STEAM_RECENT_MISSING_DAYS.
func (a *Adapter) runBackfill(ctx context.Context, runs *ingestrun.Recorder, providerID int64) (int, error) {
	recentDays := envInt("STEAM_RECENT_MISSING_DAYS", 30)
	language := envOr("STEAM_LANGUAGE", "english")

	rows, err := a.db.Query(ctx, `
		SELECT pi.id, oj.id, pi.external_id, c.code, cur.code
		FROM provider_items pi
		JOIN offers o ON o.external_id = pi.external_id
		JOIN offer_jurisdictions oj ON oj.offer_id = o.id
		JOIN jurisdictions j ON j.id = oj.jurisdiction_id
		JOIN countries c ON c.id = j.country_id
		JOIN currencies cur ON cur.id = oj.currency_id
		LEFT JOIN prices p ON p.offer_jurisdiction_id = oj.id
			AND p.recorded_at > now() - ($1 || ' days')::interval
		WHERE pi.provider_id = $2
		GROUP BY pi.id, oj.id, pi.external_id, c.code, cur.code
		HAVING COUNT(p.id) = 0
	`, recentDays, providerID)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "backfill_query", err)
	}
	var targets []backfillTarget
	for rows.Next() {
		var t backfillTarget
		if err := rows.Scan(&t.providerItemID, &t.offerJuris, &t.appID, &t.cc, &t.currency); err != nil {
			rows.Close()
			return 0, ingesterr.Fatalf(providers.SlugSteam, "backfill_scan", err)
		}
		targets = append(targets, t)
	}
	rows.Close()

	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugSteam, "start_run", err)
	}

	flushSize := envInt("STEAM_BATCH_FLUSH", prices.DefaultFlushSize)
	writer := prices.NewBatchWriter(a.db, a.log, flushSize, a.caps.PHPCompatSchema)
	maxConc := envInt("STEAM_MAX_CONCURRENCY", 8)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConc)

	var mu, writerMu sync.Mutex
	processed := 0
	for _, t := range targets {
		t := t
		g.Go(func() error {
			details, err := a.fetchAppDetails(gctx, t.appID, t.cc, language)
			if err != nil || !details.Success || details.Data == nil {
				return nil
			}
			po := details.Data.PriceOverview
			now := time.Now()
			reg := region{CC: t.cc, Currency: t.currency}
			writerMu.Lock()
			wrote := false
			if po != nil {
				if po.Final > 0 {
					_ = writer.Add(gctx, priceRow(t.offerJuris, &t.providerItemID, now, po.Final, reg, "final"))
					wrote = true
				}
				if po.Initial > po.Final {
					_ = writer.Add(gctx, priceRow(t.offerJuris, &t.providerItemID, now, po.Initial, reg, "initial"))
				}
			}
			if best, baseline, ok := extractBestBundle(details.Data.PackageGroups); ok {
				_ = writer.Add(gctx, priceRow(t.offerJuris, &t.providerItemID, now, best, reg, "bundle_final"))
				if baseline > best {
					_ = writer.Add(gctx, priceRow(t.offerJuris, &t.providerItemID, now, baseline, reg, "bundle_base"))
				}
				wrote = true
			}
			writerMu.Unlock()
			if wrote {
				mu.Lock()
				processed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugSteam, "backfill_flush", err)
	}
	summary := writer.Summary()
	status := model.RunCompleted
	if processed == 0 && len(targets) > 0 {
		status = model.RunPartial
	}
	_ = runs.Finish(ctx, runID, status, processed, summary.PriceRowsWritten, nil)
	a.log.Info().Int("targets", len(targets)).Int("filled", processed).Msg("steam: backfill complete")
	return processed, nil
}

func (a *Adapter) ingestApp(ctx context.Context, appID string, regions []region, providerID, retailerID int64,
	writer *prices.BatchWriter, writerMu *sync.Mutex, linkWriter *media.LinkWriter, pol media.Policy, scope mediaScope, mediaCC string) error {

	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugSteam, appID), "Steam App "+appID)
	if err != nil {
		return err
	}
	if err := a.ents.EnsureSoftwareRow(ctx, productID); err != nil {
		return err
	}
	sellableID, err := a.ents.EnsureSellable(ctx, string(model.SellableKindSoftwareTitle), productID)
	if err != nil {
		return err
	}
	offerID, err := a.ents.EnsureOffer(ctx, sellableID, retailerID, &appID)
	if err != nil {
		return err
	}
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, appID, nil, false)
	if err != nil {
		return err
	}

	language := envOr("STEAM_LANGUAGE", "english")
	for i, reg := range regions {
		details, err := a.fetchAppDetails(ctx, appID, reg.CC, language)
		if err != nil {
			a.log.Warn().Str("app_id", appID).Str("cc", reg.CC).Err(err).Msg("steam: appdetails failed")
			continue
		}
		if !details.Success || details.Data == nil {
			continue
		}

		currencyID, err := a.ents.EnsureCurrency(ctx, reg.Currency, reg.Currency, model.MinorUnitForCurrency(reg.Currency))
		if err != nil {
			return err
		}
		countryID, err := a.ents.EnsureCountry(ctx, reg.CC, reg.CC, currencyID)
		if err != nil {
			return err
		}
		jurisdictionID, err := a.ents.EnsureNationalJurisdiction(ctx, countryID)
		if err != nil {
			return err
		}
		ojID, err := a.ents.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
		if err != nil {
			return err
		}

		isFree := details.Data.IsFree != nil && *details.Data.IsFree
		po := details.Data.PriceOverview
		zeroFinal := po != nil && po.Final <= 0
		if a.onlyPaid && (isFree || zeroFinal) {
			continue
		}

		now := time.Now()
		writerMu.Lock()
		if po != nil {
			// final is always emitted when positive; initial only when it
			// genuinely discounts final (open question §9.1 resolved this way).
			if po.Final > 0 {
				_ = writer.Add(ctx, priceRow(ojID, &providerItemID, now, po.Final, reg, "final"))
			}
			if po.Initial > po.Final {
				_ = writer.Add(ctx, priceRow(ojID, &providerItemID, now, po.Initial, reg, "initial"))
			}
		}
		if best, baseline, ok := extractBestBundle(details.Data.PackageGroups); ok {
			_ = writer.Add(ctx, priceRow(ojID, &providerItemID, now, best, reg, "bundle_final"))
			if baseline > best {
				_ = writer.Add(ctx, priceRow(ojID, &providerItemID, now, baseline, reg, "bundle_base"))
			}
		}
		writerMu.Unlock()

		if scope.shouldFetch(i) {
			// media scope (spec §4.7.2, STEAM_MEDIA_SCOPE): primary fetches
			// once from STEAM_MEDIA_CC, all fetches once per region.
			fetchCC := reg.CC
			if scope == mediaScopePrimary {
				fetchCC = mediaCC
			}
			entries := a.fetchMedia(ctx, appID, fetchCC, language)
			applied := media.Apply(pol, entries)
			if _, err := linkWriter.EnsureVGSourceMediaLinksWithMeta(ctx, providerItemID, nil, applied, providers.SlugSteam, nil); err != nil {
				a.log.Warn().Err(err).Msg("steam: media link write failed")
			}
		}
	}
	return nil
}

func priceRow(ojID int64, providerItemID *int64, recordedAt time.Time, amount int64, reg region, kind string) prices.Row {
	meta, _ := json.Marshal(map[string]string{"src": "steam", "kind": kind, "cc": reg.CC})
	return prices.Row{
		OfferJurisdictionID: ojID,
		ProviderItemID:      providerItemID,
		RecordedAt:          recordedAt,
		AmountMinor:         amount,
		TaxInclusive:        true,
		Meta:                meta,
		CountryCode:         reg.CC,
		Currency:            reg.Currency,
		Retailer:            providers.SlugSteam,
		Agent:               providers.SlugSteam,
		AgentPriority:       providers.AgentPrioritySteam,
		Kind:                kind,
	}
}

// extractBestBundle picks the lowest discounted sub price across package
// groups, plus a baseline: the highest undiscounted sub price across all
// groups (not necessarily that of the best sub), mirroring the original's
// extract_best_bundle_price.
func extractBestBundle(groups []packageGroup) (best, baseline int64, ok bool) {
	for _, g := range groups {
		for _, sub := range g.Subs {
			var price int64
			if sub.PriceInCentsWithDiscount != nil {
				price = *sub.PriceInCentsWithDiscount
			} else if sub.PriceInCents != nil {
				price = *sub.PriceInCents
			} else {
				continue
			}
			if !ok || price < best {
				best = price
				ok = true
			}
			if sub.PriceInCents != nil && *sub.PriceInCents > baseline {
				baseline = *sub.PriceInCents
			}
		}
	}
	return best, baseline, ok
}

func (a *Adapter) fetchAppDetails(ctx context.Context, appID, cc, language string) (*appDetails, error) {
	url := fmt.Sprintf("https://store.steampowered.com/api/appdetails?appids=%s&cc=%s&l=%s&filters=price_overview,package_groups", appID, cc, language)
	var raw map[string]appDetails
	if err := a.client.GetJSON(ctx, url, nil, &raw); err != nil {
		return nil, err
	}
	d, ok := raw[appID]
	if !ok {
		return nil, ingesterr.Decodef(providers.SlugSteam, "fetch_app_details", fmt.Errorf("missing appid key %s in response", appID))
	}
	return &d, nil
}

func (a *Adapter) fetchMedia(ctx context.Context, appID, cc, language string) []media.Entry {
	url := fmt.Sprintf("https://store.steampowered.com/api/appdetails?appids=%s&cc=%s&l=%s", appID, cc, language)
	var raw map[string]struct {
		Success bool `json:"success"`
		Data    *struct {
			HeaderImage string   `json:"header_image"`
			Screenshots []struct {
				PathFull string `json:"path_full"`
			} `json:"screenshots"`
			Movies []struct {
				Webm map[string]string `json:"webm"`
			} `json:"movies"`
		} `json:"data"`
	}
	if err := a.client.GetJSON(ctx, url, nil, &raw); err != nil {
		return nil
	}
	d, ok := raw[appID]
	if !ok || d.Data == nil {
		return nil
	}
	var entries []media.Entry
	if d.Data.HeaderImage != "" {
		if norm, ok := media.NormalizeURL(d.Data.HeaderImage, ""); ok {
			entries = append(entries, media.Entry{URL: norm, Kind: media.Cover, Role: "header"})
		}
	}
	for _, s := range d.Data.Screenshots {
		if norm, ok := media.NormalizeURL(s.PathFull, ""); ok {
			entries = append(entries, media.Entry{URL: norm, Kind: media.Classify(norm, providers.SlugSteam, "screenshot"), Role: "screenshot"})
		}
	}
	for _, m := range d.Data.Movies {
		for _, u := range m.Webm {
			if norm, ok := media.NormalizeURL(u, ""); ok {
				entries = append(entries, media.Entry{URL: norm, Kind: media.Trailer, Role: "movie"})
			}
			break
		}
	}
	return entries
}

// resolveRegions honors STEAM_REGIONS ("US:USD,GB:GBP"), else falls back
// to DB-derived countries, else the curated list (spec §4.7.2).
func (a *Adapter) resolveRegions(ctx context.Context) []region {
	if raw := os.Getenv("STEAM_REGIONS"); raw != "" {
		var out []region
		for _, part := range strings.Split(raw, ",") {
			kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
			if len(kv) == 2 {
				out = append(out, region{CC: kv[0], Currency: kv[1]})
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	rows, err := a.db.Query(ctx, `SELECT c.code, cur.code FROM countries c JOIN currencies cur ON cur.id = c.default_currency_id`)
	if err == nil {
		defer rows.Close()
		var out []region
		for rows.Next() {
			var r region
			if err := rows.Scan(&r.CC, &r.Currency); err == nil {
				out = append(out, r)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	a.log.Info().Msg("steam: using curated fallback regions")
	return curatedRegions
}

func envList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
