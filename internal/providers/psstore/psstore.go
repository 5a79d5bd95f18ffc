// Package psstore adapts the PlayStation Store: category-grid discovery
// plus direct product-id mode and concept pricing; ratings are not
// fetched or written (spec §4.7.1, grounded on
// original_source/rust/src/database_ops/playstation/prices.rs).
package psstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

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

const (
	defaultPS4Category = "44d8bb20-653e-431e-8ad0-c0a365f68d2f"
	defaultPS5Category = "4cbf39e2-5749-4970-ba81-93a489e4570c"
)

// Adapter runs the PS Store ingest task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugPSStore).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugPSStore)
	cfg.ReqsPerMin = envInt("PS_STORE_RPS", 0) * 60
	cfg.MaxRetries = envInt("PS_STORE_MAX_RETRIES", 3)
	cfg.BackoffMsBase = envInt("PS_STORE_BACKOFF_MS", 200)
	return &Adapter{
		db:     db,
		client: httpclient.New(cfg, nil, l),
		ents:   entities.New(db, l),
		caps:   caps,
		log:    l,
	}
}

// RunFromEnv ingests either PS_DIRECT_PRODUCT_IDS (spec S2) or, when
// unset, falls through to category-grid discovery (spec §4.7.1).
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	providerID, err := a.ents.EnsureProvider(ctx, "PlayStation Store", "storefront", providers.SlugPSStore)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugPSStore, "ensure_provider", err)
	}
	retailerID, err := a.ents.EnsureRetailer(ctx, "PlayStation Store", providers.SlugPSStore)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugPSStore, "ensure_retailer", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugPSStore, "start_run", err)
	}

	writer := prices.NewBatchWriter(a.db, a.log, prices.DefaultFlushSize, a.caps.PHPCompatSchema)
	linkWriter := media.NewLinkWriter(a.db, a.log, a.caps.ProviderMediaLinksExists, a.caps.GameMediaExists,
		a.caps.GameImagesExist && a.caps.GameVideosExist)
	pol := media.PolicyFor(media.ProviderPSStore, false)

	var productIDs []string
	platform := envOr("PS_DIRECT_PLATFORM", "PS5")
	if raw := os.Getenv("PS_DIRECT_PRODUCT_IDS"); raw != "" {
		productIDs = splitCSV(raw)
	} else {
		ids, err := a.discoverByCategory(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("psstore: category discovery failed")
		}
		productIDs = ids
	}

	locale := envOr("PS_STORE_REGIONS", "en-us")
	locales := splitCSV(locale)
	if len(locales) == 0 {
		locales = []string{"en-us"}
	}

	processed := 0
	partial := false
	for _, productID := range productIDs {
		if err := a.ingestProduct(ctx, productID, platform, locales[0], providerID, retailerID, writer, linkWriter, pol); err != nil {
			a.log.Warn().Str("product_id", productID).Err(err).Msg("psstore: product failed, skipping")
			partial = true
			continue
		}
		processed++
	}

	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugPSStore, "flush", err)
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

func (a *Adapter) ingestProduct(ctx context.Context, externalProductID, platform, locale string, providerID, retailerID int64,
	writer *prices.BatchWriter, linkWriter *media.LinkWriter, pol media.Policy) error {

	detail, err := a.fetchProductDetail(ctx, externalProductID, locale)
	if err != nil {
		return err
	}
	conceptID := firstNonEmpty(detail.ConceptID, externalProductID)
	pricing, err := a.fetchConceptPricing(ctx, conceptID, locale)
	if err != nil {
		return err
	}
	base, discounted := ParsePricingMinor(pricing)

	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugPSStore, externalProductID), detail.Name)
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
	offerID, err := a.ents.EnsureOffer(ctx, sellableID, retailerID, &externalProductID)
	if err != nil {
		return err
	}
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, externalProductID, nil, true)
	if err != nil {
		return err
	}

	currencyID, err := a.ents.EnsureCurrency(ctx, "USD", "US Dollar", 2)
	if err != nil {
		return err
	}
	countryID, err := a.ents.EnsureCountry(ctx, "US", "United States", currencyID)
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

	now := time.Now()
	if base != nil && *base > 0 {
		_ = writer.Add(ctx, prices.Row{
			OfferJurisdictionID: ojID, ProviderItemID: &providerItemID, RecordedAt: now,
			AmountMinor: *base, TaxInclusive: true, CountryCode: "US", Currency: "USD",
			Retailer: providers.SlugPSStore, Agent: providers.SlugPSStore,
			AgentPriority: providers.AgentPriorityPSStore, Kind: "base",
		})
	}
	if discounted != nil && *discounted > 0 {
		_ = writer.Add(ctx, prices.Row{
			OfferJurisdictionID: ojID, ProviderItemID: &providerItemID, RecordedAt: now,
			AmountMinor: *discounted, TaxInclusive: true, CountryCode: "US", Currency: "USD",
			Retailer: providers.SlugPSStore, Agent: providers.SlugPSStore,
			AgentPriority: providers.AgentPriorityPSStore, Kind: "discount",
		})
	}

	entries := classifyDetailMedia(detail)
	applied := media.Apply(pol, entries)
	if _, err := linkWriter.EnsureVGSourceMediaLinksWithMeta(ctx, providerItemID, nil, applied, providers.SlugPSStore, nil); err != nil {
		a.log.Warn().Err(err).Msg("psstore: media link write failed")
	}
	return nil
}

type productDetail struct {
	ConceptID string
	Name      string
	Media     []struct {
		URL  string
		Role string
	}
}

func (a *Adapter) fetchProductDetail(ctx context.Context, productID, locale string) (*productDetail, error) {
	url := fmt.Sprintf("https://store.playstation.com/valkyrie-api/%s/19/resolve/%s", locale, productID)
	var raw map[string]any
	if err := a.client.GetJSON(ctx, url, map[string]string{"Accept-Language": locale}, &raw); err != nil {
		return nil, err
	}
	d := &productDetail{Name: productID}
	if v, ok := raw["name"].(string); ok {
		d.Name = v
	}
	if v, ok := raw["conceptId"].(string); ok {
		d.ConceptID = v
	} else if rel, ok := raw["relationships"].(map[string]any); ok {
		if concept, ok := rel["concept"].(map[string]any); ok {
			if v, ok := concept["id"].(string); ok {
				d.ConceptID = v
			}
		}
	}
	return d, nil
}

func (a *Adapter) fetchConceptPricing(ctx context.Context, conceptID, locale string) (map[string]any, error) {
	url := fmt.Sprintf("https://store.playstation.com/valkyrie-api/%s/19/concept/%s/pricing", locale, conceptID)
	var raw map[string]any
	if err := a.client.GetJSON(ctx, url, map[string]string{"Accept-Language": locale}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func classifyDetailMedia(d *productDetail) []media.Entry {
	var out []media.Entry
	for _, m := range d.Media {
		norm, ok := media.NormalizeURL(m.URL, "https://store.playstation.com")
		if !ok {
			continue
		}
		out = append(out, media.Entry{URL: norm, Kind: media.Classify(norm, providers.SlugPSStore, m.Role), Role: m.Role})
	}
	return out
}

// discoverByCategory walks the PS4/PS5 category grids (spec §4.7.1). The
// page loop is intentionally simple: one page at the default size per
// configured category; a category whose request fails is skipped.
func (a *Adapter) discoverByCategory(ctx context.Context) ([]string, error) {
	categories := []string{
		envOr("PS4_CATEGORY", defaultPS4Category),
		envOr("PS5_CATEGORY", defaultPS5Category),
	}
	pageSize := envInt("PS_PAGE_SIZE", 24)
	locale := envOr("PS_STORE_REGIONS", "en-us")
	var ids []string
	for _, category := range categories {
		url := fmt.Sprintf("https://store.playstation.com/valkyrie-api/%s/19/category/%s/grid?size=%d&bucket=games", locale, category, pageSize)
		var payload struct {
			Included []struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"included"`
		}
		if err := a.client.GetJSON(ctx, url, nil, &payload); err != nil {
			continue
		}
		for _, item := range payload.Included {
			if item.Type == "game" || item.Type == "product" {
				ids = append(ids, item.ID)
			}
		}
	}
	return ids, nil
}

// ParsePricingMinor recovers base/discounted minor-unit amounts from a
// concept pricing payload, recognizing both money-string fields
// (basePrice, discountedPrice) and explicit minor-unit integers
// (basePriceMinor, discountedPriceMinor) — spec testable property 7.
func ParsePricingMinor(v map[string]any) (base, discounted *int64) {
	var walk func(node any)
	walk = func(node any) {
		switch t := node.(type) {
		case map[string]any:
			if base == nil {
				if s, ok := t["basePrice"].(string); ok {
					base = parseMoneyStringToMinor(s)
				}
			}
			if discounted == nil {
				if s, ok := t["discountedPrice"].(string); ok {
					discounted = parseMoneyStringToMinor(s)
				}
			}
			if base == nil {
				if n, ok := t["basePriceMinor"].(float64); ok {
					v := int64(n)
					base = &v
				}
			}
			if discounted == nil {
				if n, ok := t["discountedPriceMinor"].(float64); ok {
					v := int64(n)
					discounted = &v
				}
			}
			for _, vv := range t {
				walk(vv)
			}
		case []any:
			for _, vv := range t {
				walk(vv)
			}
		}
	}
	if data, ok := v["data"]; ok {
		walk(data)
	} else {
		walk(v)
	}
	return base, discounted
}

// parseMoneyStringToMinor parses "$59.99" → 5999, "€49,95" → 4995.
func parseMoneyStringToMinor(s string) *int64 {
	normalized := strings.ReplaceAll(s, ",", ".")
	var digits strings.Builder
	for _, r := range normalized {
		if (r >= '0' && r <= '9') || r == '.' {
			digits.WriteRune(r)
		}
	}
	cleaned := digits.String()
	if cleaned == "" {
		return nil
	}
	intPart, fracPart, hasFrac := strings.Cut(cleaned, ".")
	if !hasFrac {
		n, err := strconv.ParseInt(intPart, 10, 64)
		if err != nil {
			return nil
		}
		n *= 100
		return &n
	}
	switch len(fracPart) {
	case 0:
		fracPart = "00"
	case 1:
		fracPart += "0"
	default:
		fracPart = fracPart[:2]
	}
	n, err := strconv.ParseInt(intPart+fracPart, 10, 64)
	if err != nil {
		return nil
	}
	return &n
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

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
