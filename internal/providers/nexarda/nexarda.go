// Package nexarda adapts Nexarda's deal-aggregation API (per-product,
// per-region best-store pricing) and its catalogue-file bulk path (spec
// §4.7.5, grounded on
// original_source/rust/src/database_ops/nexarda/provider.rs).
package nexarda

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kosarica/game-ingest/internal/entities"
	"github.com/kosarica/game-ingest/internal/httpclient"
	"github.com/kosarica/game-ingest/internal/ingesterr"
	"github.com/kosarica/game-ingest/internal/ingestrun"
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/parsers/xlsx"
	"github.com/kosarica/game-ingest/internal/prices"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/kosarica/game-ingest/internal/slug"
)

// currencyCountry maps a catalogue-file currency code to a representative
// country code, a fixed table per spec §4.7.5 catalogue mode.
var currencyCountry = map[string]string{
	"USD": "US", "GBP": "GB", "EUR": "DE", "CAD": "CA", "AUD": "AU",
	"JPY": "JP", "BRL": "BR", "MXN": "MX", "INR": "IN", "KRW": "KR",
}

// Adapter runs the Nexarda ingest task (deals or catalogue mode).
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugNexarda).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugNexarda)
	cfg.ReqsPerMin = envInt("NEXARDA_REQS_PER_MIN", 60)
	cfg.MaxRetries = envInt("NEXARDA_MAX_RETRIES", 3)
	headers := map[string]string{}
	if key := os.Getenv("NEXARDA_API_KEY"); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	return &Adapter{
		db:     db,
		client: httpclient.New(cfg, nil, l),
		ents:   entities.New(db, l),
		caps:   caps,
		log:    l,
	}
}

// RunFromEnv dispatches to catalogue-file ingest when NEXARDA_CATALOGUE_FILE
// is set, else deals mode (spec §4.7.5).
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	providerID, err := a.ents.EnsureProvider(ctx, "Nexarda", "aggregator", providers.SlugNexarda)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugNexarda, "ensure_provider", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugNexarda, "start_run", err)
	}

	path := firstNonEmpty(os.Getenv("NEXARDA_CATALOGUE_PATH"), os.Getenv("NEXARDA_CATALOGUE_FILE"))
	var processed int
	var runErr error
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".xlsx"):
		processed, runErr = a.ingestCatalogueXLSX(ctx, providerID, path)
	case path != "":
		processed, runErr = a.ingestCatalogueFile(ctx, providerID, path)
	default:
		processed, runErr = a.ingestDeals(ctx, providerID)
	}

	status := model.RunCompleted
	if runErr != nil {
		status = model.RunFailed
	}
	_ = runs.Finish(ctx, runID, status, processed, 0, nil)
	runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
	return processed, runErr
}

// catalogueGame mirrors the catalogue-file format of spec §6.5.
type catalogueGame struct {
	ID        int64                      `json:"id"`
	Name      string                     `json:"name"`
	Slug      string                     `json:"slug"`
	Prices    map[string]json.RawMessage `json:"prices"`
	Discounts map[string]json.RawMessage `json:"discounts"`
}

type catalogueFile struct {
	Success bool            `json:"success"`
	Games   []catalogueGame `json:"games"`
}

// ingestCatalogueFile streams a pre-fetched catalogue JSON file, batching
// price rows at 1000 and dropping "unavailable" values (spec §4.7.5,
// §8 scenario S6).
func (a *Adapter) ingestCatalogueFile(ctx context.Context, providerID int64, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugNexarda, "read_catalogue", err)
	}
	var file catalogueFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return 0, ingesterr.Decodef(providers.SlugNexarda, "decode_catalogue", err)
	}
	if !file.Success {
		return 0, ingesterr.ClientErrorf(providers.SlugNexarda, "catalogue_not_success", fmt.Errorf("catalogue file reports success=false"))
	}

	retailerID, err := a.ents.EnsureRetailer(ctx, "Nexarda", providers.SlugNexarda)
	if err != nil {
		return 0, err
	}
	writer := prices.NewBatchWriter(a.db, a.log, 1000, a.caps.PHPCompatSchema)

	limit := envInt("NEXARDA_CATALOGUE_LIMIT", 0)
	offset := envInt("NEXARDA_CATALOGUE_OFFSET", 0)
	games := file.Games
	if offset > 0 && offset < len(games) {
		games = games[offset:]
	}
	if limit > 0 && limit < len(games) {
		games = games[:limit]
	}

	processed := 0
	for _, g := range games {
		if err := a.ingestCatalogueGame(ctx, providerID, retailerID, g, writer); err != nil {
			a.log.Warn().Int64("nexarda_id", g.ID).Err(err).Msg("nexarda: catalogue game failed")
			continue
		}
		processed++
	}
	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugNexarda, "flush", err)
	}
	return processed, nil
}

func (a *Adapter) ingestCatalogueGame(ctx context.Context, providerID, retailerID int64, g catalogueGame, writer *prices.BatchWriter) error {
	externalID := strconv.FormatInt(g.ID, 10)
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugNexarda, g.Slug), g.Name)
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
	offerID, err := a.ents.EnsureOffer(ctx, sellableID, retailerID, &externalID)
	if err != nil {
		return err
	}
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, externalID, nil, false)
	if err != nil {
		return err
	}

	now := time.Now()
	for currency, raw := range g.Prices {
		amount, ok := parseCataloguePriceMinor(raw)
		if !ok {
			continue // "unavailable" or non-numeric value dropped (spec §4.7.5)
		}
		country := currencyCountry[strings.ToUpper(currency)]
		if country == "" {
			country = strings.ToUpper(currency)[:2]
		}
		currencyID, err := a.ents.EnsureCurrency(ctx, currency, currency, model.MinorUnitForCurrency(currency))
		if err != nil {
			return err
		}
		countryID, err := a.ents.EnsureCountry(ctx, country, country, currencyID)
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
		if err := writer.Add(ctx, prices.Row{
			OfferJurisdictionID: ojID, ProviderItemID: &providerItemID, RecordedAt: now,
			AmountMinor: amount, TaxInclusive: true, CountryCode: country, Currency: currency,
			Retailer: providers.SlugNexarda, Agent: providers.SlugNexarda,
			AgentPriority: providers.AgentPriorityNexarda, Kind: "catalogue",
		}); err != nil {
			return err
		}
	}
	return nil
}

// ingestCatalogueXLSX accepts an .xlsx export of the same catalogue shape
// as ingestCatalogueFile, for operators who only have a spreadsheet
// export rather than the documented JSON (spec §4.7.5 domain-stack note:
// the catalogue-file path accepts either shape).
func (a *Adapter) ingestCatalogueXLSX(ctx context.Context, providerID int64, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugNexarda, "read_catalogue_xlsx", err)
	}

	mapping := &xlsx.XlsxColumnMapping{
		Name:       xlsx.NewHeaderIndex(envOr("NEXARDA_XLSX_NAME_COL", "name")),
		Price:      xlsx.NewHeaderIndex(envOr("NEXARDA_XLSX_PRICE_COL", "price")),
		ExternalID: ptrIdx(xlsx.NewHeaderIndex(envOr("NEXARDA_XLSX_ID_COL", "id"))),
	}
	parser := xlsx.NewParser(xlsx.XlsxParserOptions{
		ColumnMapping: mapping,
		HasHeader:     true,
		SkipEmptyRows: true,
	})
	result, err := parser.Parse(raw, filepath.Base(path))
	if err != nil {
		return 0, ingesterr.Decodef(providers.SlugNexarda, "decode_catalogue_xlsx", err)
	}
	for _, e := range result.Errors {
		a.log.Warn().Str("message", e.Message).Msg("nexarda: xlsx row error")
	}

	retailerID, err := a.ents.EnsureRetailer(ctx, "Nexarda", providers.SlugNexarda)
	if err != nil {
		return 0, err
	}
	writer := prices.NewBatchWriter(a.db, a.log, 1000, a.caps.PHPCompatSchema)
	currency := envOr("NEXARDA_XLSX_CURRENCY", "USD")

	processed := 0
	for _, row := range result.Rows {
		externalID := row.Name
		if row.ExternalID != nil {
			externalID = *row.ExternalID
		}
		g := catalogueGame{
			Name: row.Name,
			Slug: slug.Slugify(row.Name),
			Prices: map[string]json.RawMessage{
				currency: json.RawMessage(strconv.FormatFloat(float64(row.Price)/100, 'f', 2, 64)),
			},
		}
		if n, err := strconv.ParseInt(externalID, 10, 64); err == nil {
			g.ID = n
		}
		if err := a.ingestCatalogueGame(ctx, providerID, retailerID, g, writer); err != nil {
			a.log.Warn().Str("name", row.Name).Err(err).Msg("nexarda: xlsx row failed")
			continue
		}
		processed++
	}
	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugNexarda, "flush", err)
	}
	return processed, nil
}

func ptrIdx(idx xlsx.XlsxColumnIndex) *xlsx.XlsxColumnIndex { return &idx }

// parseCataloguePriceMinor converts a catalogue price value (a JSON
// number like 19.99, or the string "unavailable") into minor units.
func parseCataloguePriceMinor(raw json.RawMessage) (int64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f*100 + 0.5), true
	}
	return 0, false
}

type dealsProduct struct {
	ID   string
	Type string
}

// ingestDeals fetches live per-region deal prices for NEXARDA_PRODUCTS
// (spec §4.7.5 deals mode).
func (a *Adapter) ingestDeals(ctx context.Context, providerID int64) (int, error) {
	productsRaw := os.Getenv("NEXARDA_PRODUCTS")
	if productsRaw == "" {
		return 0, ingesterr.Fatalf(providers.SlugNexarda, "ingest_deals", fmt.Errorf("NEXARDA_PRODUCTS not set"))
	}
	regions := splitCSV(envOr("NEXARDA_DEFAULT_REGIONS", "US:USD,GB:GBP"))
	retailerCache := make(map[string]int64)
	writer := prices.NewBatchWriter(a.db, a.log, prices.DefaultFlushSize, a.caps.PHPCompatSchema)

	processed := 0
	for _, spec := range splitCSV(productsRaw) {
		parts := strings.SplitN(spec, ":", 2)
		product := dealsProduct{ID: parts[0], Type: "game"}
		if len(parts) == 2 {
			product.Type = parts[1]
		}
		if err := a.ingestDealsProduct(ctx, providerID, product, regions, retailerCache, writer); err != nil {
			a.log.Warn().Str("product_id", product.ID).Err(err).Msg("nexarda: deals product failed")
			continue
		}
		processed++
	}
	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugNexarda, "flush", err)
	}
	return processed, nil
}

type pricesResponse struct {
	Info struct {
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"info"`
	Prices struct {
		List []struct {
			Store string  `json:"store"`
			New   float64 `json:"new"`
		} `json:"list"`
	} `json:"prices"`
}

func (a *Adapter) ingestDealsProduct(ctx context.Context, providerID int64, product dealsProduct, regionSpecs []string, retailerCache map[string]int64, writer *prices.BatchWriter) error {
	var name, productSlug string
	bestByStore := make(map[string]float64)

	for _, spec := range regionSpecs {
		parts := strings.SplitN(spec, ":", 2)
		if len(parts) != 2 {
			continue
		}
		country, currency := parts[0], parts[1]
		url := fmt.Sprintf("https://api.nexarda.com/v3/prices?id=%s&type=%s&currency=%s", product.ID, product.Type, currency)
		var resp pricesResponse
		if err := a.client.GetJSON(ctx, url, nil, &resp); err != nil {
			a.log.Warn().Str("product_id", product.ID).Str("cc", country).Err(err).Msg("nexarda: prices fetch failed")
			continue
		}
		if name == "" {
			name = resp.Info.Name
			productSlug = resp.Info.Slug
		}
		for _, deal := range resp.Prices.List {
			storeID := NormalizeStoreID(deal.Store, currency)
			if cur, ok := bestByStore[storeID]; !ok || deal.New < cur {
				bestByStore[storeID] = deal.New
			}
		}
		if err := a.writeDealPrices(ctx, providerID, product, name, productSlug, country, currency, bestByStore, retailerCache, writer); err != nil {
			return err
		}
	}
	if name == "" {
		return fmt.Errorf("no deals found for product %s", product.ID)
	}
	return nil
}

func (a *Adapter) writeDealPrices(ctx context.Context, providerID int64, product dealsProduct, name, productSlug, country, currency string, bestByStore map[string]float64, retailerCache map[string]int64, writer *prices.BatchWriter) error {
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugNexarda, firstNonEmpty(productSlug, product.ID)), firstNonEmpty(name, product.ID))
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
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, product.ID, nil, false)
	if err != nil {
		return err
	}
	currencyID, err := a.ents.EnsureCurrency(ctx, currency, currency, model.MinorUnitForCurrency(currency))
	if err != nil {
		return err
	}
	countryID, err := a.ents.EnsureCountry(ctx, country, country, currencyID)
	if err != nil {
		return err
	}
	jurisdictionID, err := a.ents.EnsureNationalJurisdiction(ctx, countryID)
	if err != nil {
		return err
	}

	now := time.Now()
	for storeID, price := range bestByStore {
		retailerID, ok := retailerCache[storeID]
		if !ok {
			retailerID, err = a.ents.EnsureRetailer(ctx, storeID, storeID)
			if err != nil {
				return err
			}
			retailerCache[storeID] = retailerID
		}
		offerID, err := a.ents.EnsureOffer(ctx, sellableID, retailerID, &product.ID)
		if err != nil {
			return err
		}
		ojID, err := a.ents.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
		if err != nil {
			return err
		}
		if err := writer.Add(ctx, prices.Row{
			OfferJurisdictionID: ojID, ProviderItemID: &providerItemID, RecordedAt: now,
			AmountMinor: int64(price*100 + 0.5), TaxInclusive: true, CountryCode: country, Currency: currency,
			Retailer: storeID, Agent: providers.SlugNexarda,
			AgentPriority: providers.AgentPriorityNexarda, Kind: "deal",
		}); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeStoreID builds a synthetic store_id from a store display name
// and currency: names containing digits collapse to a currency-only
// retailer; otherwise the slugified name is embedded (spec §4.7.5).
func NormalizeStoreID(storeName, currency string) string {
	hasDigits := strings.ContainsAny(storeName, "0123456789")
	currencyLower := strings.ToLower(currency)
	if storeName == "" || hasDigits {
		return "nexarda_" + currencyLower
	}
	return "nexarda_" + slug.Slugify(storeName) + "_" + currencyLower
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
