// Package xbox adapts the Microsoft Store displaycatalog API: a cached
// bearer token taken from XBOX_ACCESS_TOKEN (there is no live XSTS token
// exchange), year-range browse discovery (toplist collections are not
// harvested), chunked pricing lookups (spec §4.7.3,
// grounded on original_source/rust/src/database_ops/xbox/provider.rs).
package xbox

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
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

const defaultMSCV = "DGU1mcuYo0WMMp+"

// xstsAuth caches an XSTS bearer token, shared under a mutex and
// invalidated on 401 (spec §5 "Xbox XSTS token cache shared under a mutex").
type xstsAuth struct {
	mu    sync.Mutex
	token string
}

func (x *xstsAuth) Token(ctx context.Context) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.token != "" {
		return x.token, nil
	}
	if override := os.Getenv("XBOX_ACCESS_TOKEN"); override != "" {
		x.token = override
		return x.token, nil
	}
	return "", ingesterr.Fatalf(providers.SlugXbox, "xsts_auth", fmt.Errorf("no XBOX_ACCESS_TOKEN and live XSTS flow not configured"))
}

func (x *xstsAuth) Invalidate() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.token = ""
}

// correlationVector is the monotonic MS-CV request counter shared across
// an Adapter's requests (spec §5).
type correlationVector struct {
	n atomic.Int64
}

func (c *correlationVector) Next() string {
	n := c.n.Add(1)
	return fmt.Sprintf("%s.%d", defaultMSCV, n)
}

// Adapter runs the Xbox ingest task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	cv     *correlationVector
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugXbox).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugXbox)
	cfg.ReqsPerMin = envInt("XBOX_REQS_PER_MIN", 120)
	cfg.MaxRetries = envInt("XBOX_MAX_RETRIES", 3)
	return &Adapter{
		db:     db,
		client: httpclient.New(cfg, &xstsAuth{}, l),
		cv:     &correlationVector{},
		ents:   entities.New(db, l),
		caps:   caps,
		log:    l,
	}
}

func (a *Adapter) msCV() string {
	if v := os.Getenv("XBOX_MS_CV"); v != "" {
		return v
	}
	return a.cv.Next()
}

// RunFromEnv merges env-provided bigIds with optional browse discovery,
// then ingests each product (spec §4.7.3).
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	providerID, err := a.ents.EnsureProvider(ctx, "Microsoft Store", "storefront", providers.SlugXbox)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugXbox, "ensure_provider", err)
	}
	retailerID, err := a.ents.EnsureRetailer(ctx, "Microsoft Store", providers.SlugXbox)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugXbox, "ensure_retailer", err)
	}
	runID, err := runs.Start(ctx, providerID, "", nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugXbox, "start_run", err)
	}

	ids := make(map[string]struct{})
	for _, id := range splitCSV(os.Getenv("XBOX_PRODUCT_IDS")) {
		ids[id] = struct{}{}
	}
	if os.Getenv("XBOX_ENABLE_BROWSE") == "1" {
		browsed, err := a.browseByYearRange(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("xbox: browse failed")
		}
		for _, id := range browsed {
			ids[id] = struct{}{}
		}
	}

	market := envOr("XBOX_MARKET", "US")
	language := envOr("XBOX_LANGUAGE", "en-us")
	chunkSize := envInt("XBOX_CHUNK_SIZE", 30)
	currency := marketCurrency(market)

	currencyID, err := a.ents.EnsureCurrency(ctx, currency, currency, model.MinorUnitForCurrency(currency))
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugXbox, "ensure_currency", err)
	}
	countryID, err := a.ents.EnsureCountry(ctx, market, market, currencyID)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugXbox, "ensure_country", err)
	}
	jurisdictionID, err := a.ents.EnsureNationalJurisdiction(ctx, countryID)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugXbox, "ensure_jurisdiction", err)
	}

	writer := prices.NewBatchWriter(a.db, a.log, prices.DefaultFlushSize, a.caps.PHPCompatSchema)

	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}

	processed := 0
	partial := false
	for start := 0; start < len(idList); start += chunkSize {
		end := start + chunkSize
		if end > len(idList) {
			end = len(idList)
		}
		chunk := idList[start:end]
		n, err := a.ingestChunk(ctx, chunk, market, language, providerID, retailerID, jurisdictionID, currencyID, currency, writer)
		if err != nil {
			a.log.Warn().Err(err).Msg("xbox: chunk failed, continuing")
			partial = true
			continue
		}
		processed += n
	}

	if err := writer.Flush(ctx); err != nil {
		return processed, ingesterr.Fatalf(providers.SlugXbox, "flush", err)
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

// marketCurrency maps an Xbox market code to its storefront currency.
// Markets outside this small table default to USD, matching the
// adapter's conservative single-market default.
func marketCurrency(market string) string {
	switch market {
	case "GB":
		return "GBP"
	case "DE", "FR", "ES", "IT", "NL":
		return "EUR"
	case "CA":
		return "CAD"
	case "AU":
		return "AUD"
	case "JP":
		return "JPY"
	default:
		return "USD"
	}
}

// browseYear pages the displaycatalog browse endpoint, halting after the
// first page that holds a release older than year (the year being browsed,
// never below year_min) (spec §4.7.3, §8 scenario S3).
func (a *Adapter) browseYear(ctx context.Context, market string, year, pageSize, maxPages int) ([]string, error) {
	var productIDs []string
	language := envOr("XBOX_BROWSE_LANGUAGE", "en-us")

	for page, skip := 0, 0; page < maxPages; page, skip = page+1, skip+pageSize {
		url := fmt.Sprintf(
			"https://displaycatalog.mp.microsoft.com/v7.0/products/browse?market=%s&languages=%s&skipItems=%d&top=%d&categoryId=Games&productFamilyNames=Games&deviceFamily=Windows.Xbox&orderBy=releaseDate&sortOrder=desc",
			market, language, skip, pageSize)

		var payload struct {
			Products []struct {
				ProductID        string `json:"ProductId"`
				MarketProperties []struct {
					OriginalReleaseDate string `json:"OriginalReleaseDate"`
				} `json:"MarketProperties"`
				LocalizedProperties []struct {
					OriginalReleaseDate string `json:"OriginalReleaseDate"`
				} `json:"LocalizedProperties"`
			} `json:"Products"`
		}
		if err := a.client.GetJSON(ctx, url, map[string]string{"MS-CV": a.msCV()}, &payload); err != nil {
			break
		}
		if len(payload.Products) == 0 {
			break
		}

		foundOlder := false
		for _, p := range payload.Products {
			productIDs = append(productIDs, p.ProductID)
			releaseDate := ""
			if len(p.MarketProperties) > 0 {
				releaseDate = p.MarketProperties[0].OriginalReleaseDate
			} else if len(p.LocalizedProperties) > 0 {
				releaseDate = p.LocalizedProperties[0].OriginalReleaseDate
			}
			if releaseDate == "" {
				continue
			}
			releaseYear := parseReleaseYear(releaseDate)
			if releaseYear > 0 && releaseYear < year {
				foundOlder = true
			}
		}
		if foundOlder {
			// a product on this page released before year: stop
			// requesting further pages for this year (spec §8 S3).
			break
		}
	}
	return productIDs, nil
}

func (a *Adapter) browseByYearRange(ctx context.Context) ([]string, error) {
	yearMin := envInt("XBOX_YEAR_MIN", time.Now().Year()-1)
	yearMax := envInt("XBOX_YEAR_MAX", time.Now().Year())
	pageSize := envInt("XBOX_BROWSE_PAGE_SIZE", 25)
	maxPages := envInt("XBOX_BROWSE_MAX_PAGES", 20)
	markets := splitCSV(envOr("XBOX_BROWSE_MARKETS", envOr("XBOX_MARKET", "US")))

	seen := make(map[string]struct{})
	var all []string
	for _, market := range markets {
		for year := yearMax; year >= yearMin; year-- {
			ids, err := a.browseYear(ctx, market, year, pageSize, maxPages)
			if err != nil {
				a.log.Warn().Str("market", market).Int("year", year).Err(err).Msg("xbox_browse: year failed")
				continue
			}
			for _, id := range ids {
				if _, dup := seen[id]; !dup {
					seen[id] = struct{}{}
					all = append(all, id)
				}
			}
		}
	}
	return all, nil
}

func parseReleaseYear(s string) int {
	if len(s) < 4 {
		return 0
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0
	}
	return year
}

type sku struct {
	LocalizedProperties []struct {
		ProductTitle string `json:"ProductTitle"`
		Price        struct {
			ListPrice    *float64 `json:"ListPrice"`
			MSRP         *float64 `json:"MSRP"`
			CurrentPrice *float64 `json:"CurrentPrice"`
		} `json:"Price"`
	} `json:"LocalizedProperties"`
	OrderManagementData struct {
		Price struct {
			ListPrice *float64 `json:"ListPrice"`
			MSRP      *float64 `json:"MSRP"`
			Amount    *float64 `json:"Amount"`
		} `json:"Price"`
	} `json:"OrderManagementData"`
}

func (a *Adapter) ingestChunk(ctx context.Context, bigIDs []string, market, language string, providerID, retailerID, jurisdictionID, currencyID int64, currency string, writer *prices.BatchWriter) (int, error) {
	url := fmt.Sprintf("https://displaycatalog.mp.microsoft.com/v7.0/products?bigIds=%s&market=%s&languages=%s&fieldsTemplate=Details", strings.Join(bigIDs, ","), market, language)
	var payload struct {
		Products []struct {
			ProductID           string `json:"ProductId"`
			LocalizedProperties []struct {
				ProductTitle string `json:"ProductTitle"`
				Images       []struct {
					URL         string `json:"Uri"`
					ImagePurpose string `json:"ImagePurpose"`
				} `json:"Images"`
				Videos []struct {
					URL       string `json:"Uri"`
					VideoType string `json:"VideoPurpose"`
				} `json:"VideoUris"`
			} `json:"LocalizedProperties"`
			DisplaySkuAvailabilities []struct {
				Sku sku `json:"Sku"`
			} `json:"DisplaySkuAvailabilities"`
		} `json:"Products"`
	}
	if err := a.client.GetJSON(ctx, url, map[string]string{"MS-CV": a.msCV()}, &payload); err != nil {
		return 0, err
	}

	processed := 0
	for _, p := range payload.Products {
		if err := a.persistProduct(ctx, p.ProductID, p.LocalizedProperties, p.DisplaySkuAvailabilities, providerID, retailerID, jurisdictionID, currencyID, market, currency, writer); err != nil {
			a.log.Warn().Str("product_id", p.ProductID).Err(err).Msg("xbox: persist failed")
			continue
		}
		processed++
	}
	return processed, nil
}

func (a *Adapter) persistProduct(ctx context.Context, productID string, localized []struct {
	ProductTitle string `json:"ProductTitle"`
	Images       []struct {
		URL          string `json:"Uri"`
		ImagePurpose string `json:"ImagePurpose"`
	} `json:"Images"`
	Videos []struct {
		URL       string `json:"Uri"`
		VideoType string `json:"VideoPurpose"`
	} `json:"VideoUris"`
}, skus []struct {
	Sku sku `json:"Sku"`
}, providerID, retailerID, jurisdictionID, currencyID int64, market, currency string, writer *prices.BatchWriter) error {
	title := productID
	var images []media.Entry
	if len(localized) > 0 {
		if localized[0].ProductTitle != "" {
			title = localized[0].ProductTitle
		}
		for _, img := range localized[0].Images {
			norm, ok := media.NormalizeURL(img.URL, "https://store-images.s-microsoft.com")
			if !ok {
				continue
			}
			images = append(images, media.Entry{URL: norm, Kind: media.Classify(norm, providers.SlugXbox, img.ImagePurpose), Role: img.ImagePurpose})
		}
		for _, v := range localized[0].Videos {
			norm, ok := media.NormalizeURL(v.URL, "https://store-images.s-microsoft.com")
			if !ok {
				continue
			}
			images = append(images, media.Entry{URL: norm, Kind: media.Trailer, Role: v.VideoType})
		}
	}

	productIDInternal, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugXbox, productID), title)
	if err != nil {
		return err
	}
	if err := a.ents.EnsureSoftwareRow(ctx, productIDInternal); err != nil {
		return err
	}
	sellableID, err := a.ents.EnsureSellable(ctx, string(model.SellableKindSoftwareTitle), productIDInternal)
	if err != nil {
		return err
	}
	offerID, err := a.ents.EnsureOffer(ctx, sellableID, retailerID, &productID)
	if err != nil {
		return err
	}
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, productID, nil, true)
	if err != nil {
		return err
	}
	ojID, err := a.ents.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
	if err != nil {
		return err
	}

	pol := media.PolicyFor(media.ProviderXbox, os.Getenv("XBOX_INCLUDE_SCREENSHOTS") == "1")
	applied := media.Apply(pol, images)
	linkWriter := media.NewLinkWriter(a.db, a.log, a.caps.ProviderMediaLinksExists, a.caps.GameMediaExists,
		a.caps.GameImagesExist && a.caps.GameVideosExist)
	if _, err := linkWriter.EnsureVGSourceMediaLinksWithMeta(ctx, providerItemID, nil, applied, providers.SlugXbox, nil); err != nil {
		a.log.Warn().Err(err).Msg("xbox: media link write failed")
	}

	if amount := extractXboxPriceMinor(skus); amount != nil && *amount > 0 {
		return writer.Add(ctx, prices.Row{
			OfferJurisdictionID: ojID, ProviderItemID: &providerItemID, RecordedAt: time.Now(),
			AmountMinor: *amount, TaxInclusive: true, CountryCode: market, Currency: currency,
			Retailer: providers.SlugXbox, Agent: providers.SlugXbox,
			AgentPriority: providers.AgentPriorityXbox, Kind: "current",
		})
	}
	return nil
}

// extractXboxPriceMinor tries the candidate price fields in priority
// order (ListPrice, MSRP, Amount, CurrentPrice) from either
// LocalizedProperties.Price or OrderManagementData.Price (spec §4.7.3).
func extractXboxPriceMinor(skus []struct {
	Sku sku `json:"Sku"`
}) *int64 {
	for _, s := range skus {
		for _, lp := range s.Sku.LocalizedProperties {
			if lp.Price.ListPrice != nil {
				return floatToMinor(*lp.Price.ListPrice)
			}
			if lp.Price.MSRP != nil {
				return floatToMinor(*lp.Price.MSRP)
			}
			if lp.Price.CurrentPrice != nil {
				return floatToMinor(*lp.Price.CurrentPrice)
			}
		}
		omd := s.Sku.OrderManagementData.Price
		if omd.ListPrice != nil {
			return floatToMinor(*omd.ListPrice)
		}
		if omd.MSRP != nil {
			return floatToMinor(*omd.MSRP)
		}
		if omd.Amount != nil {
			return floatToMinor(*omd.Amount)
		}
	}
	return nil
}

func floatToMinor(f float64) *int64 {
	n := int64(f*100 + 0.5)
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
