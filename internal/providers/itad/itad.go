// Package itad adapts IsThereAnyDeal. Skips gracefully when no API key
// is configured unless ITAD_ALLOW_ANON is set (spec §4.7.6).
package itad

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
	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/prices"
	"github.com/kosarica/game-ingest/internal/providers"
	"github.com/kosarica/game-ingest/internal/schema"
	"github.com/kosarica/game-ingest/internal/slug"
)

type itadDeal struct {
	Title string `json:"title"`
	Plain string `json:"plain"`
	Deal  struct {
		Shop struct {
			Name string `json:"name"`
		} `json:"shop"`
		Price struct {
			Amount   float64 `json:"amount"`
			Currency string  `json:"currency"`
		} `json:"price"`
	} `json:"deal"`
}

// Adapter runs the ITAD deals sync task.
type Adapter struct {
	db     *pgxpool.Pool
	client *httpclient.Client
	ents   *entities.Cache
	caps   schema.Capabilities
	log    zerolog.Logger
}

func New(db *pgxpool.Pool, caps schema.Capabilities, log zerolog.Logger) *Adapter {
	l := log.With().Str("provider", providers.SlugITAD).Logger()
	cfg := httpclient.DefaultConfig(providers.SlugITAD)
	cfg.ReqsPerMin = envInt("ITAD_REQS_PER_MIN", 60)
	return &Adapter{db: db, client: httpclient.New(cfg, nil, l), ents: entities.New(db, l), caps: caps, log: l}
}

// RunFromEnv skips gracefully (no run recorded) when ITAD_API_KEY is
// absent and ITAD_ALLOW_ANON is not set (spec §4.7.6).
func (a *Adapter) RunFromEnv(ctx context.Context, runs *ingestrun.Recorder) (int, error) {
	apiKey := os.Getenv("ITAD_API_KEY")
	if apiKey == "" && os.Getenv("ITAD_ALLOW_ANON") != "1" {
		return 0, nil
	}

	providerID, err := a.ents.EnsureProvider(ctx, "IsThereAnyDeal", "deals", providers.SlugITAD)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugITAD, "ensure_provider", err)
	}
	country := envOr("ITAD_COUNTRY", "US")
	currency := envOr("ITAD_CURRENCY", "USD")
	runID, err := runs.Start(ctx, providerID, country, nil)
	if err != nil {
		return 0, ingesterr.Fatalf(providers.SlugITAD, "start_run", err)
	}

	currencyID, err := a.ents.EnsureCurrency(ctx, currency, currency, model.MinorUnitForCurrency(currency))
	if err != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugITAD, "ensure_currency", err)
	}
	countryID, err := a.ents.EnsureCountry(ctx, country, country, currencyID)
	if err != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugITAD, "ensure_country", err)
	}
	jurisdictionID, err := a.ents.EnsureNationalJurisdiction(ctx, countryID)
	if err != nil {
		_ = runs.Finish(ctx, runID, model.RunFailed, 0, 0, nil)
		return 0, ingesterr.Fatalf(providers.SlugITAD, "ensure_jurisdiction", err)
	}

	ids := splitCSV(os.Getenv("ITAD_GAME_IDS"))
	if len(ids) == 0 {
		_ = runs.Finish(ctx, runID, model.RunCompleted, 0, 0, nil)
		runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
		return 0, nil
	}

	writer := prices.NewBatchWriter(a.db, a.log, 500, a.caps.PHPCompatSchema)
	retailerCache := make(map[string]int64)
	processed := 0
	for _, gameID := range ids {
		url := fmt.Sprintf("https://api.isthereanydeal.com/games/prices/v3?key=%s&country=%s&ids=%s", apiKey, country, gameID)
		var deals []itadDeal
		if err := a.client.GetJSON(ctx, url, nil, &deals); err != nil {
			a.log.Warn().Str("game_id", gameID).Err(err).Msg("itad: fetch deal failed")
			continue
		}
		for _, d := range deals {
			if err := a.persistDeal(ctx, providerID, jurisdictionID, currencyID, country, currency, gameID, d, retailerCache, writer); err != nil {
				a.log.Warn().Str("game_id", gameID).Err(err).Msg("itad: persist deal failed")
				continue
			}
			processed++
		}
	}
	if err := writer.Flush(ctx); err != nil {
		a.log.Error().Err(err).Msg("itad: flush failed")
	}

	status := model.RunCompleted
	if processed < len(ids) {
		status = model.RunPartial
	}
	_ = runs.Finish(ctx, runID, status, processed, writer.Summary().PriceRowsWritten, nil)
	runs.PostRunSnapshot(ctx, providerID, a.caps.ProviderMediaLinksExists)
	return processed, nil
}

func (a *Adapter) persistDeal(ctx context.Context, providerID, jurisdictionID, currencyID int64, country, currency, gameID string, d itadDeal, retailerCache map[string]int64, writer *prices.BatchWriter) error {
	name := d.Title
	if name == "" {
		name = gameID
	}
	productID, err := a.ents.EnsureProductNamed(ctx, string(model.ProductKindSoftware), slug.ProviderSlug(providers.SlugITAD, gameID), name)
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
	providerItemID, err := a.ents.EnsureProviderItem(ctx, providerID, gameID, nil, false)
	if err != nil {
		return err
	}

	storeName := d.Deal.Shop.Name
	if storeName == "" {
		storeName = "itad_unknown"
	}
	retailerID, ok := retailerCache[storeName]
	if !ok {
		retailerID, err = a.ents.EnsureRetailer(ctx, storeName, slug.Slugify(storeName))
		if err != nil {
			return err
		}
		retailerCache[storeName] = retailerID
	}
	offerID, err := a.ents.EnsureOffer(ctx, sellableID, retailerID, &gameID)
	if err != nil {
		return err
	}
	ojID, err := a.ents.EnsureOfferJurisdiction(ctx, offerID, jurisdictionID, currencyID)
	if err != nil {
		return err
	}

	return writer.Add(ctx, prices.Row{
		OfferJurisdictionID: ojID, ProviderItemID: &providerItemID, RecordedAt: time.Now(),
		AmountMinor: int64(d.Deal.Price.Amount*100 + 0.5), TaxInclusive: true,
		CountryCode: country, Currency: currency, Retailer: storeName,
		Agent: providers.SlugITAD, AgentPriority: providers.AgentPriorityITAD, Kind: "deal",
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
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
