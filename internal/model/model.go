// Package model defines the canonical entities of the shared ingestion
// schema (spec §3): providers, retailers, countries, currencies,
// jurisdictions, products, titles, games, sellables, offers,
// offer-jurisdictions, provider items, prices, and media links. All
// identifiers are opaque 64-bit integers assigned by storage.
package model

import (
	"encoding/json"
	"time"
)

// ProductKind distinguishes purchasable categories at the Product level.
type ProductKind string

const (
	ProductKindSoftware ProductKind = "software"
	ProductKindHardware ProductKind = "hardware"
)

// Provider is a remote storefront or data source, e.g. "ps-store", "steam-store".
type Provider struct {
	ID   int64
	Name string
	Slug string
	Kind string
}

// Retailer is the commercial entity a sellable routes through.
type Retailer struct {
	ID   int64
	Name string
	Slug string
}

// Country is an ISO-3166 alpha-2 country with a default settlement currency.
type Country struct {
	ID                int64
	Code              string // ISO-3166 alpha-2, upper
	Name              string
	DefaultCurrencyID int64
}

// Currency is an ISO-4217 currency with a fixed minor-unit exponent.
type Currency struct {
	ID        int64
	Code      string // ISO-4217, upper
	Name      string
	MinorUnit int // 0, 2, or 3
}

// minorUnitOverrides is the fixed table from spec §3: JPY/KRW/VND/CLP/ISK/HUF
// have no minor unit; BHD/IQD/KWD/JOD/OMR/TND use three decimal digits;
// every other currency defaults to two.
var minorUnitOverrides = map[string]int{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "HUF": 0,
	"BHD": 3, "IQD": 3, "KWD": 3, "JOD": 3, "OMR": 3, "TND": 3,
}

// MinorUnitForCurrency resolves the fixed minor-unit table for a currency code.
func MinorUnitForCurrency(code string) int {
	if mu, ok := minorUnitOverrides[code]; ok {
		return mu
	}
	return 2
}

// Jurisdiction is a (country, optional region) pricing scope. A national
// jurisdiction has RegionCode == "".
type Jurisdiction struct {
	ID         int64
	CountryID  int64
	RegionCode string
}

// Product is the top-level purchasable entity: a software title or piece
// of hardware, provider-derived.
type Product struct {
	ID          int64
	Kind        ProductKind
	Slug        string
	DisplayName string
}

// SoftwareRow gates software-type joins; exactly one per software product.
type SoftwareRow struct {
	ProductID int64
}

// VideoGameTitle maps a provider source-item (or product) to a display
// title. Storage may be source-keyed (video_game_source_id +
// external_item_id) or product-keyed; both shapes are modeled here with
// nullable fields so a single Go type serves either schema variant.
type VideoGameTitle struct {
	ID                 int64
	VideoGameSourceID  *int64
	ExternalItemID     *string
	VideoGameID        *int64
	ProductID          *int64
	Name               string
	Slug               string
	Locale             string
	Metadata           json.RawMessage
}

// VideoGame is a canonical playable title. Schema variant is resolved by
// internal/schema: Laravel-style rows carry ProductID+Title; legacy rows
// carry TitleID instead.
type VideoGame struct {
	ID            int64
	ProductID     *int64
	TitleID       *int64
	Title         string
	Slug          string
	PlatformID    int64
	Edition       string
	Synopsis      string
	Genres        []string
	ReleaseDate   *time.Time
	AverageRating *float64
	RatingCount   *int
	RegionCodes   []string
	Metadata      json.RawMessage
}

// Platform is a hardware/software playback target (e.g. "ps5", "pc", "xbox-series").
type Platform struct {
	ID   int64
	Name string
	Slug string
}

// SellableKind distinguishes what a Sellable bundles.
type SellableKind string

const (
	SellableKindSoftwareTitle SellableKind = "software_title"
	SellableKindConsole       SellableKind = "console"
)

// Sellable is a purchasable bundling of a software title or console.
type Sellable struct {
	ID    int64
	Kind  SellableKind
	KeyID int64 // software_title_id or console_id, depending on Kind
}

// Offer is a (sellable, retailer[, external_id]) purchase path.
type Offer struct {
	ID         int64
	SellableID int64
	RetailerID int64
	ExternalID *string
}

// OfferJurisdiction (OJ) is the tuple price rows attach to.
type OfferJurisdiction struct {
	ID             int64
	OfferID        int64
	JurisdictionID int64
	CurrencyID     int64
}

// ProviderItem is a provider-local handle for a product (aka
// video_game_source_item).
type ProviderItem struct {
	ID             int64
	ProviderID     int64
	ExternalID     string
	Payload        json.RawMessage
	ObservedDetail bool
	LastSeenAt     time.Time
}

// ProviderOfferLink associates a provider item with a resolved offer at a
// confidence level in [0, 1].
type ProviderOfferLink struct {
	ProviderItemID int64
	OfferID        int64
	Confidence     float64
}

// Price is one append-only observation in the price time series.
type Price struct {
	OfferJurisdictionID int64
	ProviderItemID      *int64
	RecordedAt          time.Time
	AmountMinor         int64
	TaxInclusive        bool
	Meta                json.RawMessage
	CountryCode         string
	Currency            string
	Retailer            string
	Agent               string
	AgentPriority       int
	Kind                string // "base", "discount", "final", "initial", "bundle", ...
}

// CurrentPrice is the single latest-resolved observation per OJ.
type CurrentPrice struct {
	OfferJurisdictionID int64
	AmountMinor         int64
	RecordedAt          time.Time
	Agent               string
	AgentPriority       int
}

// MediaKind classifies a media asset's role.
type MediaKind string

const (
	MediaCover      MediaKind = "cover"
	MediaHero       MediaKind = "hero"
	MediaBackground MediaKind = "background"
	MediaArtwork    MediaKind = "artwork"
	MediaScreenshot MediaKind = "screenshot"
	MediaLogo       MediaKind = "logo"
	MediaIcon       MediaKind = "icon"
	MediaThumb      MediaKind = "thumb"
	MediaTrailer    MediaKind = "trailer"
	MediaGameplay   MediaKind = "gameplay"
	MediaPreview    MediaKind = "preview"
	MediaUnknown    MediaKind = "unknown"
)

// ProviderMediaLink is a provider-side media reference, deduplicated by
// (provider_item_id, url).
type ProviderMediaLink struct {
	ProviderItemID int64
	URL            string
	Kind           MediaKind
	Role           string
	Meta           json.RawMessage
}

// CanonicalMediaType is the game-side media classification (a coarser
// cousin of MediaKind used once media is attached to a VideoGame row).
type CanonicalMediaType string

const (
	CanonicalImage    CanonicalMediaType = "image"
	CanonicalVideo    CanonicalMediaType = "video"
	CanonicalTrailer  CanonicalMediaType = "trailer"
	CanonicalGameplay CanonicalMediaType = "gameplay"
	CanonicalPreview  CanonicalMediaType = "preview"
)

// CanonicalMedia is a game-side media asset, deduplicated by
// (video_game_id, provider_key, external_id).
type CanonicalMedia struct {
	VideoGameID int64
	ProviderKey string
	URL         string
	MediaType   CanonicalMediaType
	ExternalID  string
	Payload     json.RawMessage
}

// IngestRunStatus is the terminal/in-flight status of an IngestRun.
type IngestRunStatus string

const (
	RunRunning   IngestRunStatus = "running"
	RunCompleted IngestRunStatus = "completed"
	RunFailed    IngestRunStatus = "failed"
	RunPartial   IngestRunStatus = "partial"
)

// IngestRun tracks one provider/region ingestion execution.
type IngestRun struct {
	ID             int64
	ProviderID     int64
	Region         string
	StartedAt      time.Time
	FinishedAt     *time.Time
	Status         IngestRunStatus
	ItemsProcessed int
	PricesWritten  int
	Meta           json.RawMessage
}

// IngestJob is the durable queue payload (spec §6.2).
type IngestJob struct {
	Provider      string          `json:"provider"`
	Task          string          `json:"task"`
	Args          json.RawMessage `json:"args,omitempty"`
	ProviderID    *int64          `json:"provider_id,omitempty"`
	RequestedAt   time.Time       `json:"requested_at"`
	CorrelationID string          `json:"correlation_id"`
}
