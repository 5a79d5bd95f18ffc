package media

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// CanonicalType is the game-side classification accepted by UpsertGameMedia.
type CanonicalType string

const (
	CanonicalImage    CanonicalType = "image"
	CanonicalVideo    CanonicalType = "video"
	CanonicalTrailer  CanonicalType = "trailer"
	CanonicalGameplay CanonicalType = "gameplay"
	CanonicalPreview  CanonicalType = "preview"
)

func canonicalTypeFor(kind Kind) CanonicalType {
	switch kind {
	case Trailer:
		return CanonicalTrailer
	case Gameplay:
		return CanonicalGameplay
	case Preview:
		return CanonicalPreview
	default:
		return CanonicalImage
	}
}

// LinkWriter persists provider-side media links and canonical game_media
// rows (spec §4.6), routing around schema variants the same way
// internal/schema's capability flags gate internal/entities writes.
type LinkWriter struct {
	db  *pgxpool.Pool
	log zerolog.Logger

	hasProviderMediaLinks bool
	hasGameMedia          bool
	hasSplitImagesVideos  bool
}

// NewLinkWriter constructs a LinkWriter with the schema capability flags
// resolved for this run.
func NewLinkWriter(db *pgxpool.Pool, log zerolog.Logger, hasProviderMediaLinks, hasGameMedia, hasSplitImagesVideos bool) *LinkWriter {
	return &LinkWriter{
		db:                    db,
		log:                   log.With().Str("component", "media_writer").Logger(),
		hasProviderMediaLinks: hasProviderMediaLinks,
		hasGameMedia:          hasGameMedia,
		hasSplitImagesVideos:  hasSplitImagesVideos,
	}
}

// EnsureVGSourceMediaLinksWithMeta upserts provider-side media links for a
// provider item, deduplicated by (provider_item_id, url), silently
// dropping any entry whose Kind is denylisted. Returns the count of rows
// actually written (after dedupe + filtering).
func (w *LinkWriter) EnsureVGSourceMediaLinksWithMeta(ctx context.Context, providerItemID int64, videoGameID *int64, entries []Entry, providerKey string, meta json.RawMessage) (int, error) {
	if !w.hasProviderMediaLinks {
		w.log.Warn().Str("table", "provider_media_links").Msg("schema missing, skipping media write")
		return 0, nil
	}

	written := 0
	for _, e := range entries {
		if IsDenylisted(e.Kind) {
			continue
		}
		tag, err := w.db.Exec(ctx, `
			INSERT INTO provider_media_links (provider_item_id, url, kind, role, meta)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (provider_item_id, url) DO NOTHING
		`, providerItemID, e.URL, string(e.Kind), e.Role, meta)
		if err != nil {
			return written, fmt.Errorf("media: insert provider_media_links: %w", err)
		}
		if tag.RowsAffected() > 0 {
			written++
		}

		if videoGameID != nil && w.hasGameMedia {
			if err := w.upsertUnifiedGameMedia(ctx, *videoGameID, providerKey, e); err != nil {
				return written, err
			}
		} else if videoGameID != nil && w.hasSplitImagesVideos {
			if err := w.upsertSplitGameMedia(ctx, *videoGameID, providerKey, e); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// UpsertGameMedia writes one canonical game_media row, deduplicated by
// (video_game_id, provider_key, external_id).
func (w *LinkWriter) UpsertGameMedia(ctx context.Context, videoGameID int64, providerKey, externalID string, mediaType CanonicalType, url string, payload json.RawMessage) error {
	if !w.hasGameMedia {
		w.log.Warn().Str("table", "game_media").Msg("schema missing, skipping canonical media write")
		return nil
	}
	_, err := w.db.Exec(ctx, `
		INSERT INTO game_media (video_game_id, provider_key, url, media_type, external_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (video_game_id, provider_key, external_id)
		DO UPDATE SET url = EXCLUDED.url, media_type = EXCLUDED.media_type, payload = EXCLUDED.payload
	`, videoGameID, providerKey, url, string(mediaType), externalID, payload)
	if err != nil {
		return fmt.Errorf("media: upsert game_media: %w", err)
	}
	return nil
}

func (w *LinkWriter) upsertUnifiedGameMedia(ctx context.Context, videoGameID int64, providerKey string, e Entry) error {
	return w.UpsertGameMedia(ctx, videoGameID, providerKey, e.URL, canonicalTypeFor(e.Kind), e.URL, nil)
}

// upsertSplitGameMedia routes to game_images or game_videos when the
// deployment carries the pre-unification split-table schema variant.
func (w *LinkWriter) upsertSplitGameMedia(ctx context.Context, videoGameID int64, providerKey string, e Entry) error {
	table := "game_images"
	if IsVideo(e.Kind) {
		table = "game_videos"
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (video_game_id, provider_key, url, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (video_game_id, provider_key, url) DO NOTHING
	`, table)
	_, err := w.db.Exec(ctx, query, videoGameID, providerKey, e.URL, string(e.Kind))
	if err != nil {
		return fmt.Errorf("media: upsert %s: %w", table, err)
	}
	return nil
}
