// Package media implements the classification, filtering, normalization and
// persistence of provider media assets (spec §4.2, §4.6).
package media

import "strings"

// Kind re-exports model.MediaKind's values locally so callers don't need to
// import internal/model just to classify a URL.
type Kind string

const (
	Cover      Kind = "cover"
	Hero       Kind = "hero"
	Background Kind = "background"
	Artwork    Kind = "artwork"
	Screenshot Kind = "screenshot"
	Logo       Kind = "logo"
	Icon       Kind = "icon"
	Thumb      Kind = "thumb"
	Trailer    Kind = "trailer"
	Gameplay   Kind = "gameplay"
	Preview    Kind = "preview"
	Unknown    Kind = "unknown"
)

// denylistTokens classify first and win outright, per spec §4.2 rule 1.
var denylistTokens = []struct {
	token string
	kind  Kind
}{
	{"thumbnail", Thumb}, // must precede "thumb" so the longer token matches first
	{"screenshot", Screenshot},
	{"logo", Logo},
	{"icon", Icon},
	{"thumb", Thumb},
}

var videoTokens = []struct {
	token string
	kind  Kind
}{
	{"trailer", Trailer},
	{"gameplay", Gameplay},
	{"teaser", Preview},
	{"clip", Preview},
	{"video", Trailer},
}

var imageTokens = []struct {
	token string
	kind  Kind
}{
	{"keyart", Artwork},
	{"artwork", Artwork},
	{"capsule", Cover},
	{"header", Cover},
	{"cover", Cover},
	{"hero", Hero},
	{"background", Background},
}

// Classify applies the three-tier rule of spec §4.2 to a media URL plus
// optional provider/role hints, in order: denylist tokens, then
// video-role tokens, then cover/hero/background tokens. Unmatched URLs
// classify Unknown, which filter policies treat as Screenshot.
func Classify(url, providerHint, roleHint string) Kind {
	haystack := strings.ToLower(url + " " + providerHint + " " + roleHint)

	for _, d := range denylistTokens {
		if strings.Contains(haystack, d.token) {
			return d.kind
		}
	}
	for _, v := range videoTokens {
		if strings.Contains(haystack, v.token) {
			return v.kind
		}
	}
	for _, i := range imageTokens {
		if strings.Contains(haystack, i.token) {
			return i.kind
		}
	}
	return Unknown
}

// IsDenylisted reports whether kind is one never persisted under the
// default provider-scoped allowlist policy (spec §4.2/§4.6 policy: "never
// persist denylisted classifications").
func IsDenylisted(kind Kind) bool {
	switch kind {
	case Screenshot, Logo, Icon, Thumb, Unknown:
		return true
	default:
		return false
	}
}

// IsVideo reports whether kind belongs to the video/trailer family rather
// than a still image.
func IsVideo(kind Kind) bool {
	switch kind {
	case Trailer, Gameplay, Preview:
		return true
	default:
		return false
	}
}
