package media

// Provider is the filter-policy scope (spec §4.2): PlayStation's and
// Xbox's storefronts share an allowlist, Steam curates its own CDN paths.
type Provider string

const (
	ProviderPSStore Provider = "ps-store"
	ProviderXbox    Provider = "xbox"
	ProviderSteam   Provider = "steam"
	ProviderGeneric Provider = "generic"
)

// Policy is a provider-scoped allow/deny + cap table for media persistence.
type Policy struct {
	Provider          Provider
	IncludeScreenshots bool // Xbox-only override
	MaxImages         int
	MaxVideos         int
}

// PolicyFor returns the default filter policy for a provider per spec §4.2.
func PolicyFor(p Provider, includeScreenshots bool) Policy {
	switch p {
	case ProviderPSStore:
		return Policy{Provider: p, MaxImages: 6, MaxVideos: 3}
	case ProviderXbox:
		return Policy{Provider: p, IncludeScreenshots: includeScreenshots, MaxImages: 5, MaxVideos: 3}
	case ProviderSteam:
		// Steam keeps its curated CDN set including screenshots/movies.
		return Policy{Provider: p, IncludeScreenshots: true, MaxImages: 0, MaxVideos: 0}
	default:
		return Policy{Provider: p, MaxImages: 6, MaxVideos: 3}
	}
}

// Allows reports whether kind may be persisted under this policy. PS Store
// and Xbox persist only Cover/Hero/Background/Artwork images plus
// Trailer videos; Xbox additionally keeps Screenshot when configured;
// Steam keeps its full curated set (screenshots and movies included).
// Unknown is handled exactly like Screenshot.
func (pol Policy) Allows(kind Kind) bool {
	switch kind {
	case Cover, Hero, Background, Artwork, Trailer:
		return true
	case Screenshot, Unknown:
		return pol.IncludeScreenshots
	case Gameplay, Preview:
		return pol.Provider == ProviderSteam
	default:
		return false
	}
}

// Entry is one candidate media asset awaiting the filter + cap pass.
type Entry struct {
	URL  string
	Kind Kind
	Role string
}

// Apply filters entries through the policy, then caps images at
// MaxImages and videos at MaxVideos (0 means unlimited), deduplicating by
// URL in encounter order — matching the PS Store/Xbox per-product media
// caps of spec §4.7.1/§4.7.3.
func Apply(pol Policy, entries []Entry) []Entry {
	seen := make(map[string]bool, len(entries))
	var images, videos []Entry

	for _, e := range entries {
		if !pol.Allows(e.Kind) {
			continue
		}
		if seen[e.URL] {
			continue
		}
		seen[e.URL] = true

		if IsVideo(e.Kind) {
			if pol.MaxVideos == 0 || len(videos) < pol.MaxVideos {
				videos = append(videos, e)
			}
			continue
		}
		if pol.MaxImages == 0 || len(images) < pol.MaxImages {
			images = append(images, e)
		}
	}

	out := make([]Entry, 0, len(images)+len(videos))
	out = append(out, images...)
	out = append(out, videos...)
	return out
}
