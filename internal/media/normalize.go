package media

import "strings"

const (
	// SteamCDNHost is the default host for Steam's root-relative media paths.
	SteamCDNHost = "https://cdn.cloudflare.steamstatic.com"
	// MaxURLLength is the persisted column's length budget (spec §4.2).
	MaxURLLength = 255
)

// NormalizeURL applies spec §4.2's URL normalization: protocol-relative
// URLs gain an https: scheme, Steam's root-relative media paths resolve
// against the Steam CDN host, and any other root-relative path resolves
// against defaultHost. If the result still exceeds MaxURLLength, the
// fragment is stripped first, then the query string; if it is still too
// long the URL is dropped (ok=false) rather than truncated.
func NormalizeURL(rawURL, defaultHost string) (normalized string, ok bool) {
	u := rawURL

	switch {
	case strings.HasPrefix(u, "//"):
		u = "https:" + u
	case strings.HasPrefix(u, "/steam/apps/"):
		u = SteamCDNHost + u
	case strings.HasPrefix(u, "/"):
		u = strings.TrimRight(defaultHost, "/") + u
	}

	if len(u) <= MaxURLLength {
		return u, true
	}

	if frag := strings.IndexByte(u, '#'); frag >= 0 {
		u = u[:frag]
	}
	if len(u) <= MaxURLLength {
		return u, true
	}

	if q := strings.IndexByte(u, '?'); q >= 0 {
		u = u[:q]
	}
	if len(u) <= MaxURLLength {
		return u, true
	}

	return "", false
}
