package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURLProtocolRelative(t *testing.T) {
	got, ok := NormalizeURL("//cdn.example.com/cover.jpg", "https://default.example.com")
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/cover.jpg", got)
}

func TestNormalizeURLSteamRootRelative(t *testing.T) {
	got, ok := NormalizeURL("/steam/apps/123/header.jpg", "https://default.example.com")
	assert.True(t, ok)
	assert.Equal(t, SteamCDNHost+"/steam/apps/123/header.jpg", got)
}

func TestNormalizeURLDefaultHostRootRelative(t *testing.T) {
	got, ok := NormalizeURL("/media/cover.jpg", "https://default.example.com/")
	assert.True(t, ok)
	assert.Equal(t, "https://default.example.com/media/cover.jpg", got)
}

func TestNormalizeURLAlreadyAbsoluteUnchanged(t *testing.T) {
	got, ok := NormalizeURL("https://cdn.example.com/cover.jpg", "https://default.example.com")
	assert.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/cover.jpg", got)
}

func TestNormalizeURLStripsFragmentBeforeQuery(t *testing.T) {
	// Long enough that the raw URL (with "?q=1#frag") exceeds MaxURLLength,
	// but short enough that stripping just the fragment brings it back
	// under the limit — the query string should be left intact.
	long := "https://cdn.example.com/" + strings.Repeat("a", 225) + "?q=1#frag"
	got, ok := NormalizeURL(long, "https://default.example.com")
	assert.True(t, ok)
	assert.NotContains(t, got, "#frag")
	assert.Contains(t, got, "?q=1")
	assert.LessOrEqual(t, len(got), MaxURLLength)
}

func TestNormalizeURLDropsWhenStillTooLong(t *testing.T) {
	long := "https://cdn.example.com/" + strings.Repeat("a", MaxURLLength*2)
	got, ok := NormalizeURL(long, "https://default.example.com")
	assert.False(t, ok)
	assert.Empty(t, got)
}
