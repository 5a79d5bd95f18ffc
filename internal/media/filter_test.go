package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPolicyForDefaults(t *testing.T) {
	ps := PolicyFor(ProviderPSStore, false)
	assert.Equal(t, 6, ps.MaxImages)
	assert.Equal(t, 3, ps.MaxVideos)
	assert.False(t, ps.IncludeScreenshots)

	xbox := PolicyFor(ProviderXbox, true)
	assert.True(t, xbox.IncludeScreenshots)

	steam := PolicyFor(ProviderSteam, false)
	assert.True(t, steam.IncludeScreenshots, "steam keeps its curated screenshot set regardless of the flag")
	assert.Equal(t, 0, steam.MaxImages, "steam has no per-product image cap")
}

func TestPolicyAllows(t *testing.T) {
	ps := PolicyFor(ProviderPSStore, false)
	assert.True(t, ps.Allows(Cover))
	assert.True(t, ps.Allows(Trailer))
	assert.False(t, ps.Allows(Screenshot))
	assert.False(t, ps.Allows(Gameplay), "gameplay/preview stay steam-only")

	steam := PolicyFor(ProviderSteam, false)
	assert.True(t, steam.Allows(Gameplay))
	assert.True(t, steam.Allows(Screenshot))
}

func TestApplyDedupesCapsAndOrdersImagesBeforeVideos(t *testing.T) {
	pol := Policy{Provider: ProviderPSStore, MaxImages: 1, MaxVideos: 1}
	entries := []Entry{
		{URL: "https://cdn/header.jpg", Kind: Cover},
		{URL: "https://cdn/header.jpg", Kind: Cover}, // duplicate, dropped
		{URL: "https://cdn/hero.jpg", Kind: Hero},    // over image cap, dropped
		{URL: "https://cdn/trailer.mp4", Kind: Trailer},
		{URL: "https://cdn/screenshot.jpg", Kind: Screenshot}, // denied by policy
	}

	out := Apply(pol, entries)

	a := assert.New(t)
	a.Len(out, 2)
	a.Equal("https://cdn/header.jpg", out[0].URL)
	a.Equal("https://cdn/trailer.mp4", out[1].URL)
}
