package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDenylistWinsOverVideo(t *testing.T) {
	// "thumbnail" must match before the shorter "thumb" token, and before
	// any video-role token that might also appear in the URL.
	assert.Equal(t, Thumb, Classify("https://cdn/game-trailer-thumbnail.jpg", "", ""))
}

func TestClassifyVideoTokens(t *testing.T) {
	assert.Equal(t, Trailer, Classify("https://cdn/launch-trailer.mp4", "", ""))
	assert.Equal(t, Gameplay, Classify("https://cdn/gameplay-clip1.mp4", "steam", ""))
	assert.Equal(t, Preview, Classify("https://cdn/teaser.mp4", "", ""))
}

func TestClassifyImageTokens(t *testing.T) {
	assert.Equal(t, Cover, Classify("https://cdn/header.jpg", "", ""))
	assert.Equal(t, Artwork, Classify("https://cdn/keyart_1920.jpg", "", ""))
	assert.Equal(t, Hero, Classify("https://cdn/hero-banner.jpg", "", ""))
}

func TestClassifyUnknownFallsThrough(t *testing.T) {
	assert.Equal(t, Unknown, Classify("https://cdn/asset-42.jpg", "", ""))
}

func TestIsDenylistedTreatsUnknownAsScreenshot(t *testing.T) {
	assert.True(t, IsDenylisted(Unknown))
	assert.True(t, IsDenylisted(Screenshot))
	assert.False(t, IsDenylisted(Cover))
}

func TestIsVideo(t *testing.T) {
	assert.True(t, IsVideo(Trailer))
	assert.True(t, IsVideo(Gameplay))
	assert.False(t, IsVideo(Cover))
}
