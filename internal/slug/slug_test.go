package slug

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugifyDiacritics(t *testing.T) {
	assert.Equal(t, "necujem-se-dobro", Slugify("Nečujem se dôbro"))
	assert.Equal(t, "zagreb", Slugify("Žagreb"))
}

func TestSlugifyDeterministicTrailingPunctuation(t *testing.T) {
	assert.Equal(t, "hello-world-", Slugify("Hello World!"))
}

func TestSlugifyCollapsesRuns(t *testing.T) {
	assert.Equal(t, "a-b-c", Slugify("a   b---c"))
}

func TestProviderSlug(t *testing.T) {
	assert.Equal(t, "igdb-diablo-iv", ProviderSlug("igdb", "Diablo IV"))
}

func TestRemoveDiacriticsIdempotent(t *testing.T) {
	ascii := RemoveDiacritics("already ascii")
	assert.Equal(t, "already ascii", ascii)
}
