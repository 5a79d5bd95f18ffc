package entities

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func newTestCache() *Cache {
	return New(nil, zerolog.Nop())
}

func TestMemoRememberRoundtrip(t *testing.T) {
	c := newTestCache()

	_, ok := c.memo("provider", "steam")
	assert.False(t, ok, "empty cache has no entry yet")

	c.remember("provider", "steam", 42)
	id, ok := c.memo("provider", "steam")
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestMemoScopesByKind(t *testing.T) {
	c := newTestCache()
	c.remember("provider", "1", 100)
	c.remember("retailer", "1", 200)

	providerID, _ := c.memo("provider", "1")
	retailerID, _ := c.memo("retailer", "1")

	assert.Equal(t, int64(100), providerID)
	assert.Equal(t, int64(200), retailerID)
}

func TestAdvisoryLockKeyScopesByKindAndNaturalKey(t *testing.T) {
	a := advisoryLockKey("provider", "steam")
	b := advisoryLockKey("retailer", "steam")
	c := advisoryLockKey("provider", "steam")

	assert.NotEqual(t, a, b, "different kinds must not collide on the same natural key")
	assert.Equal(t, a, c, "identical kind+key must produce identical lock keys")
}
