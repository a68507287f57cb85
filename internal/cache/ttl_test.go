package cache

import (
	"testing"
	"time"

	dailylimitdomain "github.com/smallbiznis/creditmeter/internal/dailylimit/domain"
	"github.com/smallbiznis/creditmeter/internal/owner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTLCacheBasics(t *testing.T) {
	c := NewTTLCache[string, int]()

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1, time.Minute)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[string, int]()

	c.Set("a", 1, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestTTLCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := NewTTLCache[string, int]()

	c.Set("a", 1, 0)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLimitResolverCache(t *testing.T) {
	c := NewLimitResolverCache()
	ref := owner.User(8001)

	_, ok := c.Get(ref, 1)
	assert.False(t, ok)

	limit := &dailylimitdomain.SpendLimit{OwnerType: ref.Type, OwnerID: ref.ID, AgentID: 1}
	c.Set(ref, 1, limit)

	got, ok := c.Get(ref, 1)
	require.True(t, ok)
	assert.Equal(t, limit, got)

	// A cached nil records a known-absent limit.
	c.Set(ref, 2, nil)
	got, ok = c.Get(ref, 2)
	require.True(t, ok)
	assert.Nil(t, got)

	c.Invalidate(ref, 1)
	_, ok = c.Get(ref, 1)
	assert.False(t, ok)
}
