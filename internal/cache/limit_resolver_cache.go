package cache

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	dailylimitdomain "github.com/smallbiznis/creditmeter/internal/dailylimit/domain"
	"github.com/smallbiznis/creditmeter/internal/owner"
)

const defaultLimitTTL = 30 * time.Second

// LimitResolverCache stores resolved spend limits for the daily guard's
// debit hot path. Entries are short-lived: a change to an owner-wide default
// row can affect resolutions under other keys, and the TTL bounds how long
// such a change stays unseen.
type LimitResolverCache interface {
	Get(ref owner.Ref, agentID snowflake.ID) (*dailylimitdomain.SpendLimit, bool)
	Set(ref owner.Ref, agentID snowflake.ID, limit *dailylimitdomain.SpendLimit)
	Invalidate(ref owner.Ref, agentID snowflake.ID)
}

type limitResolverCache struct {
	limits Cache[string, *dailylimitdomain.SpendLimit]
	ttl    time.Duration
}

// NewLimitResolverCache returns an in-memory cache tuned for the guard's
// per-debit limit resolution. A cached nil records a known-absent limit.
func NewLimitResolverCache() LimitResolverCache {
	return &limitResolverCache{
		limits: NewTTLCache[string, *dailylimitdomain.SpendLimit](),
		ttl:    defaultLimitTTL,
	}
}

func limitKey(ref owner.Ref, agentID snowflake.ID) string {
	return fmt.Sprintf("%s:%s", ref.Key(), agentID)
}

func (c *limitResolverCache) Get(ref owner.Ref, agentID snowflake.ID) (*dailylimitdomain.SpendLimit, bool) {
	return c.limits.Get(limitKey(ref, agentID))
}

func (c *limitResolverCache) Set(ref owner.Ref, agentID snowflake.ID, limit *dailylimitdomain.SpendLimit) {
	c.limits.Set(limitKey(ref, agentID), limit, c.ttl)
}

func (c *limitResolverCache) Invalidate(ref owner.Ref, agentID snowflake.ID) {
	c.limits.Delete(limitKey(ref, agentID))
}
