package ratelimit

import (
	"context"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/zap"
)

// RunGuard serializes scheduled runs across worker processes. Without a
// redis address configured it degrades to a pass-through, which is fine for
// single-process deployments: every scheduled operation is idempotent, the
// guard only avoids redundant work.
type RunGuard struct {
	locker *Locker
	log    *zap.Logger
}

func NewRunGuard(cfg config.Config, log *zap.Logger) *RunGuard {
	guard := &RunGuard{log: log.Named("ratelimit.runguard")}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		guard.log.Info("no redis configured, scheduled runs are unguarded")
		return guard
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	guard.locker = NewLocker(client)
	return guard
}

// WithLock runs fn while holding the named lock. Returns false without an
// error when another worker holds the lock; the caller skips the run.
func (g *RunGuard) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if g == nil || g.locker == nil {
		return true, fn(ctx)
	}

	token, ok, err := g.locker.TryLock(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		if err := g.locker.Release(ctx, key, token); err != nil {
			g.log.Warn("failed to release run lock",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}()
	return true, fn(ctx)
}
