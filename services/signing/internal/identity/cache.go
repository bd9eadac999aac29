package identity

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// CachedResolver keeps resolved actors in Redis for TTL. A nil or failing
// Redis only costs a lookup: every cache error falls through to Next.
type CachedResolver struct {
	Next Resolver
	RDB  *redis.Client
	TTL  time.Duration
	Log  *slog.Logger
}

func NewCachedResolver(next Resolver, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedResolver {
	if log == nil {
		log = slog.Default()
	}
	return &CachedResolver{Next: next, RDB: rdb, TTL: ttl, Log: log}
}

func cacheKey(actorID string) string { return "esign:actor:" + actorID + ":identity" }

func (c *CachedResolver) ResolveActorIdentity(ctx context.Context, actorID string) (domain.Actor, error) {
	if c.RDB != nil {
		cached, err := c.RDB.Get(ctx, cacheKey(actorID)).Result()
		if err == nil {
			var a domain.Actor
			if json.Unmarshal([]byte(cached), &a) == nil {
				return a, nil
			}
		} else if err != redis.Nil {
			c.Log.Warn("identity cache read failed", "actor_id", actorID, "error", err)
		}
	}

	a, err := c.Next.ResolveActorIdentity(ctx, actorID)
	if err != nil {
		return domain.Actor{}, err
	}
	if c.RDB != nil {
		if b, err := json.Marshal(a); err == nil {
			if err := c.RDB.Set(ctx, cacheKey(actorID), b, c.TTL).Err(); err != nil {
				c.Log.Warn("identity cache write failed", "actor_id", actorID, "error", err)
			}
		}
	}
	return a, nil
}

// Invalidate drops a cached actor, e.g. after a membership change.
func (c *CachedResolver) Invalidate(ctx context.Context, actorID string) error {
	if c.RDB == nil {
		return nil
	}
	return c.RDB.Del(ctx, cacheKey(actorID)).Err()
}

// Connect returns a client for addr, or nil when addr is empty or the
// server does not answer.
func Connect(ctx context.Context, addr string, log *slog.Logger) *redis.Client {
	if addr == "" {
		log.Warn("REDIS_ADDR not set, identity cache disabled")
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unavailable, identity cache disabled", "addr", addr, "error", err)
		_ = rdb.Close()
		return nil
	}
	log.Info("identity cache connected", "addr", addr)
	return rdb
}
