package geoip

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedResolver wraps another Resolver with a Redis cache. IP locations are
// stable enough that even a short TTL removes most outbound lookups from the
// login path. A nil or unreachable Redis client degrades to plain lookups;
// Unknown results are never cached.
type CachedResolver struct {
	inner  Resolver
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver creates a CachedResolver around inner. client may be nil.
func NewCachedResolver(inner Resolver, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	return &CachedResolver{
		inner:  inner,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

const cacheKeyPrefix = "geoip:"

// Resolve returns the cached location for ip, falling back to the inner
// resolver on a miss or any cache error.
func (c *CachedResolver) Resolve(ctx context.Context, ip string) Location {
	if c.client == nil || ip == "" {
		return c.inner.Resolve(ctx, ip)
	}

	key := cacheKeyPrefix + ip
	if cached, err := c.client.Get(ctx, key).Result(); err == nil {
		if loc, ok := decodeCached(cached); ok {
			return loc
		}
	} else if err != redis.Nil {
		c.logger.Debug("geoip cache read failed", "ip", ip, "error", err)
	}

	loc := c.inner.Resolve(ctx, ip)
	if loc.IsUnknown() {
		return loc
	}

	if err := c.client.Set(ctx, key, encodeCached(loc), c.ttl).Err(); err != nil {
		c.logger.Debug("geoip cache write failed", "ip", ip, "error", err)
	}

	return loc
}

func encodeCached(loc Location) string {
	return loc.Country + "|" + loc.City
}

func decodeCached(value string) (Location, bool) {
	parts := strings.SplitN(value, "|", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Location{}, false
	}
	return Location{Country: parts[0], City: parts[1]}, true
}
