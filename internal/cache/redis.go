package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sockd/sockd/internal/errs"
)

// Redis is the Redis-backed cache strategy. The client may be nil when no
// redis block was configured; the strategy then fails on first use rather
// than at decoration time.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps a configured client. A nil client is legal and produces
// NoCacheBackendError on access.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Name() string { return "redis" }

// Key derives the Redis key for a fingerprint: SHA-256 over
// "{func}:{args}:{kwargs}".
func (c *Redis) Key(fp Fingerprint) string {
	sum := sha256.Sum256([]byte(fp.Fn + ":" + fp.Args + ":" + fp.KWArgs))
	return hex.EncodeToString(sum[:])
}

func (c *Redis) Get(ctx context.Context, fp Fingerprint) ([]byte, bool, error) {
	if c.client == nil {
		return nil, false, &errs.NoCacheBackendError{}
	}

	v, err := c.client.Get(ctx, c.Key(fp)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return v, true, nil
}

func (c *Redis) Put(ctx context.Context, fp Fingerprint, value []byte, ttl time.Duration) error {
	if c.client == nil {
		return &errs.NoCacheBackendError{}
	}

	if err := c.client.Set(ctx, c.Key(fp), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
