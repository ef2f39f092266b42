// Package cache implements the result-cache strategies a route can be
// decorated with: a fixed-capacity LRU, an unbounded memoization map, and a
// Redis-backed store with TTL expiry. All strategies key entries by a
// fingerprint of the decorated function and its arguments.
package cache

import (
	"context"
	"sort"
	"strings"
	"time"
)

// DefaultLRUCapacity is the LRU size when the decoration does not override
// it.
const DefaultLRUCapacity = 128

// Fingerprint identifies a cached invocation: the function identity, its
// positional arguments, and its keyword arguments in frozen (sorted) form.
// Two fingerprints compare equal iff all three components compare equal.
type Fingerprint struct {
	Fn     string
	Args   string
	KWArgs string
}

// NewFingerprint canonicalises the argument tuple. Keyword arguments are
// frozen by sorting so insertion order cannot split cache entries.
func NewFingerprint(fn string, args []string, kwargs map[string]string) Fingerprint {
	frozen := make([]string, 0, len(kwargs))
	for k, v := range kwargs {
		frozen = append(frozen, k+"="+v)
	}
	sort.Strings(frozen)

	return Fingerprint{
		Fn:     fn,
		Args:   strings.Join(args, ","),
		KWArgs: strings.Join(frozen, ","),
	}
}

// Store is a cache strategy. Values are opaque serialised bytes; the TTL is
// honoured only by strategies that support expiry.
type Store interface {
	// Name identifies the strategy in logs and metrics.
	Name() string
	Get(ctx context.Context, fp Fingerprint) ([]byte, bool, error)
	Put(ctx context.Context, fp Fingerprint, value []byte, ttl time.Duration) error
}

// Through returns the cached value for fp, or computes, stores, and returns
// it. The second result reports whether the value came from the cache.
func Through(ctx context.Context, s Store, fp Fingerprint, ttl time.Duration, compute func() ([]byte, error)) ([]byte, bool, error) {
	if v, ok, err := s.Get(ctx, fp); err != nil {
		return nil, false, err
	} else if ok {
		return v, true, nil
	}

	v, err := compute()
	if err != nil {
		return nil, false, err
	}
	if err := s.Put(ctx, fp, v, ttl); err != nil {
		return nil, false, err
	}
	return v, false, nil
}
