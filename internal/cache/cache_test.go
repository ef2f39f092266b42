package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/sockd/sockd/internal/errs"
)

func fp(args ...string) Fingerprint {
	return NewFingerprint("fn", args, nil)
}

func TestFingerprintEquality(t *testing.T) {
	a := NewFingerprint("f", []string{"1", "2"}, map[string]string{"b": "2", "a": "1"})
	b := NewFingerprint("f", []string{"1", "2"}, map[string]string{"a": "1", "b": "2"})
	if a != b {
		t.Error("keyword argument order must not affect the fingerprint")
	}

	c := NewFingerprint("g", []string{"1", "2"}, map[string]string{"a": "1", "b": "2"})
	if a == c {
		t.Error("different function identities must not compare equal")
	}
	d := NewFingerprint("f", []string{"2", "1"}, map[string]string{"a": "1", "b": "2"})
	if a == d {
		t.Error("positional argument order is significant")
	}
}

func TestLRUEviction(t *testing.T) {
	c := NewLRU(2)
	ctx := context.Background()

	c.Put(ctx, fp("A"), []byte("a"), 0)
	c.Put(ctx, fp("B"), []byte("b"), 0)
	c.Put(ctx, fp("C"), []byte("c"), 0)

	if c.Contains(fp("A")) {
		t.Error("A should have been evicted")
	}
	if !c.Contains(fp("B")) || !c.Contains(fp("C")) {
		t.Error("B and C should be retained")
	}
}

func TestLRUHitPromotes(t *testing.T) {
	c := NewLRU(2)
	ctx := context.Background()

	c.Put(ctx, fp("A"), []byte("a"), 0)
	c.Put(ctx, fp("B"), []byte("b"), 0)

	if _, ok, _ := c.Get(ctx, fp("A")); !ok {
		t.Fatal("A should hit")
	}
	c.Put(ctx, fp("C"), []byte("c"), 0)

	if !c.Contains(fp("A")) {
		t.Error("A was most recently used and must survive")
	}
	if c.Contains(fp("B")) {
		t.Error("B was least recently used and must be evicted")
	}
}

// The retained key set equals the k most-recently-accessed distinct keys.
func TestLRURetainsMostRecentlyAccessed(t *testing.T) {
	const k = 3
	c := NewLRU(k)
	ctx := context.Background()

	sequence := []string{"A", "B", "C", "A", "D", "B", "E"}
	for _, key := range sequence {
		if _, ok, _ := c.Get(ctx, fp(key)); !ok {
			c.Put(ctx, fp(key), []byte(key), 0)
		}
	}

	// Most recent distinct accesses, newest first: E, B, D.
	for _, want := range []string{"E", "B", "D"} {
		if !c.Contains(fp(want)) {
			t.Errorf("%s should be retained", want)
		}
	}
	for _, gone := range []string{"A", "C"} {
		if c.Contains(fp(gone)) {
			t.Errorf("%s should have been evicted", gone)
		}
	}
	if c.Len() != k {
		t.Errorf("retained %d entries, capacity is %d", c.Len(), k)
	}
}

func TestMemoizeNeverReinvokes(t *testing.T) {
	c := NewMemoize()
	ctx := context.Background()

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte("result"), nil
	}

	v1, hit1, err := Through(ctx, c, fp("x"), 0, compute)
	if err != nil || hit1 {
		t.Fatalf("first call: hit=%v err=%v", hit1, err)
	}
	v2, hit2, err := Through(ctx, c, fp("x"), 0, compute)
	if err != nil || !hit2 {
		t.Fatalf("second call: hit=%v err=%v", hit2, err)
	}

	if string(v1) != "result" || string(v2) != "result" {
		t.Errorf("values differ: %q vs %q", v1, v2)
	}
	if calls != 1 {
		t.Errorf("function invoked %d times, want 1", calls)
	}
}

func TestMemoizeDistinctFingerprintsRecompute(t *testing.T) {
	c := NewMemoize()
	ctx := context.Background()

	calls := 0
	compute := func() ([]byte, error) { calls++; return []byte("v"), nil }

	Through(ctx, c, fp("x"), 0, compute)
	Through(ctx, c, fp("y"), 0, compute)
	if calls != 2 {
		t.Errorf("distinct fingerprints must compute independently, got %d calls", calls)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestThroughPropagatesComputeError(t *testing.T) {
	c := NewMemoize()
	want := errors.New("compute failed")

	_, _, err := Through(context.Background(), c, fp("x"), 0, func() ([]byte, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}
	if c.Len() != 0 {
		t.Error("failed computations must not be cached")
	}
}

func TestRedisKeyDerivation(t *testing.T) {
	c := NewRedis(nil)
	f := NewFingerprint("get_user", []string{"42"}, map[string]string{"verbose": "1"})

	sum := sha256.Sum256([]byte("get_user:42:verbose=1"))
	want := hex.EncodeToString(sum[:])
	if got := c.Key(f); got != want {
		t.Errorf("key: got %q, want %q", got, want)
	}
}

func TestRedisWithoutBackendFails(t *testing.T) {
	c := NewRedis(nil)
	ctx := context.Background()

	var noBackend *errs.NoCacheBackendError
	if _, _, err := c.Get(ctx, fp("x")); !errors.As(err, &noBackend) {
		t.Errorf("Get without backend: got %v", err)
	}
	if err := c.Put(ctx, fp("x"), []byte("v"), time.Second); !errors.As(err, &noBackend) {
		t.Errorf("Put without backend: got %v", err)
	}
}
