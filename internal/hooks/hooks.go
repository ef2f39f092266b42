// Package hooks holds the lifecycle hook sets: startup handlers run after
// the listener is bound but before the accept loop, shutdown handlers run
// after the listener closes but before the worker pools drain.
package hooks

import (
	"context"
	"errors"
	"sync"
)

// Hook is a lifecycle callback.
type Hook func(ctx context.Context) error

// Hooks stores the two ordered hook sets. Registration happens during
// setup; runs are concurrent.
type Hooks struct {
	mu       sync.Mutex
	startup  []Hook
	shutdown []Hook
}

// New creates an empty hook set.
func New() *Hooks {
	return &Hooks{}
}

// OnStartup registers a startup hook.
func (h *Hooks) OnStartup(fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startup = append(h.startup, fn)
}

// OnShutdown registers a shutdown hook.
func (h *Hooks) OnShutdown(fn Hook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shutdown = append(h.shutdown, fn)
}

// RunStartup runs every startup hook concurrently. One hook's failure does
// not stop the others, but any failure is returned so the caller can abort
// server start.
func (h *Hooks) RunStartup(ctx context.Context) error {
	return runAll(ctx, h.snapshot(&h.startup))
}

// RunShutdown runs every shutdown hook concurrently and joins failures.
func (h *Hooks) RunShutdown(ctx context.Context) error {
	return runAll(ctx, h.snapshot(&h.shutdown))
}

func (h *Hooks) snapshot(list *[]Hook) []Hook {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Hook, len(*list))
	copy(out, *list)
	return out
}

func runAll(ctx context.Context, hooks []Hook) error {
	if len(hooks) == 0 {
		return nil
	}

	errc := make(chan error, len(hooks))
	var wg sync.WaitGroup
	for _, fn := range hooks {
		wg.Add(1)
		go func(fn Hook) {
			defer wg.Done()
			errc <- fn(ctx)
		}(fn)
	}
	wg.Wait()
	close(errc)

	var errs []error
	for err := range errc {
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
