package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/drillcycle/internal/resilience"
)

// FailoverStore reads from the first healthy backend and writes to every
// backend it can reach. A typical chain is PostgreSQL, then a local file, so
// a database outage degrades to local persistence instead of losing progress.
type FailoverStore struct {
	chain    *resilience.Failover[Store]
	backends []namedStore
}

type namedStore struct {
	name  string
	store Store
}

var _ Store = (*FailoverStore)(nil)

// NewFailoverStore returns a store over primary. cfg configures each
// backend's circuit breaker.
func NewFailoverStore(name string, primary Store, cfg resilience.BreakerConfig) *FailoverStore {
	return &FailoverStore{
		chain:    resilience.NewFailover(name, primary, cfg),
		backends: []namedStore{{name, primary}},
	}
}

// Add appends a fallback backend.
func (f *FailoverStore) Add(name string, s Store) {
	f.chain.Add(name, s)
	f.backends = append(f.backends, namedStore{name, s})
}

// Get implements [Store].
func (f *FailoverStore) Get(ctx context.Context, key string) (string, bool, error) {
	type result struct {
		v  string
		ok bool
	}
	r, err := resilience.DoValue(f.chain, func(s Store) (result, error) {
		v, ok, err := s.Get(ctx, key)
		return result{v, ok}, err
	})
	if err != nil {
		return "", false, fmt.Errorf("%w: get %q: %w", ErrUnavailable, key, err)
	}
	return r.v, r.ok, nil
}

// Set implements [Store]. The write succeeds when at least one backend
// accepted it; backends with an open breaker are skipped.
func (f *FailoverStore) Set(ctx context.Context, key, value string) error {
	var (
		errs    []error
		written int
	)
	for _, b := range f.backends {
		err := f.chain.Breaker(b.name).Execute(func() error {
			return b.store.Set(ctx, key, value)
		})
		if err != nil {
			if !errors.Is(err, resilience.ErrCircuitOpen) {
				slog.Warn("kvstore: backend write failed", "backend", b.name, "key", key, "err", err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
			continue
		}
		written++
	}
	if written == 0 {
		return fmt.Errorf("%w: set %q: %w", ErrUnavailable, key, errors.Join(errs...))
	}
	return nil
}

// Ping reports healthy when any backend is reachable.
func (f *FailoverStore) Ping(ctx context.Context) error {
	var errs []error
	for _, b := range f.backends {
		p, ok := b.store.(Pinger)
		if !ok {
			return nil
		}
		err := p.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.name, err))
	}
	return errors.Join(errs...)
}
