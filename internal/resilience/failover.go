package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [Failover] failed or was
// skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all members failed")

// member pairs a value with its breaker.
type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Failover tries a primary and then each fallback in registration order.
// Every member has its own [CircuitBreaker], so a dead primary is skipped
// without waiting for it to fail again.
type Failover[T any] struct {
	members []member[T]
	cfg     BreakerConfig
}

// NewFailover returns a chain containing only primary. cfg is the template
// for every member's breaker; its Name is replaced by the member name.
func NewFailover[T any](name string, primary T, cfg BreakerConfig) *Failover[T] {
	f := &Failover[T]{cfg: cfg}
	f.Add(name, primary)
	return f
}

// Add appends a fallback. Add is not safe to call concurrently with Do.
func (f *Failover[T]) Add(name string, v T) {
	cfg := f.cfg
	cfg.Name = name
	f.members = append(f.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Names returns the member names in order.
func (f *Failover[T]) Names() []string {
	names := make([]string, len(f.members))
	for i, m := range f.members {
		names[i] = m.name
	}
	return names
}

// Breaker returns the breaker of the named member, or nil.
func (f *Failover[T]) Breaker(name string) *CircuitBreaker {
	for _, m := range f.members {
		if m.name == name {
			return m.breaker
		}
	}
	return nil
}

// Do runs fn against each member until one succeeds.
func (f *Failover[T]) Do(fn func(T) error) error {
	_, err := DoValue(f, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// DoValue is [Failover.Do] for functions that return a value. It is a
// package-level function because methods cannot declare type parameters.
func DoValue[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range f.members {
		m := &f.members[i]
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("failover: skipping member, circuit open", "member", m.name)
			continue
		}
		slog.Warn("failover: member failed, trying next", "member", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
