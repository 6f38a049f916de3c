// Package kvstore provides the string key-value persistence port used for
// learner-scoped state, together with memory, file and PostgreSQL backends
// and a failover wrapper.
//
// Callers treat persistence as best effort: a failing store must never stop
// the learning cycle, so errors are returned for logging only.
package kvstore

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when no backend could serve a request.
var ErrUnavailable = errors.New("kvstore: unavailable")

// Store is a string key-value store. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
}

// Pinger is implemented by stores that can check their backend's health.
type Pinger interface {
	Ping(ctx context.Context) error
}
