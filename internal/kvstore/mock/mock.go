// Package mock provides a scriptable [kvstore.Store] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/drillcycle/internal/kvstore"
)

// SetCall records one Set invocation.
type SetCall struct {
	Key   string
	Value string
}

// Store is an in-memory [kvstore.Store] whose failures can be injected.
type Store struct {
	mu sync.Mutex

	// Data holds the stored entries. Tests may seed it directly.
	Data map[string]string

	// GetErr and SetErr, if non-nil, are returned by every Get and Set.
	GetErr error
	SetErr error

	// PingErr, if non-nil, is returned by Ping.
	PingErr error

	// GetCalls records every key passed to Get.
	GetCalls []string

	// SetCalls records every Set, including failed ones.
	SetCalls []SetCall
}

// Get implements [kvstore.Store].
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.GetCalls = append(s.GetCalls, key)
	if s.GetErr != nil {
		return "", false, s.GetErr
	}
	v, ok := s.Data[key]
	return v, ok, nil
}

// Set implements [kvstore.Store].
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SetCalls = append(s.SetCalls, SetCall{Key: key, Value: value})
	if s.SetErr != nil {
		return s.SetErr
	}
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	s.Data[key] = value
	return nil
}

// Ping implements [kvstore.Pinger].
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Value returns the stored value for key under the lock.
func (s *Store) Value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Data[key]
	return v, ok
}

// Sets returns a copy of SetCalls.
func (s *Store) Sets() []SetCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SetCall, len(s.SetCalls))
	copy(out, s.SetCalls)
	return out
}

var (
	_ kvstore.Store  = (*Store)(nil)
	_ kvstore.Pinger = (*Store)(nil)
)
