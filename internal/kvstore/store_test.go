package kvstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/drillcycle/internal/kvstore"
	"github.com/MrWong99/drillcycle/internal/kvstore/mock"
	"github.com/MrWong99/drillcycle/internal/resilience"
)

func TestMemStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var s kvstore.MemStore
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("empty store returned a value")
	}
	if err := s.Set(ctx, "a", "1"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || v != "1" {
		t.Errorf("Get = %q, %v, %v", v, ok, err)
	}
	snap := s.Snapshot()
	snap["a"] = "changed"
	if v, _, _ := s.Get(ctx, "a"); v != "1" {
		t.Error("Snapshot must be a copy")
	}
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "kv.json")

	s, err := kvstore.NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping before first write: %v", err)
	}
	if err := s.Set(ctx, "commentary_global_l1", `{"instructionIndex":2}`); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened, err := kvstore.NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok, err := reopened.Get(ctx, "commentary_global_l1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if v != `{"instructionIndex":2}` {
		t.Errorf("value = %q", v)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the store file", len(entries))
	}
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kv.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := kvstore.NewFileStore(path); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFileStore_FailedWriteKeepsOldValue(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "state")
	s, err := kvstore.NewFileStore(filepath.Join(dir, "kv.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	// Replace the (not yet created) directory with a regular file so every
	// write fails.
	if err := os.WriteFile(dir, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "k", "v"); err == nil {
		t.Fatal("expected write error")
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("failed Set must not leave the value in memory")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("Ping should fail when the parent is not a directory")
	}
}

func TestFailoverStore_ReadsFromFallbackWhenPrimaryDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	primary := &mock.Store{GetErr: errors.New("connection refused"), SetErr: errors.New("connection refused")}
	local := &mock.Store{Data: map[string]string{"k": "local"}}

	f := kvstore.NewFailoverStore("postgres", primary, resilience.BreakerConfig{MaxFailures: 2, Cooldown: time.Hour})
	f.Add("file", local)

	v, ok, err := f.Get(ctx, "k")
	if err != nil || !ok || v != "local" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if err := f.Set(ctx, "k", "new"); err != nil {
		t.Fatalf("Set should succeed via fallback: %v", err)
	}
	if got, _ := local.Value("k"); got != "new" {
		t.Errorf("fallback value = %q, want new", got)
	}

	// The failed Get and Set opened the primary breaker, so it is skipped.
	_ = f.Set(ctx, "k", "newer")
	if n := len(primary.Sets()); n != 1 {
		t.Errorf("primary Set calls = %d, want 1", n)
	}
	if v, _ := local.Value("k"); v != "newer" {
		t.Errorf("fallback value = %q, want newer", v)
	}
}

func TestFailoverStore_WritesToAllBackends(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := &mock.Store{}, &mock.Store{}
	f := kvstore.NewFailoverStore("a", a, resilience.BreakerConfig{})
	f.Add("b", b)

	if err := f.Set(ctx, "k", "v"); err != nil {
		t.Fatal(err)
	}
	for name, s := range map[string]*mock.Store{"a": a, "b": b} {
		if v, _ := s.Value("k"); v != "v" {
			t.Errorf("backend %s value = %q, want v", name, v)
		}
	}
}

func TestFailoverStore_AllDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	down := errors.New("down")
	f := kvstore.NewFailoverStore("a", &mock.Store{GetErr: down, SetErr: down}, resilience.BreakerConfig{})

	if _, _, err := f.Get(ctx, "k"); !errors.Is(err, kvstore.ErrUnavailable) {
		t.Errorf("Get err = %v, want ErrUnavailable", err)
	}
	if err := f.Set(ctx, "k", "v"); !errors.Is(err, kvstore.ErrUnavailable) || !errors.Is(err, down) {
		t.Errorf("Set err = %v, want ErrUnavailable wrapping cause", err)
	}
}
