// Package health serves liveness and readiness probes for the drill player.
//
//   - GET /healthz answers 200 while the process can serve HTTP.
//   - GET /readyz answers 200 once the session is marked ready and every
//     [Checker] passes; otherwise 503.
//
// Bodies are JSON: {"status":"ok"|"fail","checks":{"<name>":"ok"|"fail: ..."}}.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/drillcycle/internal/kvstore"
)

// DefaultCheckTimeout bounds one readiness check.
const DefaultCheckTimeout = 3 * time.Second

// ErrNotReady is reported under the "session" check until SetReady(true).
var ErrNotReady = errors.New("health: session not ready")

// Checker probes one dependency. Check returns nil when it is usable and must
// honour ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StoreChecker probes a key-value store backend.
func StoreChecker(name string, p kvstore.Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// FuncChecker adapts a plain error-returning probe, such as an audio
// backend's liveness query.
func FuncChecker(name string, fn func() error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return fn() }}
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	ready    atomic.Bool
}

// New creates a handler evaluating checkers concurrently on every /readyz.
// The handler starts not ready.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		timeout:  DefaultCheckTimeout,
	}
}

// SetReady flips the session readiness gate.
func (h *Handler) SetReady(ok bool) { h.ready.Store(ok) }

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz answers 200 only when the gate is open and every checker passes.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := h.run(r.Context())
	res := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	for _, v := range checks {
		if v != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

func (h *Handler) run(ctx context.Context) map[string]string {
	checks := make(map[string]string, len(h.checkers)+1)
	if h.ready.Load() {
		checks["session"] = "ok"
	} else {
		checks["session"] = "fail: " + ErrNotReady.Error()
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			verdict := "ok"
			if err := c.Check(cctx); err != nil {
				verdict = "fail: " + err.Error()
			}
			mu.Lock()
			checks[c.Name] = verdict
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

// Register mounts the probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
