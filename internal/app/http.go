package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/cycle"
	"github.com/MrWong99/drillcycle/internal/driving"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// State is the body of GET /state.
type State struct {
	Session     *SessionInfo              `json:"session,omitempty"`
	Phase       string                    `json:"phase"`
	Item        *types.LearningItem       `json:"item,omitempty"`
	Position    Position                  `json:"position"`
	Driving     *driving.Position         `json:"driving,omitempty"`
	Commentary  commentary.Snapshot       `json:"commentary"`
	Progress    InstructionProgress       `json:"instruction_progress"`
	Performance *types.PerformanceMetrics `json:"performance,omitempty"`
	Cycle       CycleSettings             `json:"cycle"`
	Clients     int                       `json:"stream_clients"`
}

// CycleSettings are the live cycle durations in milliseconds.
type CycleSettings struct {
	PauseMs         int64 `json:"pause_duration_ms"`
	TransitionGapMs int64 `json:"transition_gap_ms"`
}

// InstructionProgress counts played course instructions.
type InstructionProgress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// activeCycle returns the orchestrator currently playing: the driving controller's
// while driving mode runs, the normal-mode one otherwise.
func (a *App) activeCycle() *cycle.Orchestrator {
	if a.driving != nil && a.driving.Active() {
		return a.driving.Cycle()
	}
	return a.orch
}

// State returns a snapshot of the running application.
func (a *App) State() State {
	orch := a.activeCycle()
	st := State{
		Phase:       orch.Phase().String(),
		Item:        orch.Item(),
		Position:    a.player.Position(),
		Commentary:  a.scheduler.State(),
		Performance: a.player.Performance(),
		Clients:     a.hub.Clients(),
	}
	cc := orch.Config()
	st.Cycle = CycleSettings{
		PauseMs:         cc.PauseDuration.Milliseconds(),
		TransitionGapMs: cc.TransitionGap.Milliseconds(),
	}
	if info, ok := a.sessions.Info(); ok {
		st.Session = &info
	}
	if a.driving != nil && a.driving.Active() {
		pos := a.driving.Position()
		st.Driving = &pos
	}
	st.Progress.Done, st.Progress.Total = a.scheduler.InstructionProgress()
	return st
}

// routes builds the HTTP surface:
//
//	GET  /healthz, /readyz   liveness and readiness
//	GET  /metrics            Prometheus scrape (observe.metrics_enabled)
//	GET  /events             websocket event stream
//	GET  /state              JSON snapshot
//	POST /session/stop       end the session
//	POST /cycle/skip         skip the current phase
//	POST /driving/next       skip to the next round in driving mode
//	POST /driving/previous   go back one round in driving mode
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.cfg.Observe.MetricsEnabled {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}
	mux.Handle("GET /events", a.hub)
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.State())
	})
	mux.HandleFunc("POST /session/stop", a.handleStop)
	mux.HandleFunc("POST /cycle/skip", func(w http.ResponseWriter, _ *http.Request) {
		a.activeCycle().SkipPhase()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /driving/next", a.handleDrivingSkip(1))
	mux.HandleFunc("POST /driving/previous", a.handleDrivingSkip(-1))
	return observe.Middleware(a.metrics, a.log)(mux)
}

func (a *App) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.sessions.Stop(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleDrivingSkip(delta int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if a.driving == nil {
			writeError(w, http.StatusNotFound, ErrDrivingDisabled)
			return
		}
		var err error
		if delta > 0 {
			err = a.driving.SkipToNextRound()
		} else {
			err = a.driving.SkipToPreviousRound()
		}
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case errors.Is(err, driving.ErrNotActive), errors.Is(err, driving.ErrRoundOutOfRange):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("app: encode response", "err", err)
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
