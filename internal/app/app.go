// Package app wires all drillcycle subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run plays one practice session while serving HTTP, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles through [Backends] and the functional options
// (WithCourse, WithMetrics, etc.). When an option is not provided, New
// builds the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/config"
	"github.com/MrWong99/drillcycle/internal/course"
	"github.com/MrWong99/drillcycle/internal/cycle"
	"github.com/MrWong99/drillcycle/internal/driving"
	"github.com/MrWong99/drillcycle/internal/eventstream"
	"github.com/MrWong99/drillcycle/internal/health"
	"github.com/MrWong99/drillcycle/internal/kvstore"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/internal/timing"
	"github.com/MrWong99/drillcycle/pkg/provider/vad"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// serverShutdownTimeout bounds how long in-flight HTTP requests may take
// once Run is winding down.
const serverShutdownTimeout = 5 * time.Second

// Backends holds the constructed infrastructure. Populated by main.go via
// the config registry.
type Backends struct {
	Store kvstore.Store
	Audio config.AudioBackend

	// Detector measures learner speech. Nil disables adaptive timing.
	Detector vad.Detector
}

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	backends *Backends
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	watcher  *config.Watcher
	runID    string

	// Subsystems, initialised in New and torn down in Shutdown.
	course    *course.Course
	orch      *cycle.Orchestrator
	analyzer  *timing.Analyzer
	scheduler *commentary.Scheduler
	driving   *driving.Controller
	player    *Player
	sessions  *SessionManager
	hub       *eventstream.Hub
	health    *health.Handler
	handler   http.Handler

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCourse injects a course instead of loading course.path.
func WithCourse(c *course.Course) Option {
	return func(a *App) { a.course = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets hot reload change the level of the handler behind the
// logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics injects metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithWatcher polls the config file during Run. Its change callback should
// call [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithRunID sets the identifier stamped on every streamed event. Default: a
// random UUID.
func WithRunID(id string) Option {
	return func(a *App) { a.runID = id }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The backends come
// from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: course loading, cycle
// orchestrator and timing analyzer setup, commentary state loading, driving
// mode, event stream and health checks.
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Store == nil || backends.Audio.Sink == nil {
		return nil, errors.New("app: store and audio sink are required")
	}
	a := &App{
		cfg:      cfg,
		backends: backends,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.runID == "" {
		a.runID = uuid.NewString()
	}
	a.log = a.log.With("run_id", a.runID)

	// ── 1. Course ────────────────────────────────────────────────────────
	if err := a.initCourse(); err != nil {
		return nil, fmt.Errorf("app: init course: %w", err)
	}

	// ── 2. Cycle orchestrator + timing ───────────────────────────────────
	if err := a.initCycle(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init cycle: %w", err)
	}

	// ── 3. Commentary ────────────────────────────────────────────────────
	sched, err := commentary.New(ctx, cfg.Learner.ID, a.course, backends.Store, cfg.Commentary,
		commentary.WithLogger(a.log),
		commentary.WithMetrics(a.metrics),
	)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init commentary: %w", err)
	}
	a.scheduler = sched

	// ── 4. Driving mode ──────────────────────────────────────────────────
	if err := a.initDriving(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init driving: %w", err)
	}

	// ── 5. Event stream ──────────────────────────────────────────────────
	a.initEventStream()

	// ── 6. Host loop + sessions ──────────────────────────────────────────
	a.player = NewPlayer(PlayerConfig{
		Orchestrator: a.orch,
		Scheduler:    a.scheduler,
		Sink:         backends.Audio.Sink,
		Rounds:       a.course.Rounds(),
		Analyzer:     a.analyzer,
		OnCommentary: a.publishCommentary,
		Logger:       a.log,
	})
	a.closers = append(a.closers, a.player.Close)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Player:    a.player,
		Scheduler: a.scheduler,
		Driving:   a.driving,
		LearnerID: cfg.Learner.ID,
		CourseID:  a.course.Meta().ID,
		Metrics:   a.metrics,
		Logger:    a.log,
	})

	// ── 7. Health + routes ───────────────────────────────────────────────
	a.initHealth()
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCourse loads the course file unless one was injected.
func (a *App) initCourse() error {
	if a.course != nil {
		return nil
	}
	c, err := course.Load(a.cfg.Course.Path)
	if err != nil {
		return err
	}
	a.course = c
	a.log.Info("course loaded",
		"course_id", c.Meta().ID,
		"rounds", len(c.Rounds()),
		"instructions", len(c.Instructions()),
		"encouragements", len(c.Encouragements()),
	)
	return nil
}

// initCycle builds the orchestrator and attaches the timing analyzer.
func (a *App) initCycle(ctx context.Context) error {
	orch, err := cycle.New(a.backends.Audio.Sink, a.cfg.Cycle,
		cycle.WithLogger(a.log),
		cycle.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.orch = orch
	a.closers = append(a.closers, orch.Close)

	a.analyzer = timing.New(a.backends.Detector,
		timing.WithSampleInterval(a.cfg.VAD.SampleInterval),
		timing.WithLogger(a.log),
		timing.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.analyzer.Close)
	if a.analyzer.Initialize(ctx) {
		a.log.Info("adaptive timing enabled")
	} else {
		a.log.Info("adaptive timing unavailable, using fixed pauses")
	}
	detach := a.analyzer.Attach(a.orch)
	a.closers = append(a.closers, func() error {
		detach()
		return nil
	})
	return nil
}

// initDriving creates the driving controller when driving.enabled is set.
func (a *App) initDriving() error {
	if !a.cfg.Driving.Enabled {
		return nil
	}
	c, err := driving.New(a.backends.Audio.Sink, a.backends.Audio.Element, a.course, a.cfg.Driving.Config,
		driving.WithLogger(a.log),
		driving.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	if a.backends.Audio.Element == nil {
		a.log.Warn("audio backend exposes no playhead, stall detection disabled")
	}
	a.driving = c
	a.closers = append(a.closers, c.Close)
	return nil
}

// initEventStream forwards every subsystem's events to websocket clients.
func (a *App) initEventStream() {
	a.hub = eventstream.New(
		eventstream.WithLogger(a.log),
		eventstream.WithMetrics(a.metrics),
		eventstream.WithSessionID(a.runID),
	)
	unsubs := []func(){
		eventstream.Forward(a.hub, eventstream.KindCycle, a.orch.Subscribe),
		eventstream.Forward(a.hub, eventstream.KindTiming, a.analyzer.OnResult),
	}
	if a.driving != nil {
		unsubs = append(unsubs,
			eventstream.Forward(a.hub, eventstream.KindDriving, a.driving.Subscribe),
			eventstream.Forward(a.hub, eventstream.KindCycle, a.driving.Cycle().Subscribe),
		)
	}
	a.closers = append(a.closers, func() error {
		for _, fn := range unsubs {
			fn()
		}
		return nil
	}, a.hub.Close)
}

// initHealth registers readiness checks for the store and audio backend.
func (a *App) initHealth() {
	var checkers []health.Checker
	if p, ok := a.backends.Store.(kvstore.Pinger); ok {
		checkers = append(checkers, health.StoreChecker("store", p))
	}
	if check := a.backends.Audio.Check; check != nil {
		checkers = append(checkers, health.FuncChecker("audio", check))
	}
	a.health = health.New(checkers...)
}

func (a *App) publishCommentary(c types.Commentary) {
	if err := a.hub.Publish(eventstream.KindCommentary, c); err != nil && !errors.Is(err, eventstream.ErrClosed) {
		a.log.Warn("publish commentary failed", "err", err)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts a practice session at course.start_round and serves HTTP until
// the session ends or ctx is cancelled. When ctx is done, Run returns
// context.Canceled (or the underlying cause).
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// ── HTTP ─────────────────────────────────────────────────────────────
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("http server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Config watcher ───────────────────────────────────────────────────
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	// ── Session ──────────────────────────────────────────────────────────
	mode := ModeNormal
	if a.driving != nil {
		mode = ModeDriving
	}
	if _, err := a.sessions.Start(gctx, a.cfg.Course.StartRound, mode); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	a.health.SetReady(true)

	g.Go(func() error {
		defer cancel()
		err := a.sessions.Wait(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	err := g.Wait()
	a.health.SetReady(false)
	if err != nil {
		return err
	}
	return ctx.Err()
}

// ApplyConfig applies the hot-reloadable part of a config change: the log
// level and the cycle durations. Everything else is logged as needing a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.IsEmpty() {
		return
	}

	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.Slog())
			a.log.Info("log level changed", "level", string(d.NewLogLevel))
		} else {
			a.log.Warn("log level change ignored, logger is not reloadable")
		}
	}

	if !d.CyclePatch.IsEmpty() {
		if err := a.orch.UpdateConfig(d.CyclePatch); err != nil {
			a.log.Warn("cycle config rejected", "err", err)
		} else {
			if d.CyclePatch.PauseDuration != nil {
				a.player.SetPauseDuration(*d.CyclePatch.PauseDuration)
			}
			cc := a.orch.Config()
			a.log.Info("cycle config updated",
				"pause_duration", cc.PauseDuration,
				"transition_gap", cc.TransitionGap,
			)
		}
	}

	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

// Handler returns the HTTP handler Run serves.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
			a.log.Warn("session stop error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}
