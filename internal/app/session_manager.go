package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/driving"
	"github.com/MrWong99/drillcycle/internal/observe"
)

var (
	// ErrSessionActive is returned by Start while a session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned by Stop when nothing is running.
	ErrNoSession = errors.New("app: no active session")

	// ErrDrivingDisabled is returned when driving mode is requested but not
	// configured.
	ErrDrivingDisabled = errors.New("app: driving mode is disabled")
)

// Mode selects how a session plays the course.
type Mode string

const (
	// ModeNormal runs items through the cycle orchestrator with pauses for
	// the learner to answer.
	ModeNormal Mode = "normal"

	// ModeDriving plays whole rounds hands-free.
	ModeDriving Mode = "driving"
)

// SessionInfo holds metadata about a practice session.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	LearnerID  string    `json:"learner_id"`
	CourseID   string    `json:"course_id"`
	Mode       Mode      `json:"mode"`
	StartRound int       `json:"start_round"`
	StartedAt  time.Time `json:"started_at"`
}

// SessionManager runs at most one practice session at a time. All exported
// methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	player    *Player
	driving   *driving.Controller
	scheduler *commentary.Scheduler
	learnerID string
	courseID  string
	metrics   *observe.Metrics
	log       *slog.Logger
	newID     func() string
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Player    *Player
	Scheduler *commentary.Scheduler

	// Driving is nil when driving mode is disabled.
	Driving *driving.Controller

	LearnerID string
	CourseID  string
	Metrics   *observe.Metrics
	Logger    *slog.Logger

	// NewID generates session IDs. Default: random UUIDs.
	NewID func() string
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		player:    cfg.Player,
		driving:   cfg.Driving,
		scheduler: cfg.Scheduler,
		learnerID: cfg.LearnerID,
		courseID:  cfg.CourseID,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		newID:     cfg.NewID,
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if sm.newID == nil {
		sm.newID = uuid.NewString
	}
	return sm
}

// Start begins a session at startRound. The session runs in the background
// until the course ends, Stop is called or ctx is cancelled.
func (sm *SessionManager) Start(ctx context.Context, startRound int, mode Mode) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}
	switch mode {
	case ModeNormal:
	case ModeDriving:
		if sm.driving == nil {
			return SessionInfo{}, ErrDrivingDisabled
		}
	default:
		return SessionInfo{}, fmt.Errorf("app: unknown session mode %q", mode)
	}

	sm.scheduler.ResetSession()

	info := SessionInfo{
		SessionID:  sm.newID(),
		LearnerID:  sm.learnerID,
		CourseID:   sm.courseID,
		Mode:       mode,
		StartRound: startRound,
		StartedAt:  time.Now().UTC(),
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	var run func() error
	if mode == ModeDriving {
		exited, err := sm.enterDriving(sessionCtx, startRound)
		if err != nil {
			cancel()
			return SessionInfo{}, err
		}
		run = func() error {
			<-exited
			return sessionCtx.Err()
		}
	} else {
		if startRound < 0 || startRound >= len(sm.player.rounds) {
			cancel()
			return SessionInfo{}, fmt.Errorf("%w: %d of %d", ErrRoundOutOfRange, startRound, len(sm.player.rounds))
		}
		run = func() error { return sm.player.Run(sessionCtx, startRound) }
	}

	sm.active = true
	sm.info = info
	sm.cancel = cancel
	sm.done = done
	sm.err = nil
	sm.metrics.AddActiveSessions(ctx, 1)

	sm.log.Info("session started",
		"session_id", info.SessionID,
		"learner_id", info.LearnerID,
		"course_id", info.CourseID,
		"mode", string(mode),
		"round_index", startRound,
	)

	go func() {
		err := run()
		sm.finish(ctx, err)
	}()
	return info, nil
}

// enterDriving starts the controller and returns a channel closed when it
// exits.
func (sm *SessionManager) enterDriving(ctx context.Context, startRound int) (<-chan struct{}, error) {
	exited := make(chan struct{})
	var once sync.Once
	unsubscribe := sm.driving.Subscribe(func(ev driving.Event) {
		if ev.Type == driving.EventExited {
			once.Do(func() { close(exited) })
		}
	})
	if err := sm.driving.Enter(ctx, startRound); err != nil {
		unsubscribe()
		return nil, fmt.Errorf("app: enter driving mode: %w", err)
	}
	out := make(chan struct{})
	go func() {
		<-exited
		unsubscribe()
		close(out)
	}()
	return out, nil
}

func (sm *SessionManager) finish(ctx context.Context, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	sm.active = false
	sm.err = err
	sm.cancel()
	close(sm.done)
	sm.metrics.AddActiveSessions(ctx, -1)

	attrs := []any{
		"session_id", sm.info.SessionID,
		"duration", time.Since(sm.info.StartedAt).Round(time.Second),
	}
	if err != nil {
		sm.log.Warn("session ended with error", append(attrs, "err", err)...)
		return
	}
	sm.log.Info("session ended", attrs...)
}

// Stop ends the active session and waits for it to wind down.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return ErrNoSession
	}
	mode, cancel, done := sm.info.Mode, sm.cancel, sm.done
	sm.mu.Unlock()

	if mode == ModeDriving {
		if pos := sm.driving.Exit(); pos != nil {
			sm.log.Info("driving position saved", "round_index", pos.RoundIndex, "cycle_index", pos.CycleIndex)
		}
	}
	cancel()
	<-done
	return nil
}

// Info returns the active session's metadata. ok is false when no session
// is running.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

// IsActive reports whether a session is running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Wait blocks until the current session ends and returns its error. It
// returns nil immediately when no session was ever started.
func (sm *SessionManager) Wait(ctx context.Context) error {
	sm.mu.Lock()
	done := sm.done
	sm.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.err
}
