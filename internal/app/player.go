package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/cycle"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/internal/resilience"
	"github.com/MrWong99/drillcycle/internal/timing"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

var (
	// ErrInterrupted is returned by [Player.Run] when the cycle is stopped
	// before the current item completes.
	ErrInterrupted = errors.New("app: item interrupted")

	// ErrRoundOutOfRange is returned when a start round is not in the course.
	ErrRoundOutOfRange = errors.New("app: round out of range")
)

// Position locates the player in the course. Both fields are zero-based.
type Position struct {
	Round int `json:"round"`
	Item  int `json:"item"`
}

// PlayerConfig holds the dependencies of a [Player].
type PlayerConfig struct {
	Orchestrator *cycle.Orchestrator
	Scheduler    *commentary.Scheduler
	Sink         audio.Sink
	Rounds       []types.Round

	// Analyzer feeds performance metrics. Nil leaves the scheduler on its
	// non-adaptive interval.
	Analyzer *timing.Analyzer

	// OnCommentary is called before each commentary clip plays. May be nil.
	OnCommentary func(types.Commentary)

	Logger *slog.Logger

	// Sleep replaces [resilience.Sleep] in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Player is the host loop of normal mode. It runs every item of every round
// through the orchestrator, one at a time, and plays the scheduler's
// commentary between rounds.
type Player struct {
	orch         *cycle.Orchestrator
	scheduler    *commentary.Scheduler
	sink         audio.Sink
	rounds       []types.Round
	perf         *performance
	onCommentary func(types.Commentary)
	log          *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error

	completed chan struct{}
	stopped   chan struct{}
	detach    []func()

	mu  sync.Mutex
	pos Position
}

// NewPlayer subscribes a player to cfg.Orchestrator. Call Close to
// unsubscribe.
func NewPlayer(cfg PlayerConfig) *Player {
	p := &Player{
		orch:         cfg.Orchestrator,
		scheduler:    cfg.Scheduler,
		sink:         cfg.Sink,
		rounds:       cfg.Rounds,
		perf:         newPerformance(cfg.Orchestrator.Config().PauseDuration),
		onCommentary: cfg.OnCommentary,
		log:          cfg.Logger,
		sleep:        cfg.Sleep,
		completed:    make(chan struct{}, 1),
		stopped:      make(chan struct{}, 1),
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.sleep == nil {
		p.sleep = resilience.Sleep
	}

	p.detach = append(p.detach, p.orch.Subscribe(func(ev types.CycleEvent) {
		switch ev.Type {
		case types.EventItemCompleted:
			signal(p.completed)
		case types.EventCycleStopped:
			signal(p.stopped)
		}
	}))
	if cfg.Analyzer != nil {
		p.detach = append(p.detach, cfg.Analyzer.OnResult(p.perf.record))
	}
	return p
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// Run plays the course from startRound to the end. It returns nil when the
// last round is done, the context error on cancellation, and
// [ErrInterrupted] when the orchestrator is stopped from elsewhere.
func (p *Player) Run(ctx context.Context, startRound int) error {
	if startRound < 0 || startRound >= len(p.rounds) {
		return fmt.Errorf("%w: %d of %d", ErrRoundOutOfRange, startRound, len(p.rounds))
	}

	welcome, err := p.scheduler.Welcome(ctx)
	if err != nil {
		p.log.Warn("welcome lookup failed", "err", err)
	}
	if err := p.playCommentary(ctx, welcome); err != nil {
		return err
	}

	for r := startRound; r < len(p.rounds); r++ {
		if err := p.playRound(ctx, r); err != nil {
			return err
		}
	}
	p.log.Info("course complete", "rounds", len(p.rounds)-startRound)
	return nil
}

// playRound drills every item of round r, then plays whatever commentary the
// scheduler picks for the boundary.
func (p *Player) playRound(ctx context.Context, r int) error {
	round := p.rounds[r]
	ctx, span := observe.StartSpan(ctx, "player.round", trace.WithAttributes(
		attribute.Int("round_index", r),
		attribute.String("lego_id", round.LegoID),
	))
	defer span.End()
	log := observe.Logger(ctx, p.log)

	for i, it := range round.Items {
		p.setPosition(Position{Round: r, Item: i})
		if err := p.runItem(ctx, it); err != nil {
			return err
		}
	}

	c, err := p.scheduler.OnRoundComplete(ctx, r+1, len(round.Items), p.perf.snapshot())
	if err != nil {
		log.Warn("commentary scheduling failed", "round_index", r, "err", err)
		return nil
	}
	if c == nil {
		return nil
	}
	// Let the transition gap run out before speaking over it.
	if err := p.sleep(ctx, p.orch.Config().TransitionGap); err != nil {
		return err
	}
	return p.playCommentary(ctx, c)
}

func (p *Player) runItem(ctx context.Context, it types.LearningItem) error {
	drain(p.completed)
	drain(p.stopped)
	p.perf.begin(it)

	if err := p.orch.StartItem(ctx, it); err != nil {
		return fmt.Errorf("app: start item: %w", err)
	}
	select {
	case <-p.completed:
		return nil
	case <-p.stopped:
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// playCommentary plays c through the sink. Playback failures are logged and
// skipped.
func (p *Player) playCommentary(ctx context.Context, c *types.Commentary) error {
	if c == nil {
		return nil
	}
	if p.onCommentary != nil {
		p.onCommentary(*c)
	}
	p.sink.Stop()
	if err := p.sink.Play(ctx, c.Audio); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		observe.Logger(ctx, p.log).Warn("commentary playback failed", "kind", string(c.Kind), "clip_id", c.Audio.ID, "err", err)
	}
	return nil
}

// SetPauseDuration keeps the correctness threshold in step with the cycle
// pause after a config reload.
func (p *Player) SetPauseDuration(d time.Duration) {
	p.perf.setPause(d)
}

// Performance returns the current learner metrics, or nil before the first
// timed answer.
func (p *Player) Performance() *types.PerformanceMetrics {
	return p.perf.snapshot()
}

// Position returns the item currently being drilled.
func (p *Player) Position() Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *Player) setPosition(pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}

// Close unsubscribes the player from its sources.
func (p *Player) Close() error {
	for _, fn := range p.detach {
		fn()
	}
	p.detach = nil
	return nil
}
