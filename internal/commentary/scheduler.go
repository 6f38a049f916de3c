// Package commentary decides when to surface welcome, instruction and
// encouragement clips between rounds.
//
// Two progressions are tracked per learner, independent of course: a finite
// ordered instruction sequence and an encouragement urn that is drawn without
// replacement and reshuffled when empty. Both live in [GlobalState], which is
// read once at construction and written through a [kvstore.Store] after each
// decision. Session counters start fresh with every [Scheduler].
package commentary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/drillcycle/internal/kvstore"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// CourseProvider supplies the commentary clips. Clip IDs must be stable
// across sessions; the urn persists them.
type CourseProvider interface {
	Instructions() []types.AudioRef
	Encouragements() []types.AudioRef
	WelcomeAudio() *types.AudioRef
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics records surfaced commentary, intervals and persistence
// failures.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithRand sets the random source for intervals and urn shuffles.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// WithClock overrides the session start timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler is consulted by the host at round boundaries. All methods are
// safe for concurrent use.
type Scheduler struct {
	learnerID string
	key       string
	course    CourseProvider
	store     kvstore.Store
	cfg       Config
	log       *slog.Logger
	metrics   *observe.Metrics
	rng       *rand.Rand
	now       func() time.Time

	mu      sync.Mutex
	global  GlobalState
	session SessionState
}

// New creates a scheduler for learnerID and loads its persisted state. Load
// failures are logged and the scheduler starts from the zero state.
func New(ctx context.Context, learnerID string, course CourseProvider, store kvstore.Store, cfg Config, opts ...Option) (*Scheduler, error) {
	if learnerID == "" {
		return nil, errors.New("commentary: learner id must not be empty")
	}
	if course == nil {
		return nil, errors.New("commentary: course provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("commentary: store must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		learnerID: learnerID,
		key:       Key(learnerID),
		course:    course,
		store:     store,
		cfg:       cfg.withDefaults(),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	g, err := s.load(ctx)
	if err != nil {
		s.metrics.RecordPersistenceError(ctx, "load")
		s.log.Warn("commentary: load state failed, using defaults", "learner_id", learnerID, "err", err)
	}
	s.global = g
	s.resetSessionLocked()

	s.log.Debug("commentary: scheduler ready",
		"learner_id", learnerID,
		"instruction_index", g.InstructionIndex,
		"instructions_complete", g.InstructionsComplete,
		"urn_remaining", len(g.EncouragementUrn),
		"next_commentary_cycle", s.session.NextCommentaryCycle,
	)
	return s, nil
}

// OnRoundComplete records a finished round of cyclesInRound cycles and
// returns the clip to play before the next round, or nil. perf may be nil.
//
// Commentary is due once the session cycle total reaches the scheduled
// threshold. The next threshold is then drawn from the total. Persistence
// failures are logged, not returned.
func (s *Scheduler) OnRoundComplete(ctx context.Context, roundNumber, cyclesInRound int, perf *types.PerformanceMetrics) (*types.Commentary, error) {
	if cyclesInRound < 0 {
		return nil, fmt.Errorf("commentary: round %d: cycles must not be negative, got %d", roundNumber, cyclesInRound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.TotalCyclesCompleted += cyclesInRound
	s.session.RoundsCompleted++
	total := s.session.TotalCyclesCompleted
	if total < s.session.NextCommentaryCycle {
		return nil, nil
	}

	c := s.selectLocked()
	interval := s.intervalLocked(perf)
	s.session.LastCommentaryCycle = total
	s.session.NextCommentaryCycle = total + interval
	s.metrics.RecordCommentaryInterval(ctx, interval, s.cfg.IsDoingWell(perf))
	s.persistLocked(ctx)

	attrs := []any{
		"learner_id", s.learnerID,
		"round", roundNumber,
		"total_cycles", total,
		"next_commentary_cycle", s.session.NextCommentaryCycle,
	}
	if c == nil {
		s.log.Debug("commentary: due but nothing to play", attrs...)
		return nil, nil
	}
	s.metrics.RecordCommentary(ctx, string(c.Kind))
	s.log.Info("commentary: selected", append(attrs, "kind", string(c.Kind), "clip_id", c.Audio.ID)...)
	return c, nil
}

// Welcome returns the course welcome clip the first time it is asked for
// this learner, and nil afterwards or when the course has none.
func (s *Scheduler) Welcome(ctx context.Context) (*types.Commentary, error) {
	ref := s.course.WelcomeAudio()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.global.WelcomePlayed || ref == nil || ref.IsZero() {
		return nil, nil
	}
	s.global.WelcomePlayed = true
	s.persistLocked(ctx)
	s.metrics.RecordCommentary(ctx, string(types.CommentaryWelcome))
	return &types.Commentary{Kind: types.CommentaryWelcome, Audio: *ref}, nil
}

// CalculateNextCommentaryCycle draws an interval in [MinCycles, MaxCycles],
// stretched by DoingWellMultiplier when perf is doing well.
func (s *Scheduler) CalculateNextCommentaryCycle(perf *types.PerformanceMetrics) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalLocked(perf)
}

// IsDoingWell applies the scheduler's thresholds to perf.
func (s *Scheduler) IsDoingWell(perf *types.PerformanceMetrics) bool {
	return s.cfg.IsDoingWell(perf)
}

// ResetSession starts a fresh session and schedules the first commentary
// from zero.
func (s *Scheduler) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetSessionLocked()
}

// ResetAll wipes the learner's global progress for every course, persists
// the wiped state and starts a fresh session.
func (s *Scheduler) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = GlobalState{}
	s.resetSessionLocked()
	s.log.Warn("commentary: global state reset", "learner_id", s.learnerID)
	if err := s.saveLocked(ctx); err != nil {
		s.metrics.RecordPersistenceError(ctx, "reset")
		return err
	}
	return nil
}

// InstructionProgress returns how many instructions were played out of the
// number the course offers.
func (s *Scheduler) InstructionProgress() (done, total int) {
	total = len(s.course.Instructions())
	s.mu.Lock()
	defer s.mu.Unlock()
	return min(s.global.InstructionIndex, total), total
}

// State returns a copy of the scheduler state.
func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		LearnerID: s.learnerID,
		Global:    s.global.clone(),
		Session:   s.session,
	}
}

func (s *Scheduler) resetSessionLocked() {
	s.session = SessionState{
		StartedAt:           s.now(),
		NextCommentaryCycle: s.intervalLocked(nil),
	}
}

func (s *Scheduler) intervalLocked(perf *types.PerformanceMetrics) int {
	base := s.cfg.MinCycles + s.rng.IntN(s.cfg.MaxCycles-s.cfg.MinCycles+1)
	if !s.cfg.IsDoingWell(perf) {
		return base
	}
	// Round up so a stretched interval never falls below Min*multiplier.
	m := s.cfg.DoingWellMultiplier
	lo := int(math.Ceil(float64(s.cfg.MinCycles) * m))
	hi := int(math.Floor(float64(s.cfg.MaxCycles) * m))
	return max(min(int(math.Ceil(float64(base)*m)), hi), lo)
}

// selectLocked returns the next instruction, else an urn encouragement, else
// nil.
func (s *Scheduler) selectLocked() *types.Commentary {
	if ref, ok := s.nextInstructionLocked(); ok {
		return &types.Commentary{Kind: types.CommentaryInstruction, Audio: ref}
	}
	if ref, ok := s.drawEncouragementLocked(); ok {
		return &types.Commentary{Kind: types.CommentaryEncouragement, Audio: ref}
	}
	return nil
}

func (s *Scheduler) nextInstructionLocked() (types.AudioRef, bool) {
	if s.global.InstructionsComplete {
		return types.AudioRef{}, false
	}
	list := s.course.Instructions()
	if s.global.InstructionIndex >= len(list) {
		s.global.InstructionIndex = len(list)
		s.global.InstructionsComplete = true
		return types.AudioRef{}, false
	}
	ref := list[s.global.InstructionIndex]
	s.global.InstructionIndex++
	s.global.InstructionsComplete = s.global.InstructionIndex == len(list)
	return ref, true
}
