// Package timing measures how quickly and for how long the learner speaks
// during the PAUSE phase.
//
// The [Analyzer] samples a [vad.Detector] on its own goroutine while PAUSE is
// active and turns the samples into a [types.TimingResult] when the item
// completes. It only observes: nothing it does can delay a phase transition,
// and a detector that fails to initialise disables it for the session.
package timing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/drillcycle/internal/cancel"
	"github.com/MrWong99/drillcycle/internal/fanout"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/pkg/provider/vad"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// DefaultSampleInterval is how often the detector is polled during PAUSE.
const DefaultSampleInterval = 50 * time.Millisecond

type readiness int

const (
	notInitialized readiness = iota
	ready
	declined
)

// Option configures an [Analyzer].
type Option func(*Analyzer)

// WithSampleInterval sets the detector polling interval.
func WithSampleInterval(d time.Duration) Option {
	return func(a *Analyzer) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

// WithMetrics records one timing observation per analysed cycle.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// WithClock overrides the time source used for boundaries and samples.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// Analyzer computes per-cycle response timing. All methods are safe for
// concurrent use.
type Analyzer struct {
	det      vad.Detector
	interval time.Duration
	log      *slog.Logger
	metrics  *observe.Metrics
	now      func() time.Time

	sampling cancel.Counter
	results  fanout.List[types.TimingResult]
	wg       sync.WaitGroup

	mu         sync.Mutex
	state      readiness
	inCycle    bool
	boundaries map[types.CyclePhase]time.Time
	win        window
	closed     bool
}

// New creates an analyzer reading det. Call Initialize before use.
func New(det vad.Detector, opts ...Option) *Analyzer {
	a := &Analyzer{
		det:      det,
		interval: DefaultSampleInterval,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize prepares the detector and reports whether timing is available.
// A failure or refusal declines timing for the rest of the session; later
// calls return the first outcome without retrying.
func (a *Analyzer) Initialize(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case ready:
		return true
	case declined:
		return false
	}
	if a.det == nil {
		a.state = declined
		return false
	}
	ok, err := a.det.Initialize(ctx)
	if err != nil || !ok {
		a.state = declined
		a.log.Warn("timing: voice activity detection unavailable, adaptive timing declined", "err", err)
		return false
	}
	a.state = ready
	a.log.Debug("timing: voice activity detection ready", "sample_interval", a.interval)
	return true
}

// Enabled reports whether Initialize succeeded.
func (a *Analyzer) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == ready
}

// StartCycle begins a new cycle. Call at PROMPT entry.
func (a *Analyzer) StartCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != ready || a.closed {
		return
	}
	a.sampling.Next()
	a.inCycle = true
	a.win = window{}
	a.boundaries = map[types.CyclePhase]time.Time{types.PhasePrompt: a.now()}
}

// OnPhaseChange timestamps the boundary into phase. Entering PAUSE starts
// sampling; entering any later phase stops it.
func (a *Analyzer) OnPhaseChange(phase types.CyclePhase) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != ready || !a.inCycle {
		return
	}
	now := a.now()
	a.boundaries[phase] = now
	switch phase {
	case types.PhasePause:
		a.win = window{pauseStart: now}
		tok := a.sampling.Next()
		a.wg.Add(1)
		go a.sample(tok)
	case types.PhaseVoice1, types.PhaseVoice2, types.PhaseTransition:
		a.sampling.Next()
	}
}

// EndCycle stops sampling and returns the cycle's result. modelDuration is
// the length of the reference voice. Without speech, or when timing is
// unavailable, the result reports no speech.
func (a *Analyzer) EndCycle(modelDuration time.Duration) types.TimingResult {
	a.mu.Lock()
	if a.state != ready || !a.inCycle {
		a.mu.Unlock()
		return types.TimingResult{}
	}
	a.sampling.Next()
	a.inCycle = false
	res := a.win.result(a.interval, modelDuration)
	a.mu.Unlock()

	var latency float64
	if res.ResponseLatency != nil {
		latency = res.ResponseLatency.Seconds()
	}
	a.metrics.RecordTiming(context.Background(), res.SpeechDetected, latency)
	a.log.Debug("timing: cycle analysed", "speech_detected", res.SpeechDetected, "latency_s", latency)
	return res
}

// AbortCycle discards the running cycle without a result.
func (a *Analyzer) AbortCycle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sampling.Next()
	a.inCycle = false
}

// Boundary returns when the current or last cycle entered phase.
func (a *Analyzer) Boundary(phase types.CyclePhase) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.boundaries[phase]
	return t, ok
}

// OnResult registers fn for results produced by an attached analyzer. fn
// runs on the event dispatch goroutine and must not block.
func (a *Analyzer) OnResult(fn func(types.TimingResult)) (unsubscribe func()) {
	return a.results.Add(fn)
}

// EventSource is the subset of the cycle orchestrator the analyzer listens
// to.
type EventSource interface {
	Subscribe(fn func(types.CycleEvent)) (unsubscribe func())
}

// Attach drives the analyzer from src's events and publishes a result to
// OnResult listeners at every completed item. The returned function detaches.
func (a *Analyzer) Attach(src EventSource) (detach func()) {
	return src.Subscribe(func(ev types.CycleEvent) {
		switch ev.Type {
		case types.EventPhaseChanged:
			switch ev.Phase {
			case types.PhasePrompt:
				a.StartCycle()
			case types.PhaseIdle:
				a.AbortCycle()
			default:
				a.OnPhaseChange(ev.Phase)
			}
		case types.EventItemCompleted:
			if !a.Enabled() {
				return
			}
			a.results.Emit(a.EndCycle(modelDuration(ev.Item)))
		}
	})
}

// modelDuration is the length of the first reference voice, falling back to
// the second.
func modelDuration(it *types.LearningItem) time.Duration {
	if it == nil {
		return 0
	}
	if it.Voice1.Duration > 0 {
		return it.Voice1.Duration
	}
	return it.Voice2.Duration
}

// Close stops sampling and disposes the detector.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.inCycle = false
	a.sampling.Next()
	initialised := a.state != notInitialized
	a.mu.Unlock()

	a.wg.Wait()
	a.results.Clear()
	if a.det == nil || !initialised {
		return nil
	}
	if err := a.det.Dispose(); err != nil && !errors.Is(err, vad.ErrDisposed) {
		return err
	}
	return nil
}

// sample polls the detector until tok is invalidated.
func (a *Analyzer) sample(tok cancel.Token) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for range ticker.C {
		if !a.sampling.Valid(tok) {
			return
		}
		speaking := a.det.Status().IsSpeaking

		a.mu.Lock()
		if !a.sampling.Valid(tok) {
			a.mu.Unlock()
			return
		}
		if speaking {
			now := a.now()
			if a.win.firstSpeech.IsZero() {
				a.win.firstSpeech = now
			}
			a.win.lastSpeech = now
		}
		a.mu.Unlock()
	}
}
