// Package cycle implements the phase state machine that drives one learning
// item through PROMPT, PAUSE, VOICE_1, VOICE_2 and TRANSITION.
//
// The [Orchestrator] owns the shared [audio.Sink] while an item is in flight.
// Every scheduled step (a play or a timer) captures a token from a
// [cancel.Counter]; Stop, SkipPhase and StartItem advance the counter so a
// late completion is dropped instead of re-entering the state machine.
//
// Events are queued under the state lock in transition order and delivered
// by whichever goroutine drains the queue first. Listeners may call back into
// the orchestrator; events raised from a listener are delivered after it
// returns.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/drillcycle/internal/cancel"
	"github.com/MrWong99/drillcycle/internal/fanout"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// ErrClosed is returned by [Orchestrator.StartItem] after Close.
var ErrClosed = errors.New("cycle: orchestrator closed")

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics records phase transitions, audio errors and completed items.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator sequences one learning item at a time. All methods are safe
// for concurrent use.
type Orchestrator struct {
	sink    audio.Sink
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	steps     cancel.Counter
	listeners fanout.List[types.CycleEvent]

	// playMu serialises calls into the sink so a cancelled play has returned
	// before the next one starts.
	playMu sync.Mutex
	wg     sync.WaitGroup

	mu         sync.Mutex
	cfg        Config
	phase      types.CyclePhase
	item       *types.LearningItem
	itemCtx    context.Context
	itemCancel context.CancelFunc
	playCancel context.CancelFunc
	timer      *time.Timer
	inGap      bool
	pending    *pendingItem
	closed     bool
	queue      []types.CycleEvent
	flushing   bool
}

type pendingItem struct {
	ctx  context.Context
	item types.LearningItem
}

// New creates an idle orchestrator playing through sink.
func New(sink audio.Sink, cfg Config, opts ...Option) (*Orchestrator, error) {
	if sink == nil {
		return nil, errors.New("cycle: sink must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		sink:    sink,
		log:     slog.Default(),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		phase:   types.PhaseIdle,
		itemCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// ─── Commands ─────────────────────────────────────────────────────────────────

// StartItem cancels whatever is in flight and begins item at PROMPT. When
// called during the transition gap of the previous item the prompt starts as
// soon as the gap has elapsed. Cancelling ctx stops the item.
func (o *Orchestrator) StartItem(ctx context.Context, item types.LearningItem) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.phase == types.PhaseTransition && o.inGap {
		o.pending = &pendingItem{ctx: ctx, item: item}
		o.mu.Unlock()
		return nil
	}
	o.haltLocked()
	o.beginLocked(ctx, item)
	o.mu.Unlock()
	o.flush()
	return nil
}

// SkipPhase ends the current phase's audio or timer and advances exactly one
// step, as if the phase had completed. It does nothing in IDLE and
// TRANSITION.
func (o *Orchestrator) SkipPhase() {
	o.mu.Lock()
	switch o.phase {
	case types.PhaseIdle, types.PhaseTransition:
		o.mu.Unlock()
		return
	}
	from := o.phase
	o.haltLocked()
	o.advanceLocked()
	o.log.Debug("cycle: phase skipped", "from", from.String(), "to", o.phase.String())
	o.mu.Unlock()
	o.flush()
}

// Stop halts playback, cancels timers and returns to IDLE. Stopping an idle
// orchestrator does nothing.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopLocked()
	o.mu.Unlock()
	o.flush()
}

// UpdateConfig merges p into the live configuration. Running timers keep
// their duration; the change applies from the next scheduled phase.
func (o *Orchestrator) UpdateConfig(p ConfigPatch) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := p.apply(o.cfg)
	if err := merged.Validate(); err != nil {
		return err
	}
	o.cfg = merged.withDefaults()
	o.log.Debug("cycle: config updated",
		"pause_duration", o.cfg.PauseDuration,
		"transition_gap", o.cfg.TransitionGap,
	)
	return nil
}

// Close stops the orchestrator and waits for in-flight plays to return.
// Later StartItem calls fail with [ErrClosed].
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.stopLocked()
	o.mu.Unlock()
	o.flush()
	o.wg.Wait()
	return nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// Phase returns the active phase.
func (o *Orchestrator) Phase() types.CyclePhase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Item returns the item in flight, or nil when idle.
func (o *Orchestrator) Item() *types.LearningItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.item == nil {
		return nil
	}
	it := *o.item
	return &it
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// ─── Observers ────────────────────────────────────────────────────────────────

// Subscribe registers fn for every event. The returned function removes it
// and may be called from inside fn.
func (o *Orchestrator) Subscribe(fn func(types.CycleEvent)) (unsubscribe func()) {
	return o.listeners.Add(fn)
}

// Events returns a channel receiving every event. When the channel is full
// events are dropped with a warning. The returned function unsubscribes and
// closes the channel.
func (o *Orchestrator) Events(buffer int) (<-chan types.CycleEvent, func()) {
	ch := make(chan types.CycleEvent, buffer)
	var (
		mu     sync.Mutex
		closed bool
		once   sync.Once
	)
	unsub := o.Subscribe(func(ev types.CycleEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			o.log.Warn("cycle: event dropped, consumer too slow", "event", ev.Type.String(), "phase", ev.Phase.String())
		}
	})
	return ch, func() {
		once.Do(func() {
			unsub()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// ─── State machine ────────────────────────────────────────────────────────────

// haltLocked invalidates the running step and silences the sink.
func (o *Orchestrator) haltLocked() {
	o.steps.Next()
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	if o.playCancel != nil {
		o.playCancel()
		o.playCancel = nil
	}
	o.inGap = false
	o.sink.Stop()
}

func (o *Orchestrator) beginLocked(ctx context.Context, item types.LearningItem) {
	if o.itemCancel != nil {
		o.itemCancel()
	}
	o.itemCtx, o.itemCancel = context.WithCancel(ctx)
	o.item = &item
	o.pending = nil
	o.enterLocked(types.PhasePrompt)
}

func (o *Orchestrator) stopLocked() {
	if o.phase == types.PhaseIdle {
		return
	}
	o.haltLocked()
	if o.itemCancel != nil {
		o.itemCancel()
		o.itemCancel = nil
	}
	interrupted := o.item
	o.pending = nil
	o.phase = types.PhaseIdle
	o.metrics.RecordPhase(o.itemCtx, types.PhaseIdle.String())
	o.queueLocked(types.CycleEvent{Type: types.EventPhaseChanged, Phase: types.PhaseIdle, Item: interrupted})
	o.queueLocked(types.CycleEvent{Type: types.EventCycleStopped, Phase: types.PhaseIdle, Item: interrupted})
	o.item = nil
	o.log.Debug("cycle: stopped")
}

// enterLocked switches to phase and schedules its step.
func (o *Orchestrator) enterLocked(phase types.CyclePhase) {
	o.phase = phase
	tok := o.steps.Next()
	o.metrics.RecordPhase(o.itemCtx, phase.String())
	o.queueLocked(types.CycleEvent{Type: types.EventPhaseChanged, Phase: phase, Item: o.item})

	switch phase {
	case types.PhasePrompt:
		o.playLocked(tok, o.item.Prompt)
	case types.PhasePause:
		d := o.cfg.PauseDuration
		o.queueLocked(types.CycleEvent{Type: types.EventPauseStarted, Phase: phase, Item: o.item, PauseDuration: d})
		o.timer = time.AfterFunc(d, func() { o.finish(tok, nil) })
	case types.PhaseVoice1:
		o.playLocked(tok, o.item.Voice1)
	case types.PhaseVoice2:
		o.playLocked(tok, o.item.Voice2)
	case types.PhaseTransition:
		o.inGap = true
		o.timer = time.AfterFunc(o.cfg.TransitionGap, func() { o.gapElapsed(tok) })
	}
}

// advanceLocked moves to the successor of the current phase.
func (o *Orchestrator) advanceLocked() {
	switch o.phase {
	case types.PhasePrompt, types.PhasePause, types.PhaseVoice1:
		o.enterLocked(o.phase.Next())
	case types.PhaseVoice2:
		o.metrics.RecordItemCompleted(o.itemCtx)
		o.queueLocked(types.CycleEvent{Type: types.EventItemCompleted, Phase: types.PhaseVoice2, Item: o.item})
		o.enterLocked(types.PhaseTransition)
	}
}

func (o *Orchestrator) playLocked(tok cancel.Token, ref types.AudioRef) {
	if ref.IsZero() {
		// Nothing to play for this phase.
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.finish(tok, nil)
		}()
		return
	}
	ctx, cancelPlay := context.WithCancel(o.itemCtx)
	o.playCancel = cancelPlay
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancelPlay()

		o.playMu.Lock()
		if !o.steps.Valid(tok) {
			o.playMu.Unlock()
			return
		}
		err := o.sink.Play(ctx, ref)
		o.playMu.Unlock()
		o.finish(tok, err)
	}()
}

// finish completes the step identified by tok. Stale tokens are ignored.
func (o *Orchestrator) finish(tok cancel.Token, err error) {
	o.mu.Lock()
	if !o.steps.Valid(tok) {
		o.mu.Unlock()
		return
	}
	if o.itemCtx.Err() != nil {
		o.stopLocked()
		o.mu.Unlock()
		o.flush()
		return
	}
	o.playCancel = nil
	o.timer = nil
	if err != nil {
		phase := o.phase
		o.log.Warn("cycle: playback failed, continuing", "phase", phase.String(), "err", err)
		o.metrics.RecordAudioError(o.itemCtx, "cycle", phase.String())
		o.queueLocked(types.CycleEvent{
			Type:  types.EventError,
			Phase: phase,
			Item:  o.item,
			Err:   fmt.Errorf("cycle: play %s: %w", phase, err),
		})
	}
	o.advanceLocked()
	o.mu.Unlock()
	o.flush()
}

func (o *Orchestrator) gapElapsed(tok cancel.Token) {
	o.mu.Lock()
	if !o.steps.Valid(tok) {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	o.inGap = false
	if p := o.pending; p != nil {
		o.steps.Next()
		o.beginLocked(p.ctx, p.item)
	}
	o.mu.Unlock()
	o.flush()
}

// ─── Dispatch ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) queueLocked(ev types.CycleEvent) {
	ev.At = o.now()
	o.queue = append(o.queue, ev)
}

// flush delivers queued events in order. Only one goroutine drains at a
// time; a reentrant call from a listener returns immediately and its events
// are picked up by the outer loop.
func (o *Orchestrator) flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.queue) > 0 {
		ev := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()
		o.listeners.Emit(ev)
		o.mu.Lock()
	}
	o.queue = nil
	o.flushing = false
	o.mu.Unlock()
}
