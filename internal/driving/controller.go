// Package driving plays rounds back to back without user interaction.
//
// The [Controller] walks the course round by round and drills every item of
// a round through its own [cycle.Orchestrator], so driving mode moves through
// the same phases and publishes the same cycle events as normal mode. Three
// mechanisms keep it moving when audio misbehaves:
//
//   - Preloads carry a generation token. Skipping rounds advances the
//     generation and a preload that finishes afterwards is discarded.
//   - A watchdog samples the playhead. A playhead stuck while playing is
//     nudged forward once, then the clip is treated as ended.
//   - Plays are retried a bounded number of times. When every attempt
//     fails the rest of the round is abandoned for the next one.
//
// Clips of rounds that fall out of the preload window are evicted from sinks
// implementing [audio.Evicter]. Every exit path runs [Controller.Cleanup].
package driving

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/drillcycle/internal/cancel"
	"github.com/MrWong99/drillcycle/internal/cycle"
	"github.com/MrWong99/drillcycle/internal/fanout"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/internal/resilience"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

var (
	// ErrPlaybackFailed is returned by [Controller.PlayWithRetry] when every
	// attempt failed.
	ErrPlaybackFailed = errors.New("driving: playback failed")

	// ErrActive is returned by Enter while driving mode runs.
	ErrActive = errors.New("driving: already active")

	// ErrNotActive is returned by the skip methods outside driving mode.
	ErrNotActive = errors.New("driving: not active")

	// ErrRoundOutOfRange is returned for a round index the course lacks.
	ErrRoundOutOfRange = errors.New("driving: round out of range")
)

// Cancellation causes for a round or clip context.
var (
	errSkipRound = errors.New("driving: round skipped")
	errStalled   = errors.New("driving: clip stalled")
)

// RoundSource supplies the rounds to play.
type RoundSource interface {
	Rounds() []types.Round
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics records stalls, retries, fallbacks and silent bridges.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSleep replaces the wait used between play attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithClock overrides the time source of the watchdog and events.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs driving mode. All methods are safe for concurrent use.
type Controller struct {
	sink    audio.Sink
	elem    audio.Element
	rounds  RoundSource
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	orch     *cycle.Orchestrator
	detach   func()
	outcomes chan outcome

	generation cancel.Counter
	events     fanout.List[Event]
	wg         sync.WaitGroup

	mu           sync.Mutex
	active       bool
	pos          Position
	jump         int
	stopRun      context.CancelFunc
	stopWatchdog context.CancelFunc
	skipRound    context.CancelCauseFunc
	skipClip     context.CancelCauseFunc
	current      *preload
	preloads     map[int]*preload
	buffered     map[int]bool
	warm         map[int]bool
	done         chan struct{}
}

// outcome ends the wait for one item: a completion, or the clip that failed
// every attempt.
type outcome struct {
	item types.LearningItem
	clip types.AudioRef
	err  error
}

type preload struct {
	done chan struct{}
}

// New creates an inactive controller. elem may be nil, which disables stall
// detection.
func New(sink audio.Sink, elem audio.Element, rounds RoundSource, cfg Config, opts ...Option) (*Controller, error) {
	if sink == nil {
		return nil, errors.New("driving: sink must not be nil")
	}
	if rounds == nil {
		return nil, errors.New("driving: round source must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		sink:     sink,
		elem:     elem,
		rounds:   rounds,
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		sleep:    resilience.Sleep,
		now:      time.Now,
		outcomes: make(chan outcome, 8),
		preloads: make(map[int]*preload),
		buffered: make(map[int]bool),
		warm:     make(map[int]bool),
	}
	for _, opt := range opts {
		opt(c)
	}

	orch, err := cycle.New(cycleSink{c: c},
		cycle.Config{PauseDuration: c.cfg.PauseDuration, TransitionGap: c.cfg.TransitionGap},
		cycle.WithLogger(c.log),
		cycle.WithMetrics(c.metrics),
		cycle.WithClock(c.now),
	)
	if err != nil {
		return nil, fmt.Errorf("driving: %w", err)
	}
	c.orch = orch
	c.detach = orch.Subscribe(c.onCycle)
	return c, nil
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Enter starts driving mode at roundIndex. Playback runs until the last round
// finishes, Exit is called or ctx is cancelled.
func (c *Controller) Enter(ctx context.Context, roundIndex int) error {
	n := len(c.rounds.Rounds())
	if roundIndex < 0 || roundIndex >= n {
		return fmt.Errorf("%w: %d of %d", ErrRoundOutOfRange, roundIndex, n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrActive
	}
	runCtx, stopRun := context.WithCancel(ctx)
	c.active = true
	c.pos = Position{RoundIndex: roundIndex}
	c.jump = -1
	c.current = nil
	c.stopRun = stopRun
	c.done = make(chan struct{})

	if c.elem != nil {
		wdCtx, stopWatchdog := context.WithCancel(runCtx)
		c.stopWatchdog = stopWatchdog
		c.wg.Add(1)
		go c.watch(wdCtx)
	}

	c.metrics.AddDrivingActive(ctx, 1)
	c.log.Info("driving: entered", "round_index", roundIndex, "rounds", n)

	done := c.done
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.run(runCtx, roundIndex)
	}()
	return nil
}

// Exit stops driving mode and returns where playback was, or nil when
// driving mode was not active.
func (c *Controller) Exit() *Position {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	pos := c.pos
	stop, done := c.stopRun, c.done
	c.mu.Unlock()

	stop()
	c.sink.Stop()
	<-done
	c.log.Info("driving: exited", "round_index", pos.RoundIndex, "cycle_index", pos.CycleIndex)
	return &pos
}

// Cleanup stops the watchdog and resets the preload generation to zero. It
// runs on every exit path and is safe to call at any time.
func (c *Controller) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
}

func (c *Controller) cleanupLocked() {
	if c.stopWatchdog != nil {
		c.stopWatchdog()
		c.stopWatchdog = nil
	}
	c.generation.Reset()
	c.preloads = make(map[int]*preload)
	c.buffered = make(map[int]bool)
}

// Close exits driving mode, closes the orchestrator and waits for background
// work to finish.
func (c *Controller) Close() error {
	c.Exit()
	c.Cleanup()
	c.detach()
	err := c.orch.Close()
	c.wg.Wait()
	return err
}

// ─── Navigation ───────────────────────────────────────────────────────────────

// SkipToNextRound abandons the current round and starts the next one.
func (c *Controller) SkipToNextRound() error {
	return c.skipBy(1)
}

// SkipToPreviousRound abandons the current round and starts the previous
// one. On the first round it restarts that round.
func (c *Controller) SkipToPreviousRound() error {
	return c.skipBy(-1)
}

func (c *Controller) skipBy(delta int) error {
	n := len(c.rounds.Rounds())

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return ErrNotActive
	}
	// A jump not yet taken is the base for the next one.
	from := c.pos.RoundIndex
	if c.jump >= 0 {
		from = c.jump
	}
	target := max(from+delta, 0)
	if target >= n {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d of %d", ErrRoundOutOfRange, target, n)
	}
	gen := c.generation.Next()
	c.jump = target
	c.preloads = make(map[int]*preload)
	if c.skipRound != nil {
		c.skipRound(errSkipRound)
	}
	c.mu.Unlock()

	c.sink.Stop()
	c.log.Info("driving: skipping round", "from", from, "to", target, "generation", gen.Seq())
	return nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// Position returns the current round and cycle.
func (c *Controller) Position() Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// Active reports whether driving mode runs.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Generation returns the preload generation.
func (c *Controller) Generation() uint64 {
	return c.generation.Seq()
}

// Buffered reports whether every clip of roundIndex was preloaded in the
// current generation.
func (c *Controller) Buffered(roundIndex int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered[roundIndex]
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Cycle returns the orchestrator that drills driving-mode items. Its phase,
// item and events describe driving playback; SkipPhase on it skips the
// current clip or gap.
func (c *Controller) Cycle() *cycle.Orchestrator {
	return c.orch
}

// Subscribe registers fn for controller events. fn runs on the controller's
// goroutines and must not block.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	return c.events.Add(fn)
}

func (c *Controller) emit(ev Event) {
	ev.At = c.now()
	c.events.Emit(ev)
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// run plays rounds from start until the course ends or ctx is done. A skip
// requested while no round is in flight is taken before the next round.
func (c *Controller) run(ctx context.Context, start int) {
	defer c.finish(ctx)
	round := start
	for ctx.Err() == nil {
		if target, ok := c.takeJump(); ok {
			round = target
		}
		if round >= len(c.rounds.Rounds()) {
			c.log.Info("driving: all rounds played")
			return
		}
		round = c.playRound(ctx, round)
	}
}

func (c *Controller) takeJump() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.jump
	c.jump = -1
	return target, target >= 0
}

func (c *Controller) finish(ctx context.Context) {
	c.orch.Stop()

	c.mu.Lock()
	c.active = false
	c.skipRound = nil
	c.skipClip = nil
	c.current = nil
	pos := c.pos
	c.cleanupLocked()
	c.mu.Unlock()

	c.evictOutside(-1)
	c.metrics.AddDrivingActive(context.WithoutCancel(ctx), -1)
	c.emit(Event{Type: EventExited, Position: pos})
}

// playRound plays one round and returns the index of the round to play next.
// A skipped round returns idx; run takes the jump target instead.
func (c *Controller) playRound(parent context.Context, idx int) int {
	round := c.rounds.Rounds()[idx]
	ctx, skip := context.WithCancelCause(parent)
	defer skip(nil)

	c.mu.Lock()
	if c.jump >= 0 {
		c.mu.Unlock()
		return idx
	}
	c.pos = Position{RoundIndex: idx}
	c.skipRound = skip
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.skipRound = nil
		c.mu.Unlock()
	}()

	ctx, span := observe.StartSpan(ctx, "driving.round", trace.WithAttributes(
		attribute.Int("round_index", idx),
		attribute.String("lego_id", round.LegoID),
	))
	defer span.End()

	c.evictOutside(idx)
	current := c.startPreload(parent, idx)
	c.mu.Lock()
	c.current = current
	c.mu.Unlock()
	if idx+1 < len(c.rounds.Rounds()) {
		c.startPreload(parent, idx+1)
	}
	c.emit(Event{Type: EventRoundStarted, Position: Position{RoundIndex: idx}})
	log := c.log.With("round_index", idx, "lego_id", round.LegoID)
	log.Debug("driving: round started", "items", len(round.Items))

	for i, it := range round.Items {
		c.mu.Lock()
		c.pos.CycleIndex = i
		c.mu.Unlock()

		out := c.runItem(ctx, it)
		switch {
		case out.err == nil:
		case ctx.Err() != nil:
			return idx
		case errors.Is(out.err, ErrPlaybackFailed):
			c.orch.Stop()
			pos := c.Position()
			log.Warn("driving: clip failed after retries, falling back to next round", "clip_id", out.clip.ID, "err", out.err)
			span.RecordError(out.err)
			c.metrics.RecordPlayFallback(ctx)
			c.emit(Event{Type: EventPlaybackFallback, Position: pos, Clip: out.clip, Err: out.err})
			return idx + 1
		default:
			log.Error("driving: cannot start item", "cycle_index", i, "err", out.err)
			span.RecordError(out.err)
			return len(c.rounds.Rounds())
		}
	}

	c.metrics.RecordRoundPlayed(ctx)
	c.emit(Event{Type: EventRoundFinished, Position: c.Position()})
	log.Debug("driving: round finished")
	return idx + 1
}

// runItem starts it on the orchestrator and waits until the item completes,
// one of its clips is abandoned or ctx is done.
func (c *Controller) runItem(ctx context.Context, it types.LearningItem) outcome {
	if err := ctx.Err(); err != nil {
		return outcome{item: it, err: err}
	}
	for len(c.outcomes) > 0 {
		<-c.outcomes
	}
	if err := c.orch.StartItem(ctx, it); err != nil {
		return outcome{item: it, err: err}
	}
	for {
		select {
		case out := <-c.outcomes:
			if out.item == it {
				return out
			}
		case <-ctx.Done():
			return outcome{item: it, err: ctx.Err()}
		}
	}
}

func (c *Controller) onCycle(ev types.CycleEvent) {
	if ev.Type == types.EventItemCompleted && ev.Item != nil {
		c.report(outcome{item: *ev.Item})
	}
}

// abandon reports that ref failed every attempt for the item in flight.
func (c *Controller) abandon(ref types.AudioRef, err error) {
	if it := c.orch.Item(); it != nil {
		c.report(outcome{item: *it, clip: ref, err: err})
	}
}

func (c *Controller) report(out outcome) {
	select {
	case c.outcomes <- out:
	default:
		c.log.Warn("driving: item outcome dropped", "clip_id", out.clip.ID)
	}
}

// PlayWithRetry plays ref, retrying failed attempts up to PlayMaxRetries
// times PlayRetryDelay apart. [NoRetries] makes a single attempt. A clip cut short by the stall watchdog counts
// as played. When every attempt fails the error wraps
// [ErrPlaybackFailed]; when ctx ends first ctx.Err() is returned.
func (c *Controller) PlayWithRetry(ctx context.Context, ref types.AudioRef) error {
	policy := resilience.RetryPolicy{
		Retries: max(c.cfg.PlayMaxRetries, 0),
		Delay:   c.cfg.PlayRetryDelay,
		Sleep:   c.sleep,
	}
	err := resilience.Retry(ctx, policy,
		func(ctx context.Context, _ int) error {
			return c.playOnce(ctx, ref)
		},
		func(attempt int, err error) {
			c.metrics.RecordPlayRetry(ctx)
			c.log.Debug("driving: play failed, retrying", "clip_id", ref.ID, "attempt", attempt, "err", err)
			c.emit(Event{Type: EventClipRetry, Position: c.Position(), Clip: ref, Attempt: attempt, Err: err})
		},
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %w", ErrPlaybackFailed, ref.ID, err)
}

func (c *Controller) playOnce(ctx context.Context, ref types.AudioRef) error {
	clipCtx, cut := context.WithCancelCause(ctx)
	defer cut(nil)

	c.mu.Lock()
	c.skipClip = cut
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.skipClip = nil
		c.mu.Unlock()
	}()

	c.sink.Stop()
	err := c.sink.Play(clipCtx, ref)
	if errors.Is(context.Cause(clipCtx), errStalled) {
		return nil
	}
	return err
}

// ─── Preloading ───────────────────────────────────────────────────────────────

func roundClips(r types.Round) []types.AudioRef {
	var out []types.AudioRef
	for _, it := range r.Items {
		for _, ref := range []types.AudioRef{it.Prompt, it.Voice1, it.Voice2} {
			if !ref.IsZero() {
				out = append(out, ref)
			}
		}
	}
	return out
}

// startPreload buffers every clip of round idx in the background. The
// result is kept only if the generation is unchanged when it finishes.
func (c *Controller) startPreload(ctx context.Context, idx int) *preload {
	c.mu.Lock()
	if p, ok := c.preloads[idx]; ok {
		c.mu.Unlock()
		return p
	}
	tok := c.generation.Current()
	p := &preload{done: make(chan struct{})}
	c.preloads[idx] = p
	c.warm[idx] = true
	c.mu.Unlock()

	clips := roundClips(c.rounds.Rounds()[idx])
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(p.done)

		failed := 0
		for _, ref := range clips {
			if !c.generation.Valid(tok) || ctx.Err() != nil {
				break
			}
			if c.sink.IsPreloaded(ref) {
				continue
			}
			if err := c.sink.Preload(ctx, ref); err != nil {
				failed++
				c.log.Debug("driving: preload failed", "round_index", idx, "clip_id", ref.ID, "err", err)
			}
		}

		c.mu.Lock()
		if !c.generation.Valid(tok) {
			if c.preloads[idx] == p {
				delete(c.preloads, idx)
			}
			c.mu.Unlock()
			c.log.Debug("driving: stale preload discarded", "round_index", idx, "generation", tok.Seq())
			c.emit(Event{Type: EventPreloadDiscarded, Position: Position{RoundIndex: idx}})
			return
		}
		c.buffered[idx] = failed == 0 && ctx.Err() == nil
		c.mu.Unlock()
	}()
	return p
}

// evictOutside drops the clips of every warmed round other than keep and
// keep+1 from the sink's preload cache. Clips shared with a kept round stay.
// A negative keep evicts everything.
func (c *Controller) evictOutside(keep int) {
	ev, ok := c.sink.(audio.Evicter)
	if !ok {
		return
	}
	rounds := c.rounds.Rounds()
	c.mu.Lock()
	var drop []int
	for r := range c.warm {
		if keep < 0 || (r != keep && r != keep+1) {
			drop = append(drop, r)
			delete(c.warm, r)
		}
	}
	c.mu.Unlock()
	if len(drop) == 0 {
		return
	}

	kept := make(map[string]bool)
	for _, r := range []int{keep, keep + 1} {
		if keep >= 0 && r < len(rounds) {
			for _, ref := range roundClips(rounds[r]) {
				kept[ref.ID] = true
			}
		}
	}
	n := 0
	for _, r := range drop {
		if r >= len(rounds) {
			continue
		}
		for _, ref := range roundClips(rounds[r]) {
			if !kept[ref.ID] {
				ev.Evict(ref)
				n++
			}
		}
	}
	c.log.Debug("driving: evicted preloaded clips", "rounds", drop, "clips", n)
}

func (c *Controller) currentPreload() *preload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// awaitBridge waits for ref to be buffered, at most SilentBridgeThreshold.
// A longer wait is a decode gap: it is reported and ref is played
// unbuffered.
func (c *Controller) awaitBridge(ctx context.Context, ref types.AudioRef, p *preload) {
	if p == nil || c.sink.IsPreloaded(ref) {
		return
	}
	t := time.NewTimer(c.cfg.SilentBridgeThreshold)
	defer t.Stop()
	select {
	case <-p.done:
	case <-ctx.Done():
	case <-t.C:
		pos := c.Position()
		c.metrics.RecordSilentBridge(ctx)
		c.log.Warn("driving: silent bridge exceeded, playing unbuffered",
			"clip_id", ref.ID,
			"round_index", pos.RoundIndex,
			"threshold", c.cfg.SilentBridgeThreshold,
		)
		c.emit(Event{Type: EventSilentBridge, Position: pos, Clip: ref})
	}
}

// ─── Watchdog ─────────────────────────────────────────────────────────────────

func (c *Controller) watch(ctx context.Context) {
	defer c.wg.Done()
	det := newStallDetector(c.cfg.StallDetectionTimeout, c.cfg.StallNudge)
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t := c.elem.CurrentTime()
		switch act := det.observe(c.now(), t, c.elem.Paused()); act {
		case actNudge:
			c.elem.SetCurrentTime(t + c.cfg.StallNudge)
			c.recordStall(ctx, act, EventStallNudged, t)
		case actSkip:
			c.mu.Lock()
			cut := c.skipClip
			c.mu.Unlock()
			if cut != nil {
				cut(errStalled)
			}
			c.recordStall(ctx, act, EventStallSkipped, t)
		}
	}
}

func (c *Controller) recordStall(ctx context.Context, act stallAction, typ EventType, at float64) {
	pos := c.Position()
	c.metrics.RecordStall(ctx, act.String())
	c.log.Warn("driving: playback stalled",
		"action", act.String(),
		"current_time", at,
		"round_index", pos.RoundIndex,
		"cycle_index", pos.CycleIndex,
	)
	c.emit(Event{Type: typ, Position: pos})
}
