package driving_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/drillcycle/internal/driving"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/audio/mock"
	"github.com/MrWong99/drillcycle/pkg/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var errBoom = errors.New("decode failed")

type course []types.Round

func (c course) Rounds() []types.Round { return c }

// newCourse builds rounds×items rounds. Clip IDs read "r<round>i<item>.<clip>".
func newCourse(rounds, items int) course {
	out := make(course, rounds)
	for r := range rounds {
		out[r] = types.Round{LegoID: fmt.Sprintf("L%d", r), Index: r}
		for i := range items {
			id := fmt.Sprintf("r%di%d", r, i)
			out[r].Items = append(out[r].Items, types.LearningItem{
				Known:  id,
				Prompt: types.AudioRef{ID: id + ".p"},
				Voice1: types.AudioRef{ID: id + ".v1"},
				Voice2: types.AudioRef{ID: id + ".v2"},
			})
		}
	}
	return out
}

func clipIDs(c course, round int) []string {
	var ids []string
	for _, it := range c[round].Items {
		ids = append(ids, it.Prompt.ID, it.Voice1.ID, it.Voice2.ID)
	}
	return ids
}

// fastConfig keeps gaps and retries short enough for unit tests.
func fastConfig() driving.Config {
	return driving.Config{
		PauseDuration:         time.Millisecond,
		TransitionGap:         time.Millisecond,
		PlayRetryDelay:        time.Millisecond,
		SilentBridgeThreshold: 500 * time.Millisecond,
	}
}

// events collects controller events.
type events struct {
	mu  sync.Mutex
	evs []driving.Event
	ch  chan driving.Event
}

func record(c *driving.Controller) *events {
	e := &events{ch: make(chan driving.Event, 256)}
	c.Subscribe(func(ev driving.Event) {
		e.mu.Lock()
		e.evs = append(e.evs, ev)
		e.mu.Unlock()
		select {
		case e.ch <- ev:
		default:
		}
	})
	return e
}

func (e *events) wait(t *testing.T, typ driving.EventType) driving.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return driving.Event{}
		}
	}
}

func (e *events) count(typ driving.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func waitStarted(t *testing.T, sink *mock.Sink, id string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	started := sink.Started()
	for {
		select {
		case ref := <-started:
			if ref.ID == id {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s to start; played %v", id, sink.Played())
		}
	}
}

// sleeps records the waits between play attempts without waiting.
type sleeps struct {
	mu sync.Mutex
	ds []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.ds = append(s.ds, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) get() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ds)
}

func newController(t *testing.T, sink *mock.Sink, elem *mock.Element, c course, cfg driving.Config, opts ...driving.Option) *driving.Controller {
	t.Helper()
	var el audio.Element
	if elem != nil {
		el = elem
	}
	ctrl, err := driving.New(sink, el, c, cfg, append([]driving.Option{driving.WithLogger(quiet)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

// ─── Construction ─────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{}
	if _, err := driving.New(nil, nil, newCourse(1, 1), driving.Config{}); err == nil {
		t.Error("expected error for nil sink")
	}
	if _, err := driving.New(sink, nil, nil, driving.Config{}); err == nil {
		t.Error("expected error for nil round source")
	}
	if _, err := driving.New(sink, nil, newCourse(1, 1), driving.Config{PlayMaxRetries: -2}); err == nil {
		t.Error("expected error for retries below NoRetries")
	}
}

// ─── PlayWithRetry ────────────────────────────────────────────────────────────

func TestPlayWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{PlayErrs: map[string][]error{"clip": {errBoom, errBoom}}}
	sl := &sleeps{}
	ctrl := newController(t, sink, nil, newCourse(1, 1), driving.Config{}, driving.WithSleep(sl.sleep))
	ev := record(ctrl)

	if err := ctrl.PlayWithRetry(context.Background(), types.AudioRef{ID: "clip"}); err != nil {
		t.Fatalf("PlayWithRetry: %v", err)
	}
	if got := sink.Played(); len(got) != 3 {
		t.Errorf("played %v, want 3 attempts", got)
	}
	if got := sl.get(); !slices.Equal(got, []time.Duration{time.Second, time.Second}) {
		t.Errorf("sleeps = %v, want two 1s waits", got)
	}
	if n := ev.count(driving.EventClipRetry); n != 2 {
		t.Errorf("clip_retry events = %d, want 2", n)
	}
}

func TestPlayWithRetry_GivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{FailAll: errBoom}
	sl := &sleeps{}
	ctrl := newController(t, sink, nil, newCourse(1, 1), driving.Config{}, driving.WithSleep(sl.sleep))

	err := ctrl.PlayWithRetry(context.Background(), types.AudioRef{ID: "clip"})
	if !errors.Is(err, driving.ErrPlaybackFailed) {
		t.Fatalf("err = %v, want ErrPlaybackFailed", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
	if got := sink.Played(); len(got) != 3 {
		t.Errorf("played %d times, want 3", len(got))
	}
	if got := len(sl.get()); got != 2 {
		t.Errorf("sleeps = %d, want 2", got)
	}
}

func TestPlayWithRetry_NoRetries(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{FailAll: errBoom}
	sl := &sleeps{}
	ctrl := newController(t, sink, nil, newCourse(1, 1), driving.Config{PlayMaxRetries: driving.NoRetries}, driving.WithSleep(sl.sleep))
	ev := record(ctrl)

	err := ctrl.PlayWithRetry(context.Background(), types.AudioRef{ID: "clip"})
	if !errors.Is(err, driving.ErrPlaybackFailed) {
		t.Fatalf("err = %v, want ErrPlaybackFailed", err)
	}
	if got := sink.Played(); len(got) != 1 {
		t.Errorf("played %d times, want a single attempt", len(got))
	}
	if got := sl.get(); len(got) != 0 {
		t.Errorf("sleeps = %v, want none", got)
	}
	if n := ev.count(driving.EventClipRetry); n != 0 {
		t.Errorf("clip_retry events = %d, want 0", n)
	}
}

func TestPlayWithRetry_ContextCancelled(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{FailAll: errBoom}
	ctrl := newController(t, sink, nil, newCourse(1, 1), driving.Config{PlayRetryDelay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := ctrl.PlayWithRetry(ctx, types.AudioRef{ID: "clip"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, driving.ErrPlaybackFailed) {
		t.Error("cancellation must not be reported as playback failure")
	}
}

// ─── Enter / run ──────────────────────────────────────────────────────────────

func TestEnter_PlaysEveryRoundThenExits(t *testing.T) {
	t.Parallel()

	c := newCourse(2, 2)
	sink := &mock.Sink{}
	ctrl := newController(t, sink, nil, c, fastConfig())
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)

	want := append(clipIDs(c, 0), clipIDs(c, 1)...)
	if got := sink.Played(); !slices.Equal(got, want) {
		t.Errorf("played %v\nwant   %v", got, want)
	}
	if n := ev.count(driving.EventRoundFinished); n != 2 {
		t.Errorf("round_finished = %d, want 2", n)
	}
	if ctrl.Active() {
		t.Error("controller still active after last round")
	}
	if ctrl.Exit() != nil {
		t.Error("Exit after natural end should return nil")
	}
}

func TestEnter_StartsAtRound(t *testing.T) {
	t.Parallel()

	c := newCourse(3, 1)
	sink := &mock.Sink{}
	ctrl := newController(t, sink, nil, c, fastConfig())
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 2); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)
	if got := sink.Played(); !slices.Equal(got, clipIDs(c, 2)) {
		t.Errorf("played %v, want only round 2", got)
	}
}

func TestEnter_Errors(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(2, 1), fastConfig())

	for _, idx := range []int{-1, 2} {
		if err := ctrl.Enter(context.Background(), idx); !errors.Is(err, driving.ErrRoundOutOfRange) {
			t.Errorf("Enter(%d) = %v, want ErrRoundOutOfRange", idx, err)
		}
	}
	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := ctrl.Enter(context.Background(), 1); !errors.Is(err, driving.ErrActive) {
		t.Errorf("second Enter = %v, want ErrActive", err)
	}
}

func TestPlayback_FallsBackToNextRound(t *testing.T) {
	t.Parallel()

	c := newCourse(2, 1)
	sink := &mock.Sink{PlayErrs: map[string][]error{"r0i0.v1": {errBoom, errBoom, errBoom}}}
	sl := &sleeps{}
	ctrl := newController(t, sink, nil, c, fastConfig(), driving.WithSleep(sl.sleep))
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	fb := ev.wait(t, driving.EventPlaybackFallback)
	if fb.Clip.ID != "r0i0.v1" || !errors.Is(fb.Err, driving.ErrPlaybackFailed) {
		t.Errorf("fallback event = %+v", fb)
	}
	ev.wait(t, driving.EventExited)

	want := append([]string{"r0i0.p", "r0i0.v1", "r0i0.v1", "r0i0.v1"}, clipIDs(c, 1)...)
	if got := sink.Played(); !slices.Equal(got, want) {
		t.Errorf("played %v\nwant   %v", got, want)
	}
	if n := ev.count(driving.EventRoundFinished); n != 1 {
		t.Errorf("round_finished = %d, want 1 (abandoned round does not finish)", n)
	}
}

// ─── Navigation ───────────────────────────────────────────────────────────────

func TestSkip_NextAndPrevious(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(2, 1), fastConfig())

	if err := ctrl.SkipToNextRound(); !errors.Is(err, driving.ErrNotActive) {
		t.Errorf("skip while inactive = %v, want ErrNotActive", err)
	}
	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")

	if err := ctrl.SkipToNextRound(); err != nil {
		t.Fatalf("SkipToNextRound: %v", err)
	}
	waitStarted(t, sink, "r1i0.p")
	if got := ctrl.Generation(); got != 1 {
		t.Errorf("generation = %d, want 1", got)
	}
	if pos := ctrl.Position(); pos.RoundIndex != 1 {
		t.Errorf("position = %+v, want round 1", pos)
	}

	if err := ctrl.SkipToNextRound(); !errors.Is(err, driving.ErrRoundOutOfRange) {
		t.Errorf("skip past last round = %v, want ErrRoundOutOfRange", err)
	}

	if err := ctrl.SkipToPreviousRound(); err != nil {
		t.Fatalf("SkipToPreviousRound: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	if got := ctrl.Generation(); got != 2 {
		t.Errorf("generation = %d, want 2", got)
	}
}

func TestSkip_PreviousOnFirstRoundRestarts(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(2, 1), fastConfig())

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	sink.Release()
	waitStarted(t, sink, "r0i0.v1")

	if err := ctrl.SkipToPreviousRound(); err != nil {
		t.Fatalf("SkipToPreviousRound: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	if pos := ctrl.Position(); pos != (driving.Position{}) {
		t.Errorf("position = %+v, want round 0 cycle 0", pos)
	}
}

func TestSkip_DiscardsStalePreload(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.SilentBridgeThreshold = 10 * time.Millisecond
	sink := &mock.Sink{Hold: true, PreloadDelay: 50 * time.Millisecond}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(3, 1), cfg)
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	if err := ctrl.SkipToNextRound(); err != nil {
		t.Fatalf("SkipToNextRound: %v", err)
	}
	ev.wait(t, driving.EventPreloadDiscarded)

	if ctrl.Buffered(0) {
		t.Error("round 0 preload finished after the skip and must not be kept")
	}
}

func TestSkip_PreviousAsRoundFinishesIsTaken(t *testing.T) {
	t.Parallel()

	c := newCourse(3, 1)
	sink := &mock.Sink{}
	ctrl := newController(t, sink, nil, c, fastConfig())
	var once sync.Once
	ctrl.Subscribe(func(ev driving.Event) {
		if ev.Type != driving.EventRoundFinished || ev.Position.RoundIndex != 1 {
			return
		}
		once.Do(func() {
			if err := ctrl.SkipToPreviousRound(); err != nil {
				t.Errorf("SkipToPreviousRound: %v", err)
			}
		})
	})
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)

	var want []string
	for _, r := range []int{0, 1, 0, 1, 2} {
		want = append(want, clipIDs(c, r)...)
	}
	if got := sink.Played(); !slices.Equal(got, want) {
		t.Errorf("played %v\nwant   %v", got, want)
	}
}

// ─── Cycle orchestration ──────────────────────────────────────────────────────

// cycleLog collects the events of a controller's orchestrator.
type cycleLog struct {
	mu      sync.Mutex
	evs     []types.CycleEvent
	stopped chan struct{}
}

func recordCycle(c *driving.Controller) *cycleLog {
	l := &cycleLog{stopped: make(chan struct{}, 16)}
	c.Cycle().Subscribe(func(ev types.CycleEvent) {
		l.mu.Lock()
		l.evs = append(l.evs, ev)
		l.mu.Unlock()
		if ev.Type == types.EventCycleStopped {
			select {
			case l.stopped <- struct{}{}:
			default:
			}
		}
	})
	return l
}

func (l *cycleLog) waitStopped(t *testing.T) {
	t.Helper()
	select {
	case <-l.stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for cycle_stopped")
	}
}

func (l *cycleLog) phases() []types.CyclePhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []types.CyclePhase
	for _, ev := range l.evs {
		if ev.Type == types.EventPhaseChanged {
			out = append(out, ev.Phase)
		}
	}
	return out
}

func (l *cycleLog) count(typ types.CycleEventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestCycle_DrivesItemsThroughPhases(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.PauseDuration = 3 * time.Millisecond
	sink := &mock.Sink{}
	ctrl := newController(t, sink, nil, newCourse(1, 2), cfg)
	cl := recordCycle(ctrl)
	ev := record(ctrl)

	if got := ctrl.Cycle().Config().PauseDuration; got != cfg.PauseDuration {
		t.Errorf("cycle pause = %s, want %s", got, cfg.PauseDuration)
	}
	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)
	cl.waitStopped(t)

	item := []types.CyclePhase{types.PhasePrompt, types.PhasePause, types.PhaseVoice1, types.PhaseVoice2, types.PhaseTransition}
	want := append(append(slices.Clone(item), item...), types.PhaseIdle)
	if got := cl.phases(); !slices.Equal(got, want) {
		t.Errorf("phases %v\nwant   %v", got, want)
	}
	if n := cl.count(types.EventItemCompleted); n != 2 {
		t.Errorf("item_completed = %d, want 2", n)
	}
	if n := cl.count(types.EventPauseStarted); n != 2 {
		t.Errorf("pause_started = %d, want 2", n)
	}
	if got := ctrl.Cycle().Phase(); got != types.PhaseIdle {
		t.Errorf("cycle phase after exit = %s, want IDLE", got)
	}
}

func TestCycle_SkipPhaseAdvancesClip(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(1, 1), fastConfig())

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	if got := ctrl.Cycle().Phase(); got != types.PhasePrompt {
		t.Fatalf("phase = %s, want PROMPT", got)
	}
	ctrl.Cycle().SkipPhase()
	waitStarted(t, sink, "r0i0.v1")
	if got := ctrl.Cycle().Item(); got == nil || got.Known != "r0i0" {
		t.Errorf("cycle item = %+v, want r0i0", got)
	}
}

func TestCycle_FallbackStopsWithoutAdvancing(t *testing.T) {
	t.Parallel()

	c := newCourse(2, 1)
	sink := &mock.Sink{PlayErrs: map[string][]error{"r0i0.v2": {errBoom, errBoom, errBoom}}}
	sl := &sleeps{}
	ctrl := newController(t, sink, nil, c, fastConfig(), driving.WithSleep(sl.sleep))
	cl := recordCycle(ctrl)
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)

	// The failed voice2 never completes its item.
	if n := cl.count(types.EventItemCompleted); n != 1 {
		t.Errorf("item_completed = %d, want 1 (round 1 only)", n)
	}
	if n := cl.count(types.EventError); n != 0 {
		t.Errorf("cycle error events = %d, want 0", n)
	}
	want := append([]string{"r0i0.p", "r0i0.v1", "r0i0.v2", "r0i0.v2", "r0i0.v2"}, clipIDs(c, 1)...)
	if got := sink.Played(); !slices.Equal(got, want) {
		t.Errorf("played %v\nwant   %v", got, want)
	}
}

// ─── Preload eviction ─────────────────────────────────────────────────────────

func TestEvict_DropsRoundsBehindWindow(t *testing.T) {
	t.Parallel()

	c := newCourse(4, 1)
	sink := &mock.Sink{}
	ctrl := newController(t, sink, nil, c, fastConfig())
	var (
		mu       sync.Mutex
		atRound2 []string
	)
	ctrl.Subscribe(func(ev driving.Event) {
		if ev.Type == driving.EventRoundStarted && ev.Position.RoundIndex == 2 {
			mu.Lock()
			atRound2 = sink.Evicted()
			mu.Unlock()
		}
	})
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)

	mu.Lock()
	got := atRound2
	mu.Unlock()
	if want := append(clipIDs(c, 0), clipIDs(c, 1)...); !slices.Equal(got, want) {
		t.Errorf("evicted at round 2 = %v\nwant %v", got, want)
	}

	all := sink.Evicted()
	for r := range c {
		for _, id := range clipIDs(c, r) {
			if !slices.Contains(all, id) {
				t.Errorf("%s still cached after exit", id)
			}
		}
	}
}

func TestEvict_KeepsClipsSharedWithWindow(t *testing.T) {
	t.Parallel()

	c := newCourse(3, 1)
	c[2].Items[0].Prompt = c[0].Items[0].Prompt
	sink := &mock.Sink{}
	ctrl := newController(t, sink, nil, c, fastConfig())
	var (
		mu       sync.Mutex
		atRound1 []string
	)
	ctrl.Subscribe(func(ev driving.Event) {
		if ev.Type == driving.EventRoundStarted && ev.Position.RoundIndex == 1 {
			mu.Lock()
			atRound1 = sink.Evicted()
			mu.Unlock()
		}
	})
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	ev.wait(t, driving.EventExited)

	mu.Lock()
	got := atRound1
	mu.Unlock()
	if want := []string{"r0i0.v1", "r0i0.v2"}; !slices.Equal(got, want) {
		t.Errorf("evicted at round 1 = %v, want %v (prompt shared with round 2)", got, want)
	}
}

// ─── Exit / Cleanup ───────────────────────────────────────────────────────────

func TestExit_ReturnsPosition(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(2, 2), fastConfig())
	ev := record(ctrl)

	if ctrl.Exit() != nil {
		t.Error("Exit while inactive should return nil")
	}
	if err := ctrl.Enter(context.Background(), 1); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r1i0.p")
	sink.Release()
	waitStarted(t, sink, "r1i0.v1")
	sink.Release()
	waitStarted(t, sink, "r1i0.v2")
	sink.Release()
	waitStarted(t, sink, "r1i1.p")

	pos := ctrl.Exit()
	if pos == nil {
		t.Fatal("Exit returned nil while active")
	}
	if *pos != (driving.Position{RoundIndex: 1, CycleIndex: 1}) {
		t.Errorf("position = %+v, want {1 1}", *pos)
	}
	ev.wait(t, driving.EventExited)
	if ctrl.Active() {
		t.Error("still active after Exit")
	}
}

func TestExit_ResetsGeneration(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(3, 1), fastConfig())

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	for range 2 {
		if err := ctrl.SkipToNextRound(); err != nil {
			t.Fatalf("SkipToNextRound: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := ctrl.Generation(); got != 2 {
		t.Fatalf("generation = %d, want 2", got)
	}
	ctrl.Exit()
	if got := ctrl.Generation(); got != 0 {
		t.Errorf("generation after exit = %d, want 0", got)
	}

	// Cleanup is safe while inactive.
	ctrl.Cleanup()
	ctrl.Cleanup()
}

func TestContextCancel_Exits(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Hold: true}
	sink.Started()
	ctrl := newController(t, sink, nil, newCourse(1, 1), fastConfig())
	ev := record(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	if err := ctrl.Enter(ctx, 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	cancel()
	ev.wait(t, driving.EventExited)
	if ctrl.Active() {
		t.Error("still active after context cancel")
	}
}

// ─── Resilience ───────────────────────────────────────────────────────────────

func TestSilentBridge_PlaysUnbuffered(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.SilentBridgeThreshold = 10 * time.Millisecond
	sink := &mock.Sink{PreloadDelay: 200 * time.Millisecond}
	ctrl := newController(t, sink, nil, newCourse(1, 1), cfg)
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	br := ev.wait(t, driving.EventSilentBridge)
	if br.Clip.ID != "r0i0.p" {
		t.Errorf("silent bridge clip = %q, want r0i0.p", br.Clip.ID)
	}
	ev.wait(t, driving.EventExited)
	if got := sink.Played(); len(got) != 3 {
		t.Errorf("played %v, want all three clips", got)
	}
}

func TestWatchdog_NudgesThenSkips(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.StallDetectionTimeout = 30 * time.Millisecond
	cfg.WatchdogInterval = 5 * time.Millisecond
	sink := &mock.Sink{Hold: true}
	sink.Started()
	elem := &mock.Element{FreezeOnSeek: true}
	elem.SetTime(3.0)
	ctrl := newController(t, sink, elem, newCourse(1, 1), cfg)
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	ev.wait(t, driving.EventStallNudged)
	ev.wait(t, driving.EventStallSkipped)
	waitStarted(t, sink, "r0i0.v1")

	seeks := elem.Seeks()
	if len(seeks) == 0 || seeks[0] < 3.09 || seeks[0] > 3.11 {
		t.Errorf("seeks = %v, want first nudge to 3.1", seeks)
	}
}

func TestWatchdog_SkipsWhenNudgeLandsOffTarget(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.StallDetectionTimeout = 30 * time.Millisecond
	cfg.WatchdogInterval = 5 * time.Millisecond
	sink := &mock.Sink{Hold: true}
	sink.Started()
	// Seeks snap down to 1024-frame blocks at 16 kHz, so the nudge to 2.6
	// reads back as 2.56.
	elem := &mock.Element{SeekStep: 0.064}
	elem.SetTime(2.5)
	ctrl := newController(t, sink, elem, newCourse(1, 1), cfg)
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	ev.wait(t, driving.EventStallNudged)
	ev.wait(t, driving.EventStallSkipped)
	waitStarted(t, sink, "r0i0.v1")

	seeks := elem.Seeks()
	if len(seeks) == 0 || seeks[0] < 2.59 || seeks[0] > 2.61 {
		t.Errorf("seeks = %v, want first nudge to 2.6", seeks)
	}
}

func TestWatchdog_IgnoresPausedPlayhead(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.StallDetectionTimeout = 20 * time.Millisecond
	cfg.WatchdogInterval = 5 * time.Millisecond
	sink := &mock.Sink{Hold: true}
	sink.Started()
	elem := &mock.Element{}
	elem.SetTime(3.0)
	elem.SetPaused(true)
	ctrl := newController(t, sink, elem, newCourse(1, 1), cfg)
	ev := record(ctrl)

	if err := ctrl.Enter(context.Background(), 0); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	waitStarted(t, sink, "r0i0.p")
	time.Sleep(100 * time.Millisecond)
	if n := ev.count(driving.EventStallNudged); n != 0 {
		t.Errorf("stall_nudged = %d while paused, want 0", n)
	}
}
