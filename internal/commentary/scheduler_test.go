package commentary_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/kvstore/mock"
	"github.com/MrWong99/drillcycle/pkg/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCourse struct {
	instructions   []types.AudioRef
	encouragements []types.AudioRef
	welcome        *types.AudioRef
}

func (c *fakeCourse) Instructions() []types.AudioRef   { return c.instructions }
func (c *fakeCourse) Encouragements() []types.AudioRef { return c.encouragements }
func (c *fakeCourse) WelcomeAudio() *types.AudioRef    { return c.welcome }

func refs(prefix string, n int) []types.AudioRef {
	out := make([]types.AudioRef, n)
	for i := range out {
		id := fmt.Sprintf("%s%d", prefix, i)
		out[i] = types.AudioRef{ID: id, URL: id + ".wav"}
	}
	return out
}

// everyRound makes commentary due after every round.
var everyRound = commentary.Config{MinCycles: 1, MaxCycles: 1}

func newScheduler(t *testing.T, course *fakeCourse, store *mock.Store, cfg commentary.Config) *commentary.Scheduler {
	t.Helper()
	s, err := commentary.New(context.Background(), "learner-1", course, store, cfg,
		commentary.WithLogger(quiet),
		commentary.WithRand(rand.New(rand.NewPCG(1, 2))),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestOnRoundComplete_ReachesThreshold(t *testing.T) {
	t.Parallel()
	course := &fakeCourse{instructions: refs("i", 2)}
	s := newScheduler(t, course, &mock.Store{}, commentary.Config{MinCycles: 27, MaxCycles: 27})

	if got := s.State().Session.NextCommentaryCycle; got != 27 {
		t.Fatalf("initial threshold = %d, want 27", got)
	}
	c, err := s.OnRoundComplete(context.Background(), 5, 30, nil)
	if err != nil {
		t.Fatalf("OnRoundComplete: %v", err)
	}
	if c == nil || c.Kind != types.CommentaryInstruction || c.Audio.ID != "i0" {
		t.Fatalf("commentary = %+v, want instruction i0", c)
	}
	st := s.State().Session
	if st.LastCommentaryCycle != 30 || st.NextCommentaryCycle != 57 {
		t.Errorf("session = %+v, want last 30 next 57", st)
	}
	if st.RoundsCompleted != 1 || st.TotalCyclesCompleted != 30 {
		t.Errorf("counters = %+v", st)
	}
}

func TestOnRoundComplete_BelowThreshold(t *testing.T) {
	t.Parallel()
	course := &fakeCourse{instructions: refs("i", 2)}
	store := &mock.Store{}
	s := newScheduler(t, course, store, commentary.Config{MinCycles: 27, MaxCycles: 27})

	for round := range 2 {
		c, err := s.OnRoundComplete(context.Background(), round, 10, nil)
		if err != nil || c != nil {
			t.Fatalf("round %d: got %+v, %v; want nil", round, c, err)
		}
	}
	if n := len(store.Sets()); n != 0 {
		t.Errorf("state persisted %d times before any commentary", n)
	}
	if _, err := s.OnRoundComplete(context.Background(), 3, -1, nil); err == nil {
		t.Error("negative cycles: expected error")
	}
}

func TestInstructionSequence(t *testing.T) {
	t.Parallel()
	course := &fakeCourse{instructions: refs("i", 3), encouragements: refs("e", 2)}
	s := newScheduler(t, course, &mock.Store{}, everyRound)

	prev := 0
	for i := range 3 {
		c, err := s.OnRoundComplete(context.Background(), i, 1, nil)
		if err != nil {
			t.Fatalf("round %d: %v", i, err)
		}
		if c == nil || c.Kind != types.CommentaryInstruction || c.Audio.ID != fmt.Sprintf("i%d", i) {
			t.Fatalf("round %d: commentary = %+v", i, c)
		}
		g := s.State().Global
		if g.InstructionIndex < prev {
			t.Fatalf("instruction index went from %d to %d", prev, g.InstructionIndex)
		}
		prev = g.InstructionIndex
		if want := g.InstructionIndex == 3; g.InstructionsComplete != want {
			t.Errorf("round %d: complete = %v at index %d", i, g.InstructionsComplete, g.InstructionIndex)
		}
	}

	c, err := s.OnRoundComplete(context.Background(), 3, 1, nil)
	if err != nil {
		t.Fatalf("OnRoundComplete: %v", err)
	}
	if c == nil || c.Kind != types.CommentaryEncouragement {
		t.Errorf("after instructions: %+v, want encouragement", c)
	}
	if done, total := s.InstructionProgress(); done != 3 || total != 3 {
		t.Errorf("progress = %d/%d, want 3/3", done, total)
	}
}

func TestEmptyInstructionsCompleteImmediately(t *testing.T) {
	t.Parallel()
	course := &fakeCourse{encouragements: refs("e", 1)}
	s := newScheduler(t, course, &mock.Store{}, everyRound)

	c, _ := s.OnRoundComplete(context.Background(), 0, 1, nil)
	if c == nil || c.Kind != types.CommentaryEncouragement {
		t.Fatalf("commentary = %+v, want encouragement", c)
	}
	if g := s.State().Global; !g.InstructionsComplete || g.InstructionIndex != 0 {
		t.Errorf("global = %+v", g)
	}
}

func TestEncouragementUrn_EachOncePerCycle(t *testing.T) {
	t.Parallel()
	const n = 6
	course := &fakeCourse{encouragements: refs("e", n)}
	s := newScheduler(t, course, &mock.Store{}, everyRound)

	for cycle := 1; cycle <= 3; cycle++ {
		var drawn []string
		for range n {
			c, err := s.OnRoundComplete(context.Background(), 0, 1, nil)
			if err != nil || c == nil {
				t.Fatalf("draw: %+v, %v", c, err)
			}
			drawn = append(drawn, c.Audio.ID)
		}
		slices.Sort(drawn)
		want := []string{"e0", "e1", "e2", "e3", "e4", "e5"}
		if !slices.Equal(drawn, want) {
			t.Fatalf("urn cycle %d drew %v, want each id once", cycle, drawn)
		}
		if got := s.State().Global.EncouragementUrnCycle; got != cycle {
			t.Errorf("urn cycle = %d, want %d", got, cycle)
		}
	}
}

func TestEncouragementUrn_DropsStaleIDs(t *testing.T) {
	t.Parallel()
	seed, _ := json.Marshal(commentary.GlobalState{
		InstructionsComplete:  true,
		EncouragementUrn:      []string{"retired", "e1"},
		EncouragementUrnCycle: 4,
	})
	store := &mock.Store{Data: map[string]string{commentary.Key("learner-1"): string(seed)}}
	course := &fakeCourse{encouragements: refs("e", 2)}
	s := newScheduler(t, course, store, everyRound)

	c, _ := s.OnRoundComplete(context.Background(), 0, 1, nil)
	if c == nil || c.Audio.ID != "e1" {
		t.Fatalf("commentary = %+v, want e1", c)
	}
	c, _ = s.OnRoundComplete(context.Background(), 1, 1, nil)
	if c == nil || c.Kind != types.CommentaryEncouragement {
		t.Fatalf("commentary = %+v, want encouragement after refill", c)
	}
	if got := s.State().Global.EncouragementUrnCycle; got != 5 {
		t.Errorf("urn cycle = %d, want 5", got)
	}
}

func TestNoCandidates(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, &fakeCourse{}, &mock.Store{}, everyRound)
	c, err := s.OnRoundComplete(context.Background(), 0, 5, nil)
	if err != nil || c != nil {
		t.Errorf("got %+v, %v; want nil", c, err)
	}
	if got := s.State().Session.NextCommentaryCycle; got != 6 {
		t.Errorf("next = %d, want threshold advanced to 6", got)
	}
}

func TestCalculateNextCommentaryCycle_Bounds(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, &fakeCourse{}, &mock.Store{}, commentary.Config{})
	well := &types.PerformanceMetrics{AvgResponseLatency: time.Second, CorrectStreak: 12}

	for range 1000 {
		if n := s.CalculateNextCommentaryCycle(nil); n < 27 || n > 55 {
			t.Fatalf("base interval %d outside [27, 55]", n)
		}
		if n := float64(s.CalculateNextCommentaryCycle(well)); n < 27*1.5 || n > 55*1.5 {
			t.Fatalf("adaptive interval %v outside [40.5, 82.5]", n)
		}
	}
}

func TestCalculateNextCommentaryCycle_AdaptiveRoundsUp(t *testing.T) {
	t.Parallel()
	s := newScheduler(t, &fakeCourse{}, &mock.Store{}, commentary.Config{MinCycles: 27, MaxCycles: 27})
	well := &types.PerformanceMetrics{AvgResponseLatency: time.Second, CorrectStreak: 12}

	if got := s.CalculateNextCommentaryCycle(well); got != 41 {
		t.Errorf("interval = %d, want 41 (27 * 1.5 rounded up)", got)
	}
}

func TestCalculateNextCommentaryCycle_AdaptiveNotShorter(t *testing.T) {
	t.Parallel()
	mk := func() *commentary.Scheduler {
		s, err := commentary.New(context.Background(), "l", &fakeCourse{}, &mock.Store{}, commentary.Config{},
			commentary.WithLogger(quiet),
			commentary.WithRand(rand.New(rand.NewPCG(7, 7))),
		)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	}
	base, adaptive := mk(), mk()
	well := &types.PerformanceMetrics{CorrectStreak: 20, StrugglingItems: 0}
	for range 200 {
		b := base.CalculateNextCommentaryCycle(nil)
		a := adaptive.CalculateNextCommentaryCycle(well)
		if a < b || a != int(float64(b)*1.5) {
			t.Fatalf("adaptive %d vs base %d", a, b)
		}
	}
}

func TestIsDoingWell(t *testing.T) {
	t.Parallel()
	cfg := commentary.Config{}
	tests := []struct {
		name string
		perf *types.PerformanceMetrics
		want bool
	}{
		{"nil", nil, false},
		{"all three", &types.PerformanceMetrics{AvgResponseLatency: time.Second, CorrectStreak: 10}, true},
		{"fast and clean", &types.PerformanceMetrics{AvgResponseLatency: 1500 * time.Millisecond, StrugglingItems: 0}, true},
		{"streak and clean", &types.PerformanceMetrics{CorrectStreak: 11}, true},
		{"only fast", &types.PerformanceMetrics{AvgResponseLatency: time.Second, StrugglingItems: 2}, false},
		{"only clean", &types.PerformanceMetrics{AvgResponseLatency: 3 * time.Second}, false},
		{"latency at threshold", &types.PerformanceMetrics{AvgResponseLatency: 2 * time.Second, StrugglingItems: 1, CorrectStreak: 10}, false},
		{"streak below threshold", &types.PerformanceMetrics{AvgResponseLatency: 3 * time.Second, CorrectStreak: 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.IsDoingWell(tt.perf); got != tt.want {
				t.Errorf("IsDoingWell(%+v) = %v, want %v", tt.perf, got, tt.want)
			}
		})
	}
}

func TestPersistence_ResumesAcrossSchedulers(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	course := &fakeCourse{instructions: refs("i", 3), encouragements: refs("e", 3)}

	first := newScheduler(t, course, store, everyRound)
	for i := range 2 {
		if _, err := first.OnRoundComplete(context.Background(), i, 1, nil); err != nil {
			t.Fatalf("OnRoundComplete: %v", err)
		}
	}
	raw, ok := store.Value(commentary.Key("learner-1"))
	if !ok {
		t.Fatal("state not persisted under commentary_global_learner-1")
	}
	var g commentary.GlobalState
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		t.Fatalf("stored state is not JSON: %v", err)
	}
	if g.InstructionIndex != 2 {
		t.Errorf("stored index = %d, want 2", g.InstructionIndex)
	}

	second := newScheduler(t, course, store, everyRound)
	if st := second.State().Session; st.TotalCyclesCompleted != 0 || st.RoundsCompleted != 0 {
		t.Errorf("new session not fresh: %+v", st)
	}
	c, _ := second.OnRoundComplete(context.Background(), 0, 1, nil)
	if c == nil || c.Audio.ID != "i2" {
		t.Errorf("resumed commentary = %+v, want i2", c)
	}
}

func TestPersistence_FailuresIgnored(t *testing.T) {
	t.Parallel()
	store := &mock.Store{GetErr: errors.New("db down"), SetErr: errors.New("db down")}
	course := &fakeCourse{instructions: refs("i", 1)}
	s := newScheduler(t, course, store, everyRound)

	c, err := s.OnRoundComplete(context.Background(), 0, 1, nil)
	if err != nil {
		t.Fatalf("OnRoundComplete: %v", err)
	}
	if c == nil || c.Audio.ID != "i0" {
		t.Errorf("commentary = %+v, want i0", c)
	}
	if len(store.Sets()) != 1 {
		t.Errorf("save attempts = %d, want 1", len(store.Sets()))
	}
	if !s.State().Global.InstructionsComplete {
		t.Error("in-memory state not updated after failed save")
	}
}

func TestPersistence_CorruptStateUsesDefaults(t *testing.T) {
	t.Parallel()
	store := &mock.Store{Data: map[string]string{commentary.Key("learner-1"): "{not json"}}
	s := newScheduler(t, &fakeCourse{instructions: refs("i", 1)}, store, everyRound)
	if g := s.State().Global; g.InstructionIndex != 0 || g.InstructionsComplete {
		t.Errorf("global = %+v, want zero", g)
	}
}

func TestResetSession(t *testing.T) {
	t.Parallel()
	course := &fakeCourse{instructions: refs("i", 3)}
	s := newScheduler(t, course, &mock.Store{}, everyRound)
	_, _ = s.OnRoundComplete(context.Background(), 0, 4, nil)

	s.ResetSession()
	st := s.State()
	if st.Session.TotalCyclesCompleted != 0 || st.Session.RoundsCompleted != 0 || st.Session.NextCommentaryCycle != 1 {
		t.Errorf("session = %+v", st.Session)
	}
	if st.Global.InstructionIndex != 1 {
		t.Errorf("ResetSession touched global state: %+v", st.Global)
	}
}

func TestResetAll(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	course := &fakeCourse{instructions: refs("i", 1), encouragements: refs("e", 2)}
	s := newScheduler(t, course, store, everyRound)
	for i := range 3 {
		_, _ = s.OnRoundComplete(context.Background(), i, 1, nil)
	}

	if err := s.ResetAll(context.Background()); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	g := s.State().Global
	if g.InstructionIndex != 0 || g.InstructionsComplete || len(g.EncouragementUrn) != 0 || g.EncouragementUrnCycle != 0 {
		t.Errorf("global after reset = %+v", g)
	}
	raw, _ := store.Value(commentary.Key("learner-1"))
	var stored commentary.GlobalState
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatalf("stored state: %v", err)
	}
	if stored.InstructionIndex != 0 || stored.InstructionsComplete {
		t.Errorf("stored after reset = %+v", stored)
	}

	store.SetErr = errors.New("read only")
	if err := s.ResetAll(context.Background()); err == nil {
		t.Error("ResetAll with failing store: expected error")
	}
}

func TestWelcome_OncePerLearner(t *testing.T) {
	t.Parallel()
	store := &mock.Store{}
	course := &fakeCourse{welcome: &types.AudioRef{ID: "welcome", URL: "welcome.wav"}}

	s := newScheduler(t, course, store, everyRound)
	c, err := s.Welcome(context.Background())
	if err != nil || c == nil || c.Kind != types.CommentaryWelcome {
		t.Fatalf("first welcome = %+v, %v", c, err)
	}
	if c, _ := s.Welcome(context.Background()); c != nil {
		t.Errorf("second welcome = %+v, want nil", c)
	}

	again := newScheduler(t, course, store, everyRound)
	if c, _ := again.Welcome(context.Background()); c != nil {
		t.Errorf("welcome in new session = %+v, want nil", c)
	}

	none := newScheduler(t, &fakeCourse{}, &mock.Store{}, everyRound)
	if c, _ := none.Welcome(context.Background()); c != nil {
		t.Errorf("welcome without clip = %+v, want nil", c)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	course := &fakeCourse{}
	store := &mock.Store{}
	if _, err := commentary.New(ctx, "", course, store, commentary.Config{}); err == nil {
		t.Error("empty learner: expected error")
	}
	if _, err := commentary.New(ctx, "l", nil, store, commentary.Config{}); err == nil {
		t.Error("nil course: expected error")
	}
	if _, err := commentary.New(ctx, "l", course, nil, commentary.Config{}); err == nil {
		t.Error("nil store: expected error")
	}
	bad := commentary.Config{MinCycles: 30, MaxCycles: 20, DoingWellMultiplier: 0.5, IndicatorsRequired: 4}
	if _, err := commentary.New(ctx, "l", course, store, bad); err == nil {
		t.Error("invalid config: expected error")
	}
}
