package app_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/config"
	"github.com/MrWong99/drillcycle/internal/course"
	"github.com/MrWong99/drillcycle/internal/cycle"
	kvmock "github.com/MrWong99/drillcycle/internal/kvstore/mock"
	"github.com/MrWong99/drillcycle/pkg/audio/mock"
	"github.com/MrWong99/drillcycle/pkg/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func ref(id string) types.AudioRef {
	return types.AudioRef{ID: id, URL: "/clips/" + id + ".wav"}
}

// testCourse builds a course of rounds x items. Clip IDs are
// "r<round>i<item>.p", ".v1" and ".v2".
func testCourse(t *testing.T, rounds, items int, withWelcome bool) *course.Course {
	t.Helper()
	cf := &course.File{
		Course:         course.Meta{ID: "test-course"},
		Instructions:   []types.AudioRef{ref("instr-1")},
		Encouragements: []types.AudioRef{ref("enc-1")},
	}
	if withWelcome {
		w := ref("welcome")
		cf.Welcome = &w
	}
	for r := range rounds {
		round := types.Round{LegoID: fmt.Sprintf("L%02d", r)}
		for i := range items {
			id := fmt.Sprintf("r%di%d", r, i)
			round.Items = append(round.Items, types.LearningItem{
				Known:  "known " + id,
				Target: "target " + id,
				Prompt: ref(id + ".p"),
				Voice1: ref(id + ".v1"),
				Voice2: ref(id + ".v2"),
			})
		}
		cf.Rounds = append(cf.Rounds, round)
	}
	c, err := course.New(cf, "")
	if err != nil {
		t.Fatalf("course.New: %v", err)
	}
	return c
}

func itemClips(rounds, items int) [][]string {
	out := make([][]string, rounds)
	for r := range rounds {
		for i := range items {
			id := fmt.Sprintf("r%di%d", r, i)
			out[r] = append(out[r], id+".p", id+".v1", id+".v2")
		}
	}
	return out
}

// testConfig returns a valid config with millisecond gaps, no HTTP listener
// and commentary due after every round.
func testConfig() *config.Config {
	cfg := &config.Config{
		Learner: config.LearnerConfig{ID: "learner-1"},
		Course:  config.CourseConfig{Path: "unused.yaml"},
		Cycle: cycle.Config{
			PauseDuration: time.Millisecond,
			TransitionGap: time.Millisecond,
		},
		Commentary: commentary.Config{MinCycles: 1, MaxCycles: 1},
	}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = ""
	cfg.Driving.PauseDuration = time.Millisecond
	cfg.Driving.TransitionGap = time.Millisecond
	cfg.Driving.PlayRetryDelay = time.Millisecond
	return cfg
}

func newScheduler(t *testing.T, c *course.Course, store *kvmock.Store) *commentary.Scheduler {
	t.Helper()
	s, err := commentary.New(context.Background(), "learner-1", c, store,
		commentary.Config{MinCycles: 1, MaxCycles: 1},
		commentary.WithLogger(quiet),
	)
	if err != nil {
		t.Fatalf("commentary.New: %v", err)
	}
	return s
}

func newOrchestrator(t *testing.T, sink *mock.Sink) *cycle.Orchestrator {
	t.Helper()
	o, err := cycle.New(sink, cycle.Config{PauseDuration: time.Millisecond, TransitionGap: time.Millisecond},
		cycle.WithLogger(quiet),
	)
	if err != nil {
		t.Fatalf("cycle.New: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func waitStarted(t *testing.T, sink *mock.Sink, id string) {
	t.Helper()
	started := sink.Started()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case r := <-started:
			if r.ID == id {
				return
			}
		case <-deadline:
			t.Fatalf("clip %q never started; played %v", id, sink.Played())
		}
	}
}

// kinds records commentary passed to a player.
type kinds struct {
	mu  sync.Mutex
	got []types.CommentaryKind
}

func (k *kinds) add(c types.Commentary) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.got = append(k.got, c.Kind)
}

func (k *kinds) list() []types.CommentaryKind {
	k.mu.Lock()
	defer k.mu.Unlock()
	return slices.Clone(k.got)
}
