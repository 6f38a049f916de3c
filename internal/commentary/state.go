package commentary

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// keyPrefix scopes persisted state to a learner, shared by every course.
const keyPrefix = "commentary_global_"

// Key returns the store key holding learnerID's global state.
func Key(learnerID string) string {
	return keyPrefix + learnerID
}

// GlobalState is the learner-scoped progress that survives restarts.
type GlobalState struct {
	InstructionsComplete  bool     `json:"instructionsComplete"`
	InstructionIndex      int      `json:"instructionIndex"`
	EncouragementUrn      []string `json:"encouragementUrn"`
	EncouragementUrnCycle int      `json:"encouragementUrnCycle"`
	WelcomePlayed         bool     `json:"welcomePlayed"`
}

func (g GlobalState) clone() GlobalState {
	g.EncouragementUrn = slices.Clone(g.EncouragementUrn)
	return g
}

// SessionState counts cycles and rounds in the current session only.
type SessionState struct {
	TotalCyclesCompleted int       `json:"totalCyclesCompleted"`
	RoundsCompleted      int       `json:"roundsCompleted"`
	LastCommentaryCycle  int       `json:"lastCommentaryCycle"`
	NextCommentaryCycle  int       `json:"nextCommentaryCycle"`
	StartedAt            time.Time `json:"startedAt"`
}

// Snapshot is a copy of the scheduler state.
type Snapshot struct {
	LearnerID string       `json:"learnerId"`
	Global    GlobalState  `json:"global"`
	Session   SessionState `json:"session"`
}

// load reads the persisted state. A missing key yields the zero state.
func (s *Scheduler) load(ctx context.Context) (GlobalState, error) {
	raw, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		return GlobalState{}, fmt.Errorf("commentary: load %q: %w", s.key, err)
	}
	if !ok {
		return GlobalState{}, nil
	}
	var g GlobalState
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return GlobalState{}, fmt.Errorf("commentary: decode %q: %w", s.key, err)
	}
	if g.InstructionIndex < 0 {
		g.InstructionIndex = 0
	}
	return g, nil
}

// saveLocked persists the global state. The caller holds s.mu.
func (s *Scheduler) saveLocked(ctx context.Context) error {
	raw, err := json.Marshal(s.global)
	if err != nil {
		return fmt.Errorf("commentary: encode state: %w", err)
	}
	if err := s.store.Set(ctx, s.key, string(raw)); err != nil {
		return fmt.Errorf("commentary: save %q: %w", s.key, err)
	}
	return nil
}

// persistLocked saves and swallows failures; in-memory state stays
// authoritative for the session.
func (s *Scheduler) persistLocked(ctx context.Context) {
	if err := s.saveLocked(ctx); err != nil {
		s.metrics.RecordPersistenceError(ctx, "save")
		s.log.Warn("commentary: persist state failed, keeping in-memory state", "learner_id", s.learnerID, "err", err)
	}
}
