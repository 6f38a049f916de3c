// Package types defines the data shared between the cycle engine packages.
//
// Each engine package owns its own domain types; the structures here cross
// package boundaries (orchestrator events, timing results, course content) and
// live in one place to avoid import cycles.
package types

import (
	"encoding/json"
	"time"
)

// AudioRef identifies one playable clip. ID is stable across sessions and is
// what persisted state refers to; URL is whatever the audio sink understands.
type AudioRef struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`

	// Duration is the nominal clip length. Zero when unknown.
	Duration time.Duration `yaml:"duration" json:"duration"`
}

// IsZero reports whether r refers to no clip at all.
func (r AudioRef) IsZero() bool {
	return r.ID == "" && r.URL == ""
}

// LearningItem is a known/target phrase pair with its three clips. Items are
// immutable once built and owned by the [Round] that contains them.
type LearningItem struct {
	Known  string `yaml:"known" json:"known"`
	Target string `yaml:"target" json:"target"`

	// Prompt is the known-language clip played in the PROMPT phase.
	Prompt AudioRef `yaml:"prompt" json:"prompt"`

	// Voice1 and Voice2 are the two target-language reference recordings.
	Voice1 AudioRef `yaml:"voice1" json:"voice1"`
	Voice2 AudioRef `yaml:"voice2" json:"voice2"`

	// IsNew marks the first introduction of this phrase to the learner.
	IsNew bool `yaml:"is_new" json:"isNew"`
}

// Round is an ordered sequence of items drilling one lego.
type Round struct {
	LegoID string         `yaml:"lego_id" json:"legoId"`
	Index  int            `yaml:"index" json:"index"`
	Items  []LearningItem `yaml:"items" json:"items"`
}

// CyclePhase is the active step of the learning cycle.
type CyclePhase int

const (
	PhaseIdle CyclePhase = iota
	PhasePrompt
	PhasePause
	PhaseVoice1
	PhaseVoice2
	PhaseTransition
)

// String returns the upper-case phase name.
func (p CyclePhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhasePrompt:
		return "PROMPT"
	case PhasePause:
		return "PAUSE"
	case PhaseVoice1:
		return "VOICE_1"
	case PhaseVoice2:
		return "VOICE_2"
	case PhaseTransition:
		return "TRANSITION"
	default:
		return "UNKNOWN"
	}
}

// Next returns the phase that follows p within one item. TRANSITION and IDLE
// have no successor inside the item and return themselves.
func (p CyclePhase) Next() CyclePhase {
	switch p {
	case PhasePrompt:
		return PhasePause
	case PhasePause:
		return PhaseVoice1
	case PhaseVoice1:
		return PhaseVoice2
	case PhaseVoice2:
		return PhaseTransition
	default:
		return p
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p CyclePhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// CycleEventType tags a [CycleEvent].
type CycleEventType int

const (
	EventPhaseChanged CycleEventType = iota
	EventPauseStarted
	EventItemCompleted
	EventCycleStopped
	EventError
)

// String returns the snake_case event name.
func (t CycleEventType) String() string {
	switch t {
	case EventPhaseChanged:
		return "phase_changed"
	case EventPauseStarted:
		return "pause_started"
	case EventItemCompleted:
		return "item_completed"
	case EventCycleStopped:
		return "cycle_stopped"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (t CycleEventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// CycleEvent is the only channel from the orchestrator to its host. Events
// carry copies; no orchestrator state is shared through them.
type CycleEvent struct {
	Type  CycleEventType
	Phase CyclePhase

	// Item is the item in flight, nil for cycle_stopped when nothing was playing.
	Item *LearningItem

	// PauseDuration is set on pause_started.
	PauseDuration time.Duration

	// Err is set on error events.
	Err error

	At time.Time
}

// MarshalJSON renders the event for the event stream.
func (e CycleEvent) MarshalJSON() ([]byte, error) {
	out := struct {
		Type            string        `json:"type"`
		Phase           string        `json:"phase"`
		Item            *LearningItem `json:"item,omitempty"`
		PauseDurationMs int64         `json:"pause_duration_ms,omitempty"`
		Error           string        `json:"error,omitempty"`
		At              time.Time     `json:"at"`
	}{
		Type:            e.Type.String(),
		Phase:           e.Phase.String(),
		Item:            e.Item,
		PauseDurationMs: e.PauseDuration.Milliseconds(),
		At:              e.At,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}

// TimingResult is produced once per cycle by the speech timing analyzer.
// ResponseLatency and DurationDelta are nil when no speech was detected.
type TimingResult struct {
	SpeechDetected  bool
	ResponseLatency *time.Duration
	DurationDelta   *time.Duration
}

// MarshalJSON renders latencies as integer milliseconds, null when absent.
func (r TimingResult) MarshalJSON() ([]byte, error) {
	ms := func(d *time.Duration) *int64 {
		if d == nil {
			return nil
		}
		v := d.Milliseconds()
		return &v
	}
	return json.Marshal(struct {
		SpeechDetected    bool   `json:"speech_detected"`
		ResponseLatencyMs *int64 `json:"response_latency_ms"`
		DurationDeltaMs   *int64 `json:"duration_delta_ms"`
	}{r.SpeechDetected, ms(r.ResponseLatency), ms(r.DurationDelta)})
}

// PerformanceMetrics is a snapshot of recent learner performance reported by
// the host at round boundaries.
type PerformanceMetrics struct {
	// AvgResponseLatency is the mean response latency. Zero means no samples.
	AvgResponseLatency time.Duration

	// CorrectStreak is the number of consecutive cycles answered in time.
	CorrectStreak int

	// StrugglingItems counts items the learner currently fails to answer.
	StrugglingItems int
}

// CommentaryKind classifies a commentary clip.
type CommentaryKind string

const (
	CommentaryWelcome       CommentaryKind = "welcome"
	CommentaryInstruction   CommentaryKind = "instruction"
	CommentaryEncouragement CommentaryKind = "encouragement"
)

// Commentary is a clip the host plays between rounds.
type Commentary struct {
	Kind  CommentaryKind `json:"kind"`
	Audio AudioRef       `json:"audio"`
}
