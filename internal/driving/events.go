package driving

import (
	"encoding/json"
	"time"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// EventType tags an [Event].
type EventType int

const (
	EventRoundStarted EventType = iota
	EventRoundFinished
	EventClipRetry
	EventPlaybackFallback
	EventStallNudged
	EventStallSkipped
	EventSilentBridge
	EventPreloadDiscarded
	EventExited
)

// String returns the snake_case event name.
func (t EventType) String() string {
	switch t {
	case EventRoundStarted:
		return "round_started"
	case EventRoundFinished:
		return "round_finished"
	case EventClipRetry:
		return "clip_retry"
	case EventPlaybackFallback:
		return "playback_fallback"
	case EventStallNudged:
		return "stall_nudged"
	case EventStallSkipped:
		return "stall_skipped"
	case EventSilentBridge:
		return "silent_bridge"
	case EventPreloadDiscarded:
		return "preload_discarded"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Position locates playback within the course.
type Position struct {
	RoundIndex int `json:"roundIndex"`
	CycleIndex int `json:"cycleIndex"`
}

// Event reports something the controller did.
type Event struct {
	Type     EventType
	Position Position

	// Clip is set for clip-level events.
	Clip types.AudioRef

	// Attempt is the failed attempt number on clip_retry.
	Attempt int

	// Err is set on clip_retry and playback_fallback.
	Err error

	At time.Time
}

// MarshalJSON renders the event for the event stream.
func (e Event) MarshalJSON() ([]byte, error) {
	out := struct {
		Type     string    `json:"type"`
		Position Position  `json:"position"`
		ClipID   string    `json:"clip_id,omitempty"`
		Attempt  int       `json:"attempt,omitempty"`
		Error    string    `json:"error,omitempty"`
		At       time.Time `json:"at"`
	}{
		Type:     e.Type.String(),
		Position: e.Position,
		ClipID:   e.Clip.ID,
		Attempt:  e.Attempt,
		At:       e.At,
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.Marshal(out)
}
