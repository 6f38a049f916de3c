// Package vad defines voice activity detection for the speech timing
// analyzer.
//
// Two layers are involved:
//
//   - [Engine] and [SessionHandle] classify individual PCM frames. Each
//     session keeps its own smoothing state.
//   - [Detector] is the polled view the analyzer consumes: Initialize once,
//     then read [Status] as often as needed, Dispose when done.
//
// [StreamDetector] joins the two by feeding frames from a [FrameSource]
// (usually the microphone) through an engine session.
package vad

import (
	"context"
	"errors"
)

// ErrDisposed is returned when a disposed detector is used again.
var ErrDisposed = errors.New("vad: detector disposed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int

	// FrameSizeMs is the duration of each frame passed to ProcessFrame.
	FrameSizeMs int

	// SpeechThreshold is the level above which a frame counts as speech.
	// For the RMS engine this is a normalised RMS level (typical: 0.02).
	SpeechThreshold float64

	// SilenceThreshold is the level below which an active segment may end.
	// Must be <= SpeechThreshold. Zero means SpeechThreshold.
	SilenceThreshold float64
}

// Validate reports whether c is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, errors.New("vad: frame size must be positive"))
	}
	if c.SpeechThreshold <= 0 || c.SpeechThreshold > 1 {
		errs = append(errs, errors.New("vad: speech threshold must be in (0, 1]"))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, errors.New("vad: silence threshold must be in [0, speech threshold]"))
	}
	return errors.Join(errs...)
}

// FrameBytes returns the expected frame length for 16-bit mono PCM.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameSizeMs / 1000 * 2
}

// EventType enumerates per-frame detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech.
	Silence
)

// String returns the lower-case state name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is the detection result for one frame.
type Event struct {
	Type EventType

	// Level is the engine's score for the frame (RMS level or probability).
	Level float64
}

// Speaking reports whether the frame belongs to a speech segment.
func (e Event) Speaking() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// SessionHandle is an active detection session for one audio stream. It is
// not safe for concurrent use.
type SessionHandle interface {
	// ProcessFrame classifies one frame of little-endian 16-bit mono PCM.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears smoothing state without closing the session.
	Reset()

	// Close releases the session. Calling Close twice returns nil.
	Close() error
}

// Engine creates sessions. Implementations must be safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (SessionHandle, error)
}

// Status is the detector's current view of the learner.
type Status struct {
	IsSpeaking bool
}

// Detector is the polled voice activity capability.
type Detector interface {
	// Initialize acquires the microphone. It returns false (with or without
	// an error) when voice activity cannot be measured, for example because
	// permission was denied.
	Initialize(ctx context.Context) (bool, error)

	// Status returns the latest detection state. It never blocks.
	Status() Status

	// Dispose releases the microphone. Calling Dispose twice returns nil.
	Dispose() error
}

// FrameSource produces fixed-size PCM frames until ctx is cancelled or the
// source is closed.
type FrameSource interface {
	Start(ctx context.Context, onFrame func([]byte)) error
	Close() error
}
