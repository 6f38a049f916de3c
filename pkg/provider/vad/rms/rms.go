// Package rms implements a lightweight energy-based VAD engine.
//
// A frame counts as loud when its normalised RMS level exceeds the speech
// threshold. Speech starts after MinConfirmed consecutive loud frames, which
// filters out clicks and breath pops, and ends after the level has stayed
// below the silence threshold for the hangover period.
package rms

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/provider/vad"
)

const (
	// DefaultMinConfirmed is the number of consecutive loud frames needed to
	// start a speech segment.
	DefaultMinConfirmed = 3

	// DefaultHangover is how long the level must stay quiet to end a segment.
	DefaultHangover = 300 * time.Millisecond
)

// ErrClosed is returned by ProcessFrame after Close.
var ErrClosed = errors.New("rms: session closed")

// Engine creates RMS sessions. The zero value uses the defaults.
type Engine struct {
	MinConfirmed int
	Hangover     time.Duration
}

// NewSession implements [vad.Engine].
func (e Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	minConfirmed := e.MinConfirmed
	if minConfirmed <= 0 {
		minConfirmed = DefaultMinConfirmed
	}
	hangover := e.Hangover
	if hangover <= 0 {
		hangover = DefaultHangover
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = cfg.SpeechThreshold
	}
	frame := time.Duration(cfg.FrameSizeMs) * time.Millisecond
	return &Session{
		cfg:           cfg,
		silence:       silence,
		minConfirmed:  minConfirmed,
		hangoverFrame: max(1, int(hangover/frame)),
		frameBytes:    cfg.FrameBytes(),
	}, nil
}

// Session is a per-stream RMS detector.
type Session struct {
	cfg           vad.Config
	silence       float64
	minConfirmed  int
	hangoverFrame int
	frameBytes    int

	speaking bool
	loud     int
	quiet    int
	closed   bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	if s.closed {
		return vad.Event{}, ErrClosed
	}
	if len(frame) != s.frameBytes {
		return vad.Event{}, fmt.Errorf("rms: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}
	level := audio.RMS(frame)

	if !s.speaking {
		if level > s.cfg.SpeechThreshold {
			s.loud++
			if s.loud >= s.minConfirmed {
				s.speaking = true
				s.quiet = 0
				return vad.Event{Type: vad.SpeechStart, Level: level}, nil
			}
		} else {
			s.loud = 0
		}
		return vad.Event{Type: vad.Silence, Level: level}, nil
	}

	if level < s.silence {
		s.quiet++
		if s.quiet >= s.hangoverFrame {
			s.speaking = false
			s.loud = 0
			s.quiet = 0
			return vad.Event{Type: vad.SpeechEnd, Level: level}, nil
		}
	} else {
		s.quiet = 0
	}
	return vad.Event{Type: vad.SpeechContinue, Level: level}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.speaking = false
	s.loud = 0
	s.quiet = 0
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.closed = true
	return nil
}

var (
	_ vad.Engine        = Engine{}
	_ vad.SessionHandle = (*Session)(nil)
)
