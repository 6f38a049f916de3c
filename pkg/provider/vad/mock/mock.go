// Package mock provides test doubles for the vad package interfaces.
//
// Use Detector to script what the speech timing analyzer observes; use
// Engine, Session and Source to drive a [vad.StreamDetector] without a
// microphone.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/drillcycle/pkg/provider/vad"
)

// ─── Detector ─────────────────────────────────────────────────────────────────

// Detector is a mock implementation of [vad.Detector].
type Detector struct {
	mu sync.Mutex

	// InitResult and InitErr are returned by Initialize. InitResult defaults
	// to false, so tests that want a working detector set it to true.
	InitResult bool
	InitErr    error

	// DisposeErr is returned by Dispose.
	DisposeErr error

	speaking bool

	// InitCallCount, StatusCallCount and DisposeCallCount count calls.
	InitCallCount    int
	StatusCallCount  int
	DisposeCallCount int
}

// SetSpeaking changes what Status reports.
func (d *Detector) SetSpeaking(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = v
}

// Initialize implements [vad.Detector].
func (d *Detector) Initialize(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InitCallCount++
	return d.InitResult, d.InitErr
}

// Status implements [vad.Detector].
func (d *Detector) Status() vad.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StatusCallCount++
	return vad.Status{IsSpeaking: d.speaking}
}

// Dispose implements [vad.Detector].
func (d *Detector) Dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DisposeCallCount++
	return d.DisposeErr
}

// Calls returns the three call counters under the lock.
func (d *Detector) Calls() (inits, statuses, disposes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.InitCallCount, d.StatusCallCount, d.DisposeCallCount
}

var _ vad.Detector = (*Detector)(nil)

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [vad.Engine].
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil, a new default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call.
	NewSessionCalls []vad.Config
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [vad.SessionHandle]. Each frame whose
// first byte is non-zero is reported as speech.
type Session struct {
	mu sync.Mutex

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// CloseErr is returned by Close.
	CloseErr error

	// FrameCount, ResetCallCount and CloseCallCount count calls.
	FrameCount     int
	ResetCallCount int
	CloseCallCount int
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FrameCount++
	if s.ProcessFrameErr != nil {
		return vad.Event{}, s.ProcessFrameErr
	}
	if len(frame) > 0 && frame[0] != 0 {
		return vad.Event{Type: vad.SpeechContinue, Level: 1}, nil
	}
	return vad.Event{Type: vad.Silence}, nil
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

var _ vad.SessionHandle = (*Session)(nil)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [vad.FrameSource]. Tests push frames with Feed.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start (e.g. permission denied).
	StartErr error

	onFrame        func([]byte)
	StartCallCount int
	CloseCallCount int
}

// Start implements [vad.FrameSource].
func (s *Source) Start(_ context.Context, onFrame func([]byte)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCallCount++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.onFrame = onFrame
	return nil
}

// Feed delivers frame to the registered callback, if any.
func (s *Source) Feed(frame []byte) {
	s.mu.Lock()
	fn := s.onFrame
	s.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

// Close implements [vad.FrameSource].
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.onFrame = nil
	return nil
}

var _ vad.FrameSource = (*Source)(nil)
