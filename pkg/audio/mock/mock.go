// Package mock provides in-memory implementations of [audio.Sink] and
// [audio.Element] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on order and arguments, and expose fields that control results.
//
// Typical usage:
//
//	sink := &mock.Sink{PlayErrs: map[string][]error{"voice1": {errBoom}}}
//	err := sink.Play(ctx, types.AudioRef{ID: "voice1"}) // errBoom
//	err = sink.Play(ctx, types.AudioRef{ID: "voice1"})  // nil
package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/drillcycle/internal/fanout"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
type Sink struct {
	mu sync.Mutex

	// PlayErrs maps a clip ID to the errors returned by successive Play calls
	// for that clip. Once exhausted, Play returns nil.
	PlayErrs map[string][]error

	// FailAll, if non-nil, is returned by every Play call.
	FailAll error

	// Hold makes Play block until Release, Stop or ctx cancellation.
	Hold bool

	// PreloadErr, if non-nil, is returned by Preload.
	PreloadErr error

	// PreloadDelay makes Preload wait before completing.
	PreloadDelay time.Duration

	// --- Call records ---

	// PlayCalls records every clip passed to Play, in order.
	PlayCalls []types.AudioRef

	// PreloadCalls records every clip passed to Preload, in order.
	PreloadCalls []types.AudioRef

	// StopCount is the number of Stop calls.
	StopCount int

	// EvictCalls records every clip passed to Evict, in order.
	EvictCalls []types.AudioRef

	preloaded map[string]bool
	release   chan struct{}
	stopped   chan struct{}
	started   chan types.AudioRef
	ended     fanout.List[types.AudioRef]
}

// Started returns a channel that receives each clip as Play begins. The
// channel is buffered; Play never blocks on it.
func (s *Sink) Started() <-chan types.AudioRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started == nil {
		s.started = make(chan types.AudioRef, 64)
	}
	return s.started
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, ref types.AudioRef) error {
	s.mu.Lock()
	s.PlayCalls = append(s.PlayCalls, ref)
	var err error
	if s.FailAll != nil {
		err = s.FailAll
	} else if errs := s.PlayErrs[ref.ID]; len(errs) > 0 {
		err = errs[0]
		s.PlayErrs[ref.ID] = errs[1:]
	}
	hold := s.Hold
	if s.release == nil {
		s.release = make(chan struct{})
	}
	if s.stopped == nil {
		s.stopped = make(chan struct{})
	}
	release, stopped := s.release, s.stopped
	if s.started != nil {
		select {
		case s.started <- ref:
		default:
		}
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if hold {
		select {
		case <-release:
		case <-stopped:
			return audio.ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	}
	s.ended.Emit(ref)
	return nil
}

// Release ends every held Play call naturally.
func (s *Sink) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.release != nil {
		close(s.release)
	}
	s.release = make(chan struct{})
}

// Stop implements [audio.Sink]. Held Play calls return [audio.ErrStopped].
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCount++
	if s.stopped != nil {
		close(s.stopped)
	}
	s.stopped = make(chan struct{})
}

// Preload implements [audio.Sink].
func (s *Sink) Preload(ctx context.Context, ref types.AudioRef) error {
	s.mu.Lock()
	s.PreloadCalls = append(s.PreloadCalls, ref)
	delay := s.PreloadDelay
	s.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PreloadErr != nil {
		return s.PreloadErr
	}
	if s.preloaded == nil {
		s.preloaded = make(map[string]bool)
	}
	s.preloaded[ref.ID] = true
	return nil
}

// IsPreloaded implements [audio.Sink].
func (s *Sink) IsPreloaded(ref types.AudioRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preloaded[ref.ID]
}

// Evict implements [audio.Evicter].
func (s *Sink) Evict(ref types.AudioRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EvictCalls = append(s.EvictCalls, ref)
	delete(s.preloaded, ref.ID)
}

// Evicted returns a copy of the clip IDs passed to Evict, in order.
func (s *Sink) Evicted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.EvictCalls))
	for i, r := range s.EvictCalls {
		ids[i] = r.ID
	}
	return ids
}

// OnEnded implements [audio.Sink].
func (s *Sink) OnEnded(cb func(types.AudioRef)) func() {
	return s.ended.Add(cb)
}

// Played returns a copy of the clip IDs passed to Play, in order.
func (s *Sink) Played() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.PlayCalls))
	for i, r := range s.PlayCalls {
		ids[i] = r.ID
	}
	return ids
}

// Preloads returns a copy of the clip IDs passed to Preload, in order.
func (s *Sink) Preloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.PreloadCalls))
	for i, r := range s.PreloadCalls {
		ids[i] = r.ID
	}
	return ids
}

// Stops returns StopCount under the lock.
func (s *Sink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCount
}

var (
	_ audio.Sink    = (*Sink)(nil)
	_ audio.Evicter = (*Sink)(nil)
)

// ─── Element ──────────────────────────────────────────────────────────────────

// Element is a mock implementation of [audio.Element]. Tests move the
// playhead with SetTime and SetPaused.
type Element struct {
	mu     sync.Mutex
	time   float64
	paused bool

	// SeekCalls records every SetCurrentTime argument.
	SeekCalls []float64

	// FreezeOnSeek keeps the playhead where it was when SetCurrentTime is
	// called, simulating a stall that a nudge does not fix.
	FreezeOnSeek bool

	// SeekStep, if positive, moves the playhead to the seek target rounded
	// down to a multiple of SeekStep, the way a frame-addressed sink does.
	SeekStep float64
}

// SetTime moves the playhead.
func (e *Element) SetTime(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.time = t
}

// SetPaused sets the paused flag.
func (e *Element) SetPaused(p bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = p
}

// CurrentTime implements [audio.Element].
func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.time
}

// Paused implements [audio.Element].
func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// SetCurrentTime implements [audio.Element].
func (e *Element) SetCurrentTime(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SeekCalls = append(e.SeekCalls, t)
	switch {
	case e.FreezeOnSeek:
	case e.SeekStep > 0:
		e.time = math.Floor(t/e.SeekStep) * e.SeekStep
	default:
		e.time = t
	}
}

// Seeks returns a copy of SeekCalls.
func (e *Element) Seeks() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, len(e.SeekCalls))
	copy(out, e.SeekCalls)
	return out
}

var _ audio.Element = (*Element)(nil)
