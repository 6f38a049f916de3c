// Package null provides a silent [audio.Sink] for headless runs. Each clip
// "plays" for its declared duration and then ends, so hosts and timers
// behave as they would with real output.
package null

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/drillcycle/internal/fanout"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// Sink is a silent sink. The zero value is ready to use.
type Sink struct {
	mu        sync.Mutex
	stopped   chan struct{}
	preloaded map[string]bool
	ended     fanout.List[types.AudioRef]

	// Scale multiplies every clip duration. Zero means 1.
	Scale float64
}

var _ audio.Sink = (*Sink)(nil)

func (s *Sink) stopCh() chan struct{} {
	if s.stopped == nil {
		s.stopped = make(chan struct{})
	}
	return s.stopped
}

// Play implements [audio.Sink]. It returns after ref.Duration, or early with
// [audio.ErrStopped] or the context error.
func (s *Sink) Play(ctx context.Context, ref types.AudioRef) error {
	s.mu.Lock()
	stopped := s.stopCh()
	d := ref.Duration
	if s.Scale > 0 {
		d = time.Duration(float64(d) * s.Scale)
	}
	s.mu.Unlock()

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-stopped:
			return audio.ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}
	s.ended.Emit(ref)
	return nil
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.stopCh())
	s.stopped = make(chan struct{})
}

// Preload implements [audio.Sink].
func (s *Sink) Preload(ctx context.Context, ref types.AudioRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
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

// OnEnded implements [audio.Sink].
func (s *Sink) OnEnded(cb func(types.AudioRef)) (unsubscribe func()) {
	return s.ended.Add(cb)
}
