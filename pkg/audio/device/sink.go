// Package device plays clips and captures microphone input through
// miniaudio (github.com/gen2brain/malgo).
//
// [Sink] implements both [audio.Sink] and [audio.Element] on one playback
// device; clips are 16-bit PCM WAV files converted to the device format when
// loaded. [Capture] delivers fixed-size microphone frames for voice activity
// detection.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/drillcycle/internal/fanout"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// DefaultFormat is the playback format used when none is configured.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2}

// ErrClosed is returned by Sink methods after Close.
var ErrClosed = errors.New("device: sink closed")

// Option configures a [Sink].
type Option func(*Sink)

// WithFormat sets the device output format.
func WithFormat(f audio.Format) Option {
	return func(s *Sink) { s.player.format = f }
}

// WithLoader replaces [DefaultLoader].
func WithLoader(l Loader) Option {
	return func(s *Sink) { s.load = l }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.log = l }
}

// Sink is a miniaudio playback device.
type Sink struct {
	player player
	load   Loader
	log    *slog.Logger

	mu     sync.Mutex
	cache  map[string]*audio.Clip
	closed bool

	ended fanout.List[types.AudioRef]

	mctx *malgo.AllocatedContext
	dev  *malgo.Device
}

// New opens the default playback device and starts it. The device plays
// silence while no clip is loaded.
func New(opts ...Option) (*Sink, error) {
	s := newSink(opts...)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		s.log.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	s.mctx = mctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(s.player.format.Channels)
	cfg.SampleRate = uint32(s.player.format.SampleRate)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(s.player.format.SampleRate / 50)

	s.dev, err = malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frames uint32) {
			n := min(int(frames)*s.player.format.FrameSize(), len(out))
			if t := s.player.fill(out[:n]); t != nil {
				s.ended.Emit(t.ref)
			}
		},
	})
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("device: init playback: %w", err)
	}
	if err := s.dev.Start(); err != nil {
		s.dev.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("device: start playback: %w", err)
	}
	return s, nil
}

func newSink(opts ...Option) *Sink {
	s := &Sink{
		load:  DefaultLoader,
		log:   slog.Default(),
		cache: make(map[string]*audio.Clip),
	}
	s.player.format = DefaultFormat
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sink) freeContext() {
	if s.mctx == nil {
		return
	}
	_ = s.mctx.Uninit()
	s.mctx.Free()
	s.mctx = nil
}

// clip returns the decoded clip for ref, from the preload cache when present.
func (s *Sink) clip(ctx context.Context, ref types.AudioRef) (*audio.Clip, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	c, ok := s.cache[ref.ID]
	s.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := decode(ctx, s.load, ref.URL, s.player.format)
	if err != nil {
		return nil, fmt.Errorf("device: load %s: %w", ref.ID, err)
	}
	return c, nil
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, ref types.AudioRef) error {
	c, err := s.clip(ctx, ref)
	if err != nil {
		return err
	}
	t := &track{ref: ref, clip: c, done: make(chan error, 1)}
	s.player.load(t, audio.ErrStopped)

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		// Only stop the device if this clip is still the loaded one.
		s.player.mu.Lock()
		if s.player.cur == t {
			s.player.cur = nil
		}
		s.player.mu.Unlock()
		return ctx.Err()
	}
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() {
	s.player.stop(audio.ErrStopped)
}

// Preload implements [audio.Sink].
func (s *Sink) Preload(ctx context.Context, ref types.AudioRef) error {
	c, err := s.clip(ctx, ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[ref.ID] = c
	return nil
}

// IsPreloaded implements [audio.Sink].
func (s *Sink) IsPreloaded(ref types.AudioRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cache[ref.ID]
	return ok
}

// Evict implements [audio.Evicter].
func (s *Sink) Evict(ref types.AudioRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, ref.ID)
}

// OnEnded implements [audio.Sink]. Callbacks run on the device thread and
// must not block.
func (s *Sink) OnEnded(cb func(types.AudioRef)) func() {
	return s.ended.Add(cb)
}

// CurrentTime implements [audio.Element].
func (s *Sink) CurrentTime() float64 { return s.player.position() }

// Paused implements [audio.Element].
func (s *Sink) Paused() bool { return s.player.idle() }

// SetCurrentTime implements [audio.Element].
func (s *Sink) SetCurrentTime(t float64) { s.player.seek(t) }

// Pause suspends the current clip without finishing it.
func (s *Sink) Pause() { s.player.setPaused(true) }

// Resume continues a paused clip.
func (s *Sink) Resume() { s.player.setPaused(false) }

// Close stops playback and releases the device.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.player.stop(ErrClosed)
	var errs []error
	if s.dev != nil {
		if err := s.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("device: stop playback: %w", err))
		}
		s.dev.Uninit()
	}
	s.freeContext()
	return errors.Join(errs...)
}

var (
	_ audio.Sink    = (*Sink)(nil)
	_ audio.Element = (*Sink)(nil)
	_ audio.Evicter = (*Sink)(nil)
)
