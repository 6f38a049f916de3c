package vad

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// StreamDetector is a [Detector] that runs frames from a [FrameSource]
// through an [Engine] session.
type StreamDetector struct {
	engine Engine
	source FrameSource
	cfg    Config
	log    *slog.Logger

	speaking atomic.Bool

	mu       sync.Mutex
	session  SessionHandle
	cancel   context.CancelFunc
	disposed bool
	frameErr bool
}

// NewStreamDetector returns a detector that is inert until Initialize.
func NewStreamDetector(engine Engine, source FrameSource, cfg Config, log *slog.Logger) *StreamDetector {
	if log == nil {
		log = slog.Default()
	}
	return &StreamDetector{engine: engine, source: source, cfg: cfg, log: log}
}

// Initialize implements [Detector].
func (d *StreamDetector) Initialize(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return false, ErrDisposed
	}
	if d.session != nil {
		return true, nil
	}

	sess, err := d.engine.NewSession(d.cfg)
	if err != nil {
		return false, fmt.Errorf("vad: new session: %w", err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := d.source.Start(runCtx, d.onFrame); err != nil {
		cancel()
		_ = sess.Close()
		return false, fmt.Errorf("vad: start source: %w", err)
	}
	d.session, d.cancel = sess, cancel
	return true, nil
}

func (d *StreamDetector) onFrame(frame []byte) {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess == nil {
		return
	}
	ev, err := sess.ProcessFrame(frame)
	if err != nil {
		d.mu.Lock()
		first := !d.frameErr
		d.frameErr = true
		d.mu.Unlock()
		if first {
			d.log.Warn("vad: frame rejected", "err", err, "bytes", len(frame))
		}
		return
	}
	d.speaking.Store(ev.Speaking())
}

// Status implements [Detector].
func (d *StreamDetector) Status() Status {
	return Status{IsSpeaking: d.speaking.Load()}
}

// Dispose implements [Detector].
func (d *StreamDetector) Dispose() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}
	d.disposed = true
	sess, cancel := d.session, d.cancel
	d.session, d.cancel = nil, nil
	d.mu.Unlock()

	d.speaking.Store(false)
	if cancel == nil {
		return nil
	}
	cancel()
	srcErr := d.source.Close()
	sessErr := sess.Close()
	if srcErr != nil {
		return fmt.Errorf("vad: close source: %w", srcErr)
	}
	if sessErr != nil {
		return fmt.Errorf("vad: close session: %w", sessErr)
	}
	return nil
}

var _ Detector = (*StreamDetector)(nil)
