package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/drillcycle/pkg/audio"
)

// Capture reads mono 16-bit microphone frames of a fixed duration.
type Capture struct {
	format audio.Format
	frame  time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	framer  framer
	started bool
}

// NewCapture returns a capture source delivering frames of the given length
// at sampleRate. Nothing is opened until Start.
func NewCapture(sampleRate int, frame time.Duration, log *slog.Logger) *Capture {
	if log == nil {
		log = slog.Default()
	}
	return &Capture{
		format: audio.Format{SampleRate: sampleRate, Channels: 1},
		frame:  frame,
		log:    log,
	}
}

// Format returns the capture format.
func (c *Capture) Format() audio.Format { return c.format }

// Start opens the default capture device and calls onFrame for every complete
// frame until ctx is cancelled or Close is called. onFrame runs on the device
// thread. An error here usually means the microphone is missing or access
// was denied.
func (c *Capture) Start(ctx context.Context, onFrame func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("device: capture already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("device: init capture context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.format.SampleRate)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	c.framer = framer{size: c.format.Bytes(c.frame), emit: onFrame}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			n := min(int(frames)*c.format.FrameSize(), len(in))
			c.framer.write(in[:n])
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: init capture: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: start capture: %w", err)
	}
	c.mctx, c.dev, c.started = mctx, dev, true
	c.log.Debug("capture started", "format", c.format.String(), "frame", c.frame)

	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()
	return nil
}

// Close stops the device. Calling Close more than once is safe.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	var err error
	if stopErr := c.dev.Stop(); stopErr != nil {
		err = fmt.Errorf("device: stop capture: %w", stopErr)
	}
	c.dev.Uninit()
	_ = c.mctx.Uninit()
	c.mctx.Free()
	c.dev, c.mctx = nil, nil
	return err
}

// framer cuts an arbitrary byte stream into fixed-size frames.
type framer struct {
	size int
	buf  []byte
	emit func([]byte)
}

func (f *framer) write(p []byte) {
	if f.size <= 0 {
		return
	}
	f.buf = append(f.buf, p...)
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		f.buf = f.buf[f.size:]
		f.emit(frame)
	}
}
