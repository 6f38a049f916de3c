package audio

import (
	"fmt"
	"math"
	"time"
)

// Format describes interleaved signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// FrameSize is the number of bytes per interleaved sample frame.
func (f Format) FrameSize() int {
	return f.Channels * 2
}

// Duration returns how long n bytes of PCM in this format play for.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the byte offset of position d, aligned to a frame boundary.
func (f Format) Bytes(d time.Duration) int {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	frames := int(d * time.Duration(f.SampleRate) / time.Second)
	return frames * f.FrameSize()
}

// Clip is a fully decoded clip.
type Clip struct {
	Format Format
	Data   []byte
}

// Duration returns the playing time of the clip.
func (c *Clip) Duration() time.Duration {
	return c.Format.Duration(len(c.Data))
}

// Convert returns the clip in format to. Resampling uses linear interpolation
// per channel; channel conversion averages down or duplicates up. A clip that
// already matches is returned as is.
func (c *Clip) Convert(to Format) (*Clip, error) {
	if to.SampleRate <= 0 || to.Channels <= 0 {
		return nil, fmt.Errorf("audio: convert: invalid target format %s", to)
	}
	if c.Format.SampleRate <= 0 || c.Format.Channels <= 0 {
		return nil, fmt.Errorf("audio: convert: invalid source format %s", c.Format)
	}
	if c.Format == to {
		return c, nil
	}
	if len(c.Data)%c.Format.FrameSize() != 0 {
		return nil, fmt.Errorf("audio: convert: %d bytes is not a whole number of %s frames", len(c.Data), c.Format)
	}
	pcm := c.Data
	// Resample at the source channel count when downmixing and at the target
	// count when upmixing, whichever is fewer channels.
	if to.Channels < c.Format.Channels {
		pcm = remix(pcm, c.Format.Channels, to.Channels)
		pcm = resample(pcm, to.Channels, c.Format.SampleRate, to.SampleRate)
	} else {
		pcm = resample(pcm, c.Format.Channels, c.Format.SampleRate, to.SampleRate)
		pcm = remix(pcm, c.Format.Channels, to.Channels)
	}
	return &Clip{Format: to, Data: pcm}, nil
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func putSample(pcm []byte, i int, s int16) {
	pcm[2*i] = byte(s)
	pcm[2*i+1] = byte(s >> 8)
}

// remix converts between channel counts. Going down, each output channel is
// the mean of all input channels; going up, the mono mix is duplicated.
func remix(pcm []byte, from, to int) []byte {
	if from == to {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*to*2)
	for f := range frames {
		var sum int32
		for ch := range from {
			sum += int32(sampleAt(pcm, f*from+ch))
		}
		mixed := int16(sum / int32(from))
		for ch := range to {
			putSample(out, f*to+ch, mixed)
		}
	}
	return out
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	srcFrames := len(pcm) / (2 * channels)
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = srcFrames - 1
		}
		for ch := range channels {
			a := float64(sampleAt(pcm, idx*channels+ch))
			b := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(a+(b-a)*frac))
		}
	}
	return out
}

// RMS returns the root mean square level of 16-bit PCM, normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(sampleAt(pcm, i)) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// SilentSpan returns the longest run of frames whose level stays below
// threshold, scanning in windows of the given duration.
func SilentSpan(c *Clip, window time.Duration, threshold float64) time.Duration {
	step := c.Format.Bytes(window)
	if step == 0 {
		return 0
	}
	var longest, run time.Duration
	for off := 0; off < len(c.Data); off += step {
		end := min(off+step, len(c.Data))
		if RMS(c.Data[off:end]) < threshold {
			run += c.Format.Duration(end - off)
			longest = max(longest, run)
			continue
		}
		run = 0
	}
	return longest
}
