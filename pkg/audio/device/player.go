package device

import (
	"sync"

	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// track is one clip being played. done receives exactly one value.
type track struct {
	ref  types.AudioRef
	clip *audio.Clip
	pos  int
	done chan error
}

// player is the hardware-independent half of [Sink]: it owns the current
// track and fills device buffers from it. The device callback runs on a
// miniaudio thread, so every method takes the lock.
type player struct {
	mu     sync.Mutex
	format audio.Format
	cur    *track
	paused bool
}

// load replaces the current track, finishing the old one with err.
func (p *player) load(t *track, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		p.cur.done <- err
	}
	p.cur = t
	p.paused = false
}

// stop finishes the current track with err. It reports whether a track was
// playing.
func (p *player) stop(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return false
	}
	p.cur.done <- err
	p.cur = nil
	return true
}

// fill copies the next len(out) bytes of the current track into out and pads
// the rest with silence. It returns the finished track, if any.
func (p *player) fill(out []byte) *track {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	var finished *track
	if p.cur != nil && !p.paused {
		n = copy(out, p.cur.clip.Data[p.cur.pos:])
		p.cur.pos += n
		if p.cur.pos >= len(p.cur.clip.Data) {
			finished = p.cur
			finished.done <- nil
			p.cur = nil
		}
	}
	clear(out[n:])
	return finished
}

func (p *player) position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return 0
	}
	return p.format.Duration(p.cur.pos).Seconds()
}

func (p *player) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur == nil || p.paused
}

func (p *player) seek(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return
	}
	off := p.format.Bytes(secondsToDuration(seconds))
	p.cur.pos = min(max(off, 0), len(p.cur.clip.Data))
}

func (p *player) setPaused(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = v
}
