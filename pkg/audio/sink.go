// Package audio defines the playback capability the cycle engine drives and
// the PCM helpers used by concrete backends.
//
// The two abstractions are:
//
//   - [Sink]: plays one clip at a time to completion or error; exposes stop
//     and preload. A single Sink is shared by every phase, so callers always
//     call Stop before issuing a new Play.
//   - [Element]: the playhead view of the same output, used by the driving
//     mode stall watchdog.
//
// Backends live in sub-packages (audio/device for miniaudio output,
// audio/mock for tests). This package lives under pkg/ because hosts embed
// the engine and supply their own Sink.
package audio

import (
	"context"
	"errors"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// ErrStopped is returned by [Sink.Play] when playback was interrupted by
// [Sink.Stop] before the clip ended.
var ErrStopped = errors.New("audio: playback stopped")

// Sink plays clips. Implementations must be safe for concurrent use.
type Sink interface {
	// Play starts ref and blocks until it ends naturally (nil), fails, is
	// stopped (ErrStopped) or ctx is cancelled (ctx.Err()).
	Play(ctx context.Context, ref types.AudioRef) error

	// Stop halts the current clip. Stop with nothing playing is a no-op.
	Stop()

	// Preload fetches and decodes ref so a later Play starts without delay.
	Preload(ctx context.Context, ref types.AudioRef) error

	// IsPreloaded reports whether ref is buffered.
	IsPreloaded(ref types.AudioRef) bool

	// OnEnded registers cb to run after each clip that ends naturally. The
	// returned function unregisters cb.
	OnEnded(cb func(types.AudioRef)) (unsubscribe func())
}

// Evicter is implemented by sinks whose preload cache can drop clips. Hosts
// that walk a long course evict clips they will not play again.
type Evicter interface {
	// Evict drops ref from the preload cache. Evicting a clip that is not
	// cached is a no-op.
	Evict(ref types.AudioRef)
}

// Element exposes the playhead of the clip currently loaded in a [Sink].
type Element interface {
	// CurrentTime is the playhead position in seconds. Zero before playback
	// starts.
	CurrentTime() float64

	// Paused reports whether playback is paused or nothing is loaded.
	Paused() bool

	// SetCurrentTime seeks the playhead to t seconds.
	SetCurrentTime(t float64)
}
