package driving

import (
	"context"

	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/types"
)

// cycleSink is the sink the controller's orchestrator plays through. Each
// Play waits for the round's preload, retries failed attempts and honours
// the stall watchdog. A clip that fails every attempt is handed to the
// controller and Play then holds until the orchestrator is stopped, so the
// cycle never moves past an abandoned clip.
type cycleSink struct {
	c *Controller
}

// Play implements [audio.Sink].
func (s cycleSink) Play(ctx context.Context, ref types.AudioRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.c.awaitBridge(ctx, ref, s.c.currentPreload())
	err := s.c.PlayWithRetry(ctx, ref)
	if err == nil || ctx.Err() != nil {
		return err
	}
	s.c.abandon(ref, err)
	<-ctx.Done()
	return ctx.Err()
}

// Stop implements [audio.Sink].
func (s cycleSink) Stop() { s.c.sink.Stop() }

// Preload implements [audio.Sink].
func (s cycleSink) Preload(ctx context.Context, ref types.AudioRef) error {
	return s.c.sink.Preload(ctx, ref)
}

// IsPreloaded implements [audio.Sink].
func (s cycleSink) IsPreloaded(ref types.AudioRef) bool { return s.c.sink.IsPreloaded(ref) }

// OnEnded implements [audio.Sink].
func (s cycleSink) OnEnded(cb func(types.AudioRef)) func() { return s.c.sink.OnEnded(cb) }

var _ audio.Sink = cycleSink{}
