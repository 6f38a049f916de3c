package timing

import (
	"time"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// window is the speech observed during one pause.
type window struct {
	pauseStart  time.Time
	firstSpeech time.Time
	lastSpeech  time.Time
}

func (w window) detected() bool {
	return !w.pauseStart.IsZero() && !w.firstSpeech.IsZero()
}

// result turns a window into a [types.TimingResult]. Detected speech spans
// from the first to the last speaking sample plus one sample interval, since
// each sample stands for the interval before it.
func (w window) result(sampleInterval, modelDuration time.Duration) types.TimingResult {
	if !w.detected() {
		return types.TimingResult{}
	}
	latency := max(w.firstSpeech.Sub(w.pauseStart), 0)
	spoken := w.lastSpeech.Sub(w.firstSpeech) + sampleInterval
	delta := spoken - modelDuration
	return types.TimingResult{
		SpeechDetected:  true,
		ResponseLatency: &latency,
		DurationDelta:   &delta,
	}
}
