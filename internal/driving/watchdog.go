package driving

import "time"

// landingTolerance is the slack, in seconds, allowed past the nudge target.
// Sinks snap seeks to frames or blocks, so the readback rarely equals the
// target.
const landingTolerance = 0.01

type stallAction int

const (
	actNone stallAction = iota
	actNudge
	actSkip
)

func (a stallAction) String() string {
	switch a {
	case actNudge:
		return "nudge"
	case actSkip:
		return "skip"
	default:
		return "none"
	}
}

// stallDetector decides on recovery from playhead samples. It is not safe
// for concurrent use; the watchdog goroutine owns it.
//
// A stall episode begins when the playhead is non-zero, not paused and stops
// moving. After timeout without movement the first action is a nudge; if the
// playhead is still stuck after another timeout, the clip is skipped. A
// playhead that only moved somewhere between the stall point and the nudge
// target is still stuck. Any other movement ends the episode.
type stallDetector struct {
	timeout time.Duration
	nudge   float64

	last   float64
	since  time.Time
	nudged bool
	from   float64
	target float64
}

func newStallDetector(timeout time.Duration, nudge float64) *stallDetector {
	return &stallDetector{timeout: timeout, nudge: nudge}
}

// observe takes one sample and returns the action to perform, if any.
func (d *stallDetector) observe(now time.Time, t float64, paused bool) stallAction {
	if paused || t == 0 {
		d.reset(now, t)
		return actNone
	}
	if d.since.IsZero() {
		d.reset(now, t)
		return actNone
	}
	if t != d.last {
		landed := d.nudged && t >= d.from-landingTolerance && t <= d.target+landingTolerance
		d.last = t
		d.since = now
		if !landed {
			d.nudged = false
		}
		return actNone
	}
	if now.Sub(d.since) < d.timeout {
		return actNone
	}
	d.since = now
	if !d.nudged {
		d.nudged = true
		d.from = t
		d.target = t + d.nudge
		return actNudge
	}
	d.nudged = false
	return actSkip
}

func (d *stallDetector) reset(now time.Time, t float64) {
	d.last = t
	d.since = now
	d.nudged = false
}
