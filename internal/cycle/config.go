package cycle

import (
	"errors"
	"fmt"
	"time"
)

// Default phase timings.
const (
	DefaultPauseDuration = 4 * time.Second
	DefaultTransitionGap = 500 * time.Millisecond
)

// Config holds the timer-driven phase durations. The zero value of each
// field selects its default.
type Config struct {
	// PauseDuration is the speaking window between the prompt and the first
	// reference voice. Default: [DefaultPauseDuration].
	PauseDuration time.Duration `yaml:"pause_duration"`

	// TransitionGap is the quiet gap after an item before the next prompt may
	// start. Default: [DefaultTransitionGap].
	TransitionGap time.Duration `yaml:"transition_gap"`
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.PauseDuration < 0 {
		errs = append(errs, fmt.Errorf("cycle: pause_duration must not be negative, got %s", c.PauseDuration))
	}
	if c.TransitionGap < 0 {
		errs = append(errs, fmt.Errorf("cycle: transition_gap must not be negative, got %s", c.TransitionGap))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.PauseDuration == 0 {
		c.PauseDuration = DefaultPauseDuration
	}
	if c.TransitionGap == 0 {
		c.TransitionGap = DefaultTransitionGap
	}
	return c
}

// ConfigPatch is a partial update for [Orchestrator.UpdateConfig]. Nil fields
// are left unchanged.
type ConfigPatch struct {
	PauseDuration *time.Duration
	TransitionGap *time.Duration
}

// IsEmpty reports whether the patch changes nothing.
func (p ConfigPatch) IsEmpty() bool {
	return p.PauseDuration == nil && p.TransitionGap == nil
}

func (p ConfigPatch) apply(c Config) Config {
	if p.PauseDuration != nil {
		c.PauseDuration = *p.PauseDuration
	}
	if p.TransitionGap != nil {
		c.TransitionGap = *p.TransitionGap
	}
	return c
}
