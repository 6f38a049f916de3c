package driving

import (
	"errors"
	"fmt"
	"time"
)

// Defaults for driving-mode resilience. The stall thresholds are product
// tuned; override them through [Config] rather than changing them here.
const (
	DefaultStallDetectionTimeout = 5 * time.Second
	DefaultWatchdogInterval      = 1250 * time.Millisecond
	DefaultStallNudge            = 0.1
	DefaultPlayMaxRetries        = 2
	DefaultPlayRetryDelay        = 1000 * time.Millisecond
	DefaultSilentBridgeThreshold = 2 * time.Second
	DefaultPauseDuration         = 4 * time.Second
	DefaultTransitionGap         = 500 * time.Millisecond
)

// NoRetries as PlayMaxRetries makes a single play attempt. Zero selects
// [DefaultPlayMaxRetries].
const NoRetries = -1

// Config holds the driving-mode constants. Zero fields select the defaults.
type Config struct {
	// StallDetectionTimeout is how long the playhead may sit still while
	// playing before recovery starts.
	StallDetectionTimeout time.Duration `yaml:"stall_detection_timeout"`

	// WatchdogInterval is the playhead sampling period.
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`

	// StallNudge is the forward seek, in seconds, tried once per stall.
	StallNudge float64 `yaml:"stall_nudge"`

	// PlayMaxRetries is the number of attempts after the first failed play.
	// Zero selects the default; [NoRetries] disables retrying.
	PlayMaxRetries int `yaml:"play_max_retries"`

	// PlayRetryDelay separates play attempts.
	PlayRetryDelay time.Duration `yaml:"play_retry_delay"`

	// SilentBridgeThreshold is the longest wait for a buffered clip between
	// two clips of a round. Longer gaps are treated as decode gaps and the
	// clip is played unbuffered.
	SilentBridgeThreshold time.Duration `yaml:"silent_bridge_threshold"`

	// PauseDuration is the speaking window after each prompt.
	PauseDuration time.Duration `yaml:"pause_duration"`

	// TransitionGap separates items.
	TransitionGap time.Duration `yaml:"transition_gap"`
}

func (c Config) withDefaults() Config {
	if c.StallDetectionTimeout == 0 {
		c.StallDetectionTimeout = DefaultStallDetectionTimeout
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = DefaultWatchdogInterval
	}
	if c.StallNudge == 0 {
		c.StallNudge = DefaultStallNudge
	}
	if c.PlayMaxRetries == 0 {
		c.PlayMaxRetries = DefaultPlayMaxRetries
	}
	if c.PlayRetryDelay == 0 {
		c.PlayRetryDelay = DefaultPlayRetryDelay
	}
	if c.SilentBridgeThreshold == 0 {
		c.SilentBridgeThreshold = DefaultSilentBridgeThreshold
	}
	if c.PauseDuration == 0 {
		c.PauseDuration = DefaultPauseDuration
	}
	if c.TransitionGap == 0 {
		c.TransitionGap = DefaultTransitionGap
	}
	return c
}

// Validate reports every negative field other than a [NoRetries]
// PlayMaxRetries.
func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"stall_detection_timeout", c.StallDetectionTimeout},
		{"watchdog_interval", c.WatchdogInterval},
		{"play_retry_delay", c.PlayRetryDelay},
		{"silent_bridge_threshold", c.SilentBridgeThreshold},
		{"pause_duration", c.PauseDuration},
		{"transition_gap", c.TransitionGap},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("driving: %s must not be negative, got %s", d.name, d.d))
		}
	}
	if c.StallNudge < 0 {
		errs = append(errs, fmt.Errorf("driving: stall_nudge must not be negative, got %g", c.StallNudge))
	}
	if c.PlayMaxRetries < NoRetries {
		errs = append(errs, fmt.Errorf("driving: play_max_retries must be %d or more, got %d", NoRetries, c.PlayMaxRetries))
	}
	if c.WatchdogInterval > 0 && c.StallDetectionTimeout > 0 && c.WatchdogInterval > c.StallDetectionTimeout {
		errs = append(errs, fmt.Errorf("driving: watchdog_interval (%s) exceeds stall_detection_timeout (%s)", c.WatchdogInterval, c.StallDetectionTimeout))
	}
	return errors.Join(errs...)
}
