package commentary

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/drillcycle/pkg/types"
)

// Scheduling defaults. MinCycles..MaxCycles approximates five to ten minutes
// at roughly eleven seconds per cycle.
const (
	DefaultMinCycles            = 27
	DefaultMaxCycles            = 55
	DefaultDoingWellMultiplier  = 1.5
	DefaultFastLatencyThreshold = 2000 * time.Millisecond
	DefaultStreakThreshold      = 10
	DefaultMaxStrugglingItems   = 0
	DefaultIndicatorsRequired   = 2
)

// Config tunes the commentary interval. Zero fields select the defaults.
type Config struct {
	// MinCycles and MaxCycles bound the uniformly drawn base interval.
	MinCycles int `yaml:"min_cycles"`
	MaxCycles int `yaml:"max_cycles"`

	// DoingWellMultiplier stretches the interval for a learner who is doing
	// well. Must be at least 1.
	DoingWellMultiplier float64 `yaml:"doing_well_multiplier"`

	// FastLatencyThreshold is the mean response latency below which the
	// latency indicator counts.
	FastLatencyThreshold time.Duration `yaml:"fast_latency_threshold"`

	// StreakThreshold is the correct streak at which the streak indicator
	// counts.
	StreakThreshold int `yaml:"streak_threshold"`

	// MaxStrugglingItems is the highest struggling-item count for which the
	// struggle indicator still counts.
	MaxStrugglingItems int `yaml:"max_struggling_items"`

	// IndicatorsRequired is how many of the three indicators make a learner
	// "doing well".
	IndicatorsRequired int `yaml:"indicators_required"`
}

func (c Config) withDefaults() Config {
	if c.MinCycles == 0 {
		c.MinCycles = DefaultMinCycles
	}
	if c.MaxCycles == 0 {
		c.MaxCycles = DefaultMaxCycles
	}
	if c.DoingWellMultiplier == 0 {
		c.DoingWellMultiplier = DefaultDoingWellMultiplier
	}
	if c.FastLatencyThreshold == 0 {
		c.FastLatencyThreshold = DefaultFastLatencyThreshold
	}
	if c.StreakThreshold == 0 {
		c.StreakThreshold = DefaultStreakThreshold
	}
	if c.IndicatorsRequired == 0 {
		c.IndicatorsRequired = DefaultIndicatorsRequired
	}
	return c
}

// Validate reports every invalid field after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	var errs []error
	if c.MinCycles < 1 {
		errs = append(errs, fmt.Errorf("commentary: min_cycles must be positive, got %d", c.MinCycles))
	}
	if c.MaxCycles < c.MinCycles {
		errs = append(errs, fmt.Errorf("commentary: max_cycles (%d) must not be below min_cycles (%d)", c.MaxCycles, c.MinCycles))
	}
	if c.DoingWellMultiplier < 1 {
		errs = append(errs, fmt.Errorf("commentary: doing_well_multiplier must be at least 1, got %g", c.DoingWellMultiplier))
	}
	if c.FastLatencyThreshold < 0 {
		errs = append(errs, fmt.Errorf("commentary: fast_latency_threshold must not be negative, got %s", c.FastLatencyThreshold))
	}
	if c.StreakThreshold < 0 {
		errs = append(errs, fmt.Errorf("commentary: streak_threshold must not be negative, got %d", c.StreakThreshold))
	}
	if c.MaxStrugglingItems < 0 {
		errs = append(errs, fmt.Errorf("commentary: max_struggling_items must not be negative, got %d", c.MaxStrugglingItems))
	}
	if c.IndicatorsRequired < 1 || c.IndicatorsRequired > 3 {
		errs = append(errs, fmt.Errorf("commentary: indicators_required must be between 1 and 3, got %d", c.IndicatorsRequired))
	}
	return errors.Join(errs...)
}

// IsDoingWell reports whether perf meets at least IndicatorsRequired of: a
// mean latency below FastLatencyThreshold, a streak of StreakThreshold or
// more, and at most MaxStrugglingItems struggling items. A zero latency means
// no samples and never counts as fast. A nil perf is never doing well.
func (c Config) IsDoingWell(perf *types.PerformanceMetrics) bool {
	if perf == nil {
		return false
	}
	c = c.withDefaults()
	n := 0
	if perf.AvgResponseLatency > 0 && perf.AvgResponseLatency < c.FastLatencyThreshold {
		n++
	}
	if perf.CorrectStreak >= c.StreakThreshold {
		n++
	}
	if perf.StrugglingItems <= c.MaxStrugglingItems {
		n++
	}
	return n >= c.IndicatorsRequired
}
