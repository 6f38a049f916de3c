package config

import "github.com/MrWong99/drillcycle/internal/cycle"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// changes carry their new values; everything else is listed in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// CyclePatch holds the phase durations that changed. Empty when none did.
	CyclePatch cycle.ConfigPatch

	// RestartRequired names the sections whose changes take effect on the
	// next start only.
	RestartRequired []string
}

// IsEmpty reports whether nothing changed.
func (d ConfigDiff) IsEmpty() bool {
	return !d.LogLevelChanged && d.CyclePatch.IsEmpty() && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Cycle.PauseDuration != new.Cycle.PauseDuration {
		v := new.Cycle.PauseDuration
		d.CyclePatch.PauseDuration = &v
	}
	if old.Cycle.TransitionGap != new.Cycle.TransitionGap {
		v := new.Cycle.TransitionGap
		d.CyclePatch.TransitionGap = &v
	}

	restart := []struct {
		name    string
		changed bool
	}{
		{"server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr},
		{"learner", old.Learner != new.Learner},
		{"course", old.Course != new.Course},
		{"commentary", old.Commentary != new.Commentary},
		{"driving", old.Driving != new.Driving},
		{"storage", old.Storage != new.Storage},
		{"vad", old.VAD != new.VAD},
		{"audio", old.Audio != new.Audio},
		{"observe", old.Observe != new.Observe},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}
	return d
}
