// Package config provides the configuration schema, loader, hot-reload
// watcher and backend registry for the drillcycle player.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/drillcycle/internal/commentary"
	"github.com/MrWong99/drillcycle/internal/cycle"
	"github.com/MrWong99/drillcycle/internal/driving"
	"github.com/MrWong99/drillcycle/pkg/provider/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a [slog.Level]. Unknown and empty levels map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Storage backends.
const (
	StorageMemory   = "memory"
	StorageFile     = "file"
	StoragePostgres = "postgres"
)

// Audio backends.
const (
	AudioDevice = "device"
	AudioNull   = "null"
)

// Config is the root configuration, typically loaded with [Load].
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Learner    LearnerConfig     `yaml:"learner"`
	Course     CourseConfig      `yaml:"course"`
	Cycle      cycle.Config      `yaml:"cycle"`
	Commentary commentary.Config `yaml:"commentary"`
	Driving    DrivingConfig     `yaml:"driving"`
	Storage    StorageConfig     `yaml:"storage"`
	VAD        VADConfig         `yaml:"vad"`
	Audio      AudioConfig       `yaml:"audio"`
	Observe    ObserveConfig     `yaml:"observe"`
}

// ServerConfig holds the HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz, /readyz, /events and /state.
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel is hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// LearnerConfig identifies whose progress is tracked.
type LearnerConfig struct {
	ID string `yaml:"id"`
}

// CourseConfig points at the course file.
type CourseConfig struct {
	Path string `yaml:"path"`

	// StartRound is the zero-based round the session begins with.
	StartRound int `yaml:"start_round"`
}

// DrivingConfig selects hands-free playback. The embedded constants tune
// stall recovery and retries.
type DrivingConfig struct {
	Enabled        bool `yaml:"enabled"`
	driving.Config `yaml:",inline"`
}

// StorageConfig selects where commentary progress is persisted.
type StorageConfig struct {
	// Backend is memory, file or postgres. Default: file.
	Backend string `yaml:"backend"`

	// Path is the JSON file of the file backend, and the local fallback of
	// the postgres backend.
	Path string `yaml:"path"`

	// PostgresDSN is the connection string of the postgres backend.
	// Overridden by DRILLCYCLE_POSTGRES_DSN.
	PostgresDSN string `yaml:"postgres_dsn"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of remote storage.
type BreakerConfig struct {
	MaxFailures int           `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Probes      int           `yaml:"probes"`
}

// VADConfig configures microphone voice activity detection for adaptive
// timing.
type VADConfig struct {
	Enabled bool `yaml:"enabled"`

	SampleRate       int     `yaml:"sample_rate"`
	FrameSizeMs      int     `yaml:"frame_size_ms"`
	SpeechThreshold  float64 `yaml:"speech_threshold"`
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// MinConfirmed is the number of loud frames that start speech.
	MinConfirmed int           `yaml:"min_confirmed"`
	Hangover     time.Duration `yaml:"hangover"`

	// SampleInterval is how often the detector is polled during PAUSE.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// AudioConfig selects the playback backend.
type AudioConfig struct {
	// Backend is device or null. Default: device.
	Backend    string `yaml:"backend"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// ObserveConfig configures metrics and tracing.
type ObserveConfig struct {
	ServiceName    string `yaml:"service_name"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Defaults.
const (
	DefaultListenAddr     = "127.0.0.1:8080"
	DefaultStoragePath    = "drillcycle-state.json"
	DefaultVADSampleRate  = 16000
	DefaultVADFrameSizeMs = 20
	DefaultVADThreshold   = 0.02
	DefaultServiceName    = "drillcycle"
)

// ApplyDefaults fills unset fields that have no zero-value default in their
// owning package.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageFile
	}
	if cfg.Storage.Path == "" && cfg.Storage.Backend != StorageMemory {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = AudioDevice
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = DefaultVADSampleRate
	}
	if cfg.VAD.FrameSizeMs == 0 {
		cfg.VAD.FrameSizeMs = DefaultVADFrameSizeMs
	}
	if cfg.VAD.SpeechThreshold == 0 {
		cfg.VAD.SpeechThreshold = DefaultVADThreshold
	}
	if cfg.Observe.ServiceName == "" {
		cfg.Observe.ServiceName = DefaultServiceName
	}
}

// VADSession returns the detector session parameters.
func (c *Config) VADSession() vad.Config {
	return vad.Config{
		SampleRate:       c.VAD.SampleRate,
		FrameSizeMs:      c.VAD.FrameSizeMs,
		SpeechThreshold:  c.VAD.SpeechThreshold,
		SilenceThreshold: c.VAD.SilenceThreshold,
	}
}
