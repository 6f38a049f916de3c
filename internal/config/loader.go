package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvPostgresDSN = "DRILLCYCLE_POSTGRES_DSN"
	EnvLearnerID   = "DRILLCYCLE_LEARNER_ID"
	EnvListenAddr  = "DRILLCYCLE_LISTEN_ADDR"
)

// Load reads the YAML file at path, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.Getenv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r and validates it. Environment
// overrides are read through getenv; pass nil to skip them.
func LoadFromReader(r io.Reader, getenv func(string) string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, getenv)
}

func parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with the non-empty environment variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvPostgresDSN); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := getenv(EnvLearnerID); v != "" {
		cfg.Learner.ID = v
	}
	if v := getenv(EnvListenAddr); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// Validate checks cfg and returns every problem joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Learner.ID == "" {
		errs = append(errs, fmt.Errorf("learner.id is required (or set %s)", EnvLearnerID))
	}
	if cfg.Course.Path == "" {
		errs = append(errs, errors.New("course.path is required"))
	}
	if cfg.Course.StartRound < 0 {
		errs = append(errs, fmt.Errorf("course.start_round must not be negative, got %d", cfg.Course.StartRound))
	}

	if err := cfg.Cycle.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Commentary.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Driving.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch cfg.Storage.Backend {
	case StorageMemory, StorageFile:
	case StoragePostgres:
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("storage.postgres_dsn is required for the postgres backend (or set %s)", EnvPostgresDSN))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is invalid; valid values: %s, %s, %s", cfg.Storage.Backend, StorageMemory, StorageFile, StoragePostgres))
	}
	if cfg.Storage.Breaker.MaxFailures < 0 || cfg.Storage.Breaker.Cooldown < 0 || cfg.Storage.Breaker.Probes < 0 {
		errs = append(errs, errors.New("storage.breaker values must not be negative"))
	}

	if !slices.Contains([]string{AudioDevice, AudioNull}, cfg.Audio.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: %s, %s", cfg.Audio.Backend, AudioDevice, AudioNull))
	}
	if cfg.Audio.SampleRate < 0 || cfg.Audio.Channels < 0 {
		errs = append(errs, errors.New("audio.sample_rate and audio.channels must not be negative"))
	}

	if cfg.VAD.Enabled {
		if err := cfg.VADSession().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("vad: %w", err))
		}
		if cfg.VAD.MinConfirmed < 0 || cfg.VAD.Hangover < 0 || cfg.VAD.SampleInterval < 0 {
			errs = append(errs, errors.New("vad: confirmation and timing values must not be negative"))
		}
	}

	return errors.Join(errs...)
}
