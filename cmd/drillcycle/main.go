// Command drillcycle plays a spaced-repetition audio drill course.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/MrWong99/drillcycle/internal/app"
	"github.com/MrWong99/drillcycle/internal/config"
	"github.com/MrWong99/drillcycle/internal/kvstore"
	"github.com/MrWong99/drillcycle/internal/observe"
	"github.com/MrWong99/drillcycle/internal/resilience"
	"github.com/MrWong99/drillcycle/pkg/audio"
	"github.com/MrWong99/drillcycle/pkg/audio/device"
	"github.com/MrWong99/drillcycle/pkg/audio/null"
	"github.com/MrWong99/drillcycle/pkg/provider/vad"
	"github.com/MrWong99/drillcycle/pkg/provider/vad/rms"
)

// shutdownTimeout bounds the graceful shutdown after Run returns.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "drillcycle.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	drivingMode := flag.Bool("driving", false, "start in hands-free driving mode")
	listenAddr := flag.String("listen", "", "override server.listen_addr")
	watch := flag.Bool("watch", true, "reload cycle timing and log level when the config file changes")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "drillcycle: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var (
		application *app.App
		watcher     *config.Watcher
		cfg         *config.Config
		err         error
	)
	if *watch {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			if application != nil {
				application.ApplyConfig(old, new)
			}
		})
		if err == nil {
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "drillcycle: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "drillcycle: %v\n", err)
		}
		return 1
	}
	if *drivingMode {
		cfg.Driving.Enabled = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("drillcycle starting",
		"config", *configPath,
		"learner_id", cfg.Learner.ID,
		"course", cfg.Course.Path,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"driving", cfg.Driving.Enabled,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	if cfg.Observe.MetricsEnabled {
		shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: cfg.Observe.ServiceName,
		})
		if err != nil {
			slog.Error("failed to init telemetry", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}
	metrics := observe.DefaultMetrics()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg, metrics)

	backends, closeBackends, err := buildBackends(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}
	defer closeBackends()

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetrics(metrics),
	}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(ctx, cfg, backends, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("ready, press Ctrl+C to stop")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the storage and audio backends that ship with
// drillcycle into reg.
func registerBuiltinBackends(reg *config.Registry, metrics *observe.Metrics) {
	// ── Storage ───────────────────────────────────────────────────────────────

	reg.RegisterStore(config.StorageMemory, func(context.Context, config.StorageConfig) (kvstore.Store, error) {
		return kvstore.NewMemStore(), nil
	})

	reg.RegisterStore(config.StorageFile, func(_ context.Context, sc config.StorageConfig) (kvstore.Store, error) {
		return kvstore.NewFileStore(sc.Path)
	})

	// postgres is the primary; the local file keeps progress through outages.
	reg.RegisterStore(config.StoragePostgres, func(ctx context.Context, sc config.StorageConfig) (kvstore.Store, error) {
		pool, err := pgxpool.New(ctx, sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := kvstore.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}

		breaker := resilience.BreakerConfig{
			MaxFailures: sc.Breaker.MaxFailures,
			Cooldown:    sc.Breaker.Cooldown,
			Probes:      sc.Breaker.Probes,
			OnStateChange: func(name string, from, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
				slog.Warn("storage breaker state changed", "backend", name, "from", from.String(), "to", to.String())
			},
		}
		store := kvstore.NewFailoverStore("postgres", pg, breaker)
		if sc.Path != "" {
			fs, err := kvstore.NewFileStore(sc.Path)
			if err != nil {
				slog.Warn("file fallback unavailable", "path", sc.Path, "err", err)
			} else {
				store.Add("file", fs)
			}
		}
		return &pooledStore{FailoverStore: store, pool: pool}, nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio(config.AudioDevice, func(ac config.AudioConfig) (config.AudioBackend, error) {
		sink, err := device.New(
			device.WithFormat(audio.Format{SampleRate: ac.SampleRate, Channels: ac.Channels}),
			device.WithLogger(slog.Default()),
		)
		if err != nil {
			return config.AudioBackend{}, err
		}
		return config.AudioBackend{Sink: sink, Element: sink, Closer: sink}, nil
	})

	reg.RegisterAudio(config.AudioNull, func(config.AudioConfig) (config.AudioBackend, error) {
		return config.AudioBackend{Sink: &null.Sink{}}, nil
	})
}

// pooledStore closes its connection pool with the store.
type pooledStore struct {
	*kvstore.FailoverStore
	pool *pgxpool.Pool
}

func (s *pooledStore) Close() error {
	s.pool.Close()
	return nil
}

// buildBackends instantiates the configured backends. The returned function
// releases them after the app has shut down.
func buildBackends(ctx context.Context, cfg *config.Config, reg *config.Registry) (*app.Backends, func(), error) {
	var closers []io.Closer
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				slog.Warn("backend close error", "err", err)
			}
		}
	}

	store, err := reg.CreateStore(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, c)
	}
	slog.Info("storage ready", "backend", cfg.Storage.Backend, "available", reg.StoreNames())

	ab, err := reg.CreateAudio(cfg.Audio)
	if err != nil {
		release()
		return nil, nil, err
	}
	if ab.Closer != nil {
		closers = append(closers, ab.Closer)
	}

	backends := &app.Backends{Store: store, Audio: ab}
	if cfg.VAD.Enabled {
		capture := device.NewCapture(cfg.VAD.SampleRate, time.Duration(cfg.VAD.FrameSizeMs)*time.Millisecond, slog.Default())
		engine := rms.Engine{MinConfirmed: cfg.VAD.MinConfirmed, Hangover: cfg.VAD.Hangover}
		det := vad.NewStreamDetector(engine, capture, cfg.VADSession(), slog.Default())
		closers = append(closers, disposer{det})
		backends.Detector = det
	}
	return backends, release, nil
}

// disposer adapts a detector to io.Closer.
type disposer struct{ d vad.Detector }

func (d disposer) Close() error { return d.d.Dispose() }
