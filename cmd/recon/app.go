package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/apexmediation/revenue-recon/api"
	"github.com/apexmediation/revenue-recon/config"
	"github.com/apexmediation/revenue-recon/logging"
	"github.com/apexmediation/revenue-recon/metrics"
	"github.com/apexmediation/revenue-recon/notify"
	"github.com/apexmediation/revenue-recon/recon"
	"github.com/apexmediation/revenue-recon/recon/store"
	"github.com/apexmediation/revenue-recon/store/clickhouse"
	"github.com/apexmediation/revenue-recon/store/postgres"
	"github.com/apexmediation/revenue-recon/store/redis"
	"github.com/apexmediation/revenue-recon/store/sqlite"
)

// app holds every wired dependency of one process.
type app struct {
	settings    config.Settings
	logger      *zap.Logger
	service     *recon.Service
	metrics     *metrics.Prometheus
	checkpoints api.Checkpoints
	closers     []func() error
}

// resolveSettings layers explicit flags over the environment.
func resolveSettings(f *rootFlags) (config.Settings, error) {
	if err := config.LoadDotEnv(f.envFile); err != nil {
		return config.Settings{}, fmt.Errorf("load env file: %w", err)
	}
	s := config.LoadSettings()
	if f.configFile != "" {
		s.ConfigFile = f.configFile
	}
	if f.backend != "" {
		s.Backend = f.backend
	}
	if f.sqlitePath != "" {
		s.SQLitePath = f.sqlitePath
	}
	if f.postgresDSN != "" {
		s.PostgresDSN = f.postgresDSN
	}
	if f.logLevel != "" {
		s.LogLevel = f.logLevel
	}
	if f.debug {
		s.Development = true
	}
	return s, nil
}

// newApp opens the backend and optional integrations named by s.
func newApp(ctx context.Context, s config.Settings) (_ *app, err error) {
	logger, err := logging.New(s.LogLevel, s.Development)
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, err
	}

	svc := recon.NewService(backend, logger)
	svc.Config = config.NewLoader(s.ConfigFile, logger).Source()

	if s.ClickHouseAddr != "" {
		src, err := clickhouse.Open(ctx, clickhouse.Config{
			Addr:     s.ClickHouseAddr,
			Database: s.ClickHouseDatabase,
			Username: s.ClickHouseUsername,
			Password: s.ClickHousePassword,
			Timeout:  10 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, src.Close)
		svc.Stores = svc.Stores.WithInputs(src, src, src)
		logger.Info("reading inputs from clickhouse", zap.String("addr", s.ClickHouseAddr))
	}

	m, err := metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.metrics = m
	svc.Metrics = m

	if len(s.KafkaBrokers) > 0 {
		pub := notify.NewKafkaPublisher(notify.KafkaConfig{Brokers: s.KafkaBrokers, Topic: s.KafkaTopic}, logger)
		a.closers = append(a.closers, pub.Close)
		svc.Sink = pub
		logger.Info("publishing deltas to kafka", zap.Strings("brokers", s.KafkaBrokers), zap.String("topic", s.KafkaTopic))
	}

	a.checkpoints = api.NewMemoryCheckpoints()
	if s.RedisAddr != "" {
		cp := redis.NewCheckpoints(s.RedisAddr, s.RedisPassword, s.RedisDB)
		a.closers = append(a.closers, cp.Close)
		if err := cp.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.checkpoints = cp
	}

	a.service = svc
	return a, nil
}

func (a *app) openBackend(ctx context.Context) (recon.Backend, error) {
	switch a.settings.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendSQLite, "":
		if dir := filepath.Dir(a.settings.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		s, err := sqlite.New(a.settings.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	case config.BackendPostgres:
		s, err := postgres.Connect(ctx, a.settings.PostgresDSN, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", a.settings.Backend)
	}
}

// Close releases integrations in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// withApp resolves settings, wires the app and closes it after fn.
func withApp(ctx context.Context, f *rootFlags, fn func(*app) error) error {
	s, err := resolveSettings(f)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, s)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
