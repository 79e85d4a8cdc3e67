package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyberlearn/labmanager/internal/config"
	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/observability/logger"
	"github.com/cyberlearn/labmanager/internal/runtime/docker"
	"github.com/cyberlearn/labmanager/internal/secrets"
	"github.com/cyberlearn/labmanager/internal/store/postgres"
	"github.com/cyberlearn/labmanager/internal/store/sqlite"
)

func initLogger(cfg *config.Config) {
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
}

// store is an opened persistence backend.
type store struct {
	driver  string
	repo    environment.Repository
	pg      *postgres.DB
	migrate func(context.Context) error
	ping    func(context.Context) error
	close   func()
}

func postgresConfig(cfg *config.Config) postgres.Config {
	return postgres.Config{
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}
}

func openStore(ctx context.Context, cfg *config.Config, sealer *secrets.Sealer) (*store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		db, err := postgres.New(ctx, postgresConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		slog.Info("connected to database", slog.String("driver", config.DriverPostgres))
		return &store{
			driver:  config.DriverPostgres,
			repo:    postgres.NewEnvironmentRepository(db, sealer),
			pg:      db,
			migrate: db.Migrate,
			ping:    db.Ping,
			close:   db.Close,
		}, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(sqlite.Config{Path: cfg.Database.SQLitePath}, slog.Default())
		if err != nil {
			return nil, err
		}
		return &store{
			driver:  config.DriverSQLite,
			repo:    s.Environments(sealer),
			migrate: s.Migrate,
			ping:    s.Ping,
			close: func() {
				if err := s.Close(); err != nil {
					slog.Error("failed to close sqlite store", logger.Error(err))
				}
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

func openSealer(cfg *config.Config) (*secrets.Sealer, error) {
	sealer, err := secrets.New(cfg.Secrets.CredentialsKey)
	if err != nil {
		return nil, fmt.Errorf("credentials key: %w", err)
	}
	if !sealer.Enabled() {
		slog.Warn("CREDENTIALS_KEY not set; lab credentials are stored in plaintext")
	}
	return sealer, nil
}

func openRuntime(ctx context.Context, cfg *config.Config) (*docker.Client, error) {
	rt, err := docker.New(docker.Config{
		Host:        cfg.Docker.Host,
		Network:     cfg.Docker.Network,
		BindHost:    cfg.Docker.BindHost,
		StopTimeout: cfg.Docker.StopTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rt.Ping(pingCtx); err != nil {
		slog.Warn("container engine unreachable; provisioning will fail until it is back", logger.Error(err))
	}
	return rt, nil
}
