// Copyright 2026 The Labmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberlearn/labmanager/internal/audit"
	"github.com/cyberlearn/labmanager/internal/auth"
	"github.com/cyberlearn/labmanager/internal/catalog"
	"github.com/cyberlearn/labmanager/internal/config"
	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/observability/logger"
	"github.com/cyberlearn/labmanager/internal/observability/metrics"
	"github.com/cyberlearn/labmanager/internal/observability/tracing"
	transportHTTP "github.com/cyberlearn/labmanager/internal/transport/http"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the expiry reaper",
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize logger
	initLogger(cfg)
	slog.Info("starting labmanager", slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
		Endpoint:       cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := tracer.Shutdown(shutdownCtx); err != nil {
				slog.Error("tracer shutdown error", logger.Error(err))
			}
		}()
	}

	sealer, err := openSealer(cfg)
	if err != nil {
		return err
	}

	// Initialize database
	st, err := openStore(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer st.close()
	if cfg.Database.AutoMigrate {
		if err := st.migrate(ctx); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}

	cat, err := catalog.Load(cfg.Lab.CatalogPath)
	if err != nil {
		return err
	}
	slog.Info("catalog loaded", slog.Any("environment_types", cat.IDs()))

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	// Initialize services
	svc := environment.NewService(cat, rt, st.repo, audit.NewSlogLogger(), environment.Config{
		AccessHost:       cfg.Lab.AccessHost,
		MinDuration:      cfg.Lab.MinDuration,
		MaxDuration:      cfg.Lab.MaxDuration,
		ProvisionTimeout: cfg.Lab.ProvisionTimeout,
		TeardownTimeout:  cfg.Lab.TeardownTimeout,
		SweepConcurrency: cfg.Lab.ReaperConcurrency,
	})

	var httpMetrics *transportHTTP.Metrics
	recorders := metrics.Fanout{}
	otelLifecycle, err := metrics.NewLifecycle(metrics.New(metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName))
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	} else {
		recorders = append(recorders, otelLifecycle)
	}
	if cfg.Observability.MetricsEnabled {
		httpMetrics = transportHTTP.NewMetrics()
		promLifecycle, err := metrics.NewPromLifecycle(httpMetrics.Registry())
		if err != nil {
			return fmt.Errorf("register lifecycle metrics: %w", err)
		}
		recorders = append(recorders, promLifecycle)
	}
	svc.WithRecorder(recorders)

	// Start reaper
	reaper := environment.NewReaper(svc, cfg.Lab.ReaperInterval, slog.Default())
	stopReaper := reaper.Start(ctx)
	defer stopReaper()

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:       cfg.Auth.JWTSecret,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		RequiredRole: cfg.Auth.RequiredRole,
		Leeway:       cfg.Auth.Leeway,
	})
	if err != nil {
		return err
	}

	// Rate Limiter
	limiter := newRateLimiter(ctx, cfg)
	defer limiter.Close()

	// Create router
	handler := transportHTTP.NewHandler(svc, verifier, cfg.Lab.DefaultDuration)
	router := transportHTTP.NewRouter(handler, transportHTTP.RouterConfig{
		RateLimiter:    limiter,
		Metrics:        httpMetrics,
		RequestTimeout: cfg.Server.RequestTimeout,
		TrustProxy:     cfg.Server.TrustProxyHeaders,
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	stopReaper()

	slog.Info("server stopped")
	return nil
}

// newRateLimiter prefers the shared Redis limiter and falls back to the
// in-process one when Redis is not configured or unreachable.
func newRateLimiter(ctx context.Context, cfg *config.Config) transportHTTP.RateLimiter {
	rl := cfg.RateLimit
	if rl.RedisAddr != "" {
		limiter, err := transportHTTP.NewRedisRateLimiter(ctx, transportHTTP.RedisConfig{
			Addr:     rl.RedisAddr,
			Password: rl.RedisPassword,
			DB:       rl.RedisDB,
			Limit:    rl.RequestsPerWindow,
			Window:   rl.Window,
		})
		if err == nil {
			slog.Info("using redis rate limiter", slog.String("addr", rl.RedisAddr))
			return limiter
		}
		slog.Warn("redis rate limiter unavailable, falling back to in-process limiter", logger.Error(err))
	}
	return transportHTTP.NewMemoryRateLimiter(rl.RequestsPerSecond, rl.Burst)
}
