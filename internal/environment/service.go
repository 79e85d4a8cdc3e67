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

package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cyberlearn/labmanager/internal/audit"
	"github.com/cyberlearn/labmanager/internal/catalog"
	"github.com/cyberlearn/labmanager/internal/observability/logger"
)

const maxModuleIDLength = 128

// Config holds lifecycle tuning.
type Config struct {
	// AccessHost is the host name learners use to reach published ports.
	AccessHost string
	// MinDuration and MaxDuration bound the requested lease.
	MinDuration time.Duration
	MaxDuration time.Duration
	// ProvisionTimeout bounds the runtime part of a provision.
	ProvisionTimeout time.Duration
	// TeardownTimeout bounds a single stop+remove.
	TeardownTimeout time.Duration
	// SweepConcurrency caps parallel teardowns during an expiry sweep.
	SweepConcurrency int
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		AccessHost:       "localhost",
		MinDuration:      5 * time.Minute,
		MaxDuration:      480 * time.Minute,
		ProvisionTimeout: 2 * time.Minute,
		TeardownTimeout:  30 * time.Second,
		SweepConcurrency: 4,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AccessHost == "" {
		c.AccessHost = d.AccessHost
	}
	if c.MinDuration <= 0 {
		c.MinDuration = d.MinDuration
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = d.ProvisionTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = d.SweepConcurrency
	}
	return c
}

// Service is the lifecycle manager for lab environments.
type Service struct {
	catalog     *catalog.Catalog
	runtime     Runtime
	repo        Repository
	auditLogger audit.Logger
	recorder    Recorder
	tracer      trace.Tracer
	cfg         Config

	now         func() time.Time
	newID       func() (string, error)
	genPassword func() (string, error)
}

// NewService creates a new lifecycle manager.
func NewService(cat *catalog.Catalog, runtime Runtime, repo Repository, auditLogger audit.Logger, cfg Config) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{
		catalog:     cat,
		runtime:     runtime,
		repo:        repo,
		auditLogger: auditLogger,
		recorder:    nopRecorder{},
		tracer:      otel.Tracer("github.com/cyberlearn/labmanager/internal/environment"),
		cfg:         cfg.withDefaults(),
		now:         time.Now,
		newID:       newEnvironmentID,
		genPassword: generatePassword,
	}
}

// WithRecorder attaches a metrics recorder.
func (s *Service) WithRecorder(r Recorder) *Service {
	if r != nil {
		s.recorder = r
	}
	return s
}

// Catalog returns the environment type catalog the service provisions from.
func (s *Service) Catalog() *catalog.Catalog {
	return s.catalog
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// ProvisionRequest describes a new environment.
type ProvisionRequest struct {
	Owner           string
	EnvironmentType string
	ModuleID        *string
	Duration        time.Duration
}

// Provision creates and starts a runtime instance for the owner and records
// it as active. On any failure after the instance may exist, the instance is
// stopped and removed before the error is returned.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*Environment, error) {
	ctx, span := s.tracer.Start(ctx, "environment.Provision", trace.WithAttributes(
		attribute.String("lab.environment_type", req.EnvironmentType),
	))
	defer span.End()

	env, err := s.provision(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("lab.environment_id", env.ID))
	return env, nil
}

func (s *Service) provision(ctx context.Context, req ProvisionRequest) (*Environment, error) {
	started := s.now()

	if strings.TrimSpace(req.Owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	envType, err := s.catalog.Lookup(req.EnvironmentType)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironmentType, req.EnvironmentType)
	}
	if err := s.validateDuration(req.Duration); err != nil {
		return nil, err
	}
	moduleID, err := normalizeModuleID(req.ModuleID)
	if err != nil {
		return nil, err
	}

	id, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("generate environment id: %w", err)
	}
	creds, err := credentialsFor(envType, s.genPassword)
	if err != nil {
		return nil, err
	}
	name, err := instanceName(envType.ID, req.Owner, started)
	if err != nil {
		return nil, err
	}

	spec := InstanceSpec{
		Name:    name,
		Image:   envType.Image,
		Command: envType.Command,
		Env:     instanceEnv(envType, creds),
		Limits:  envType.Limits,
		Ports:   envType.Ports,
		Labels: map[string]string{
			LabelManaged:       "true",
			LabelEnvironmentID: id,
			LabelOwner:         req.Owner,
			LabelType:          envType.ID,
		},
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer cancel()

	inst, err := s.runtime.CreateAndStart(runCtx, spec)
	if err != nil {
		// The engine may have created the container before failing or
		// timing out; the name is enough to clean it up.
		handle := name
		if inst != nil && inst.ID != "" {
			handle = inst.ID
		}
		s.rollback(ctx, envType.ID, handle)
		s.provisionFailed(ctx, req, "runtime", err)
		return nil, fmt.Errorf("%w: start instance: %w", ErrRuntime, err)
	}

	hostPort, err := s.resolveHostPort(runCtx, inst, envType.AccessPort)
	if err != nil {
		s.rollback(ctx, envType.ID, inst.ID)
		s.provisionFailed(ctx, req, "runtime", err)
		return nil, fmt.Errorf("%w: %w", ErrRuntime, err)
	}

	now := s.now()
	env := &Environment{
		ID:              id,
		UserID:          req.Owner,
		EnvironmentType: envType.ID,
		ModuleID:        moduleID,
		ContainerID:     inst.ID,
		ContainerName:   name,
		Status:          StatusActive,
		AccessURL:       accessURL(envType.AccessScheme, s.cfg.AccessHost, hostPort),
		Credentials:     creds,
		ExpiresAt:       now.Add(req.Duration),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.Insert(ctx, env); err != nil {
		s.rollback(ctx, envType.ID, inst.ID)
		s.provisionFailed(ctx, req, "persistence", err)
		return nil, fmt.Errorf("%w: insert environment: %w", ErrPersistence, err)
	}

	slog.InfoContext(ctx, "environment provisioned",
		logger.EnvironmentID(env.ID),
		logger.UserID(env.UserID),
		logger.EnvironmentType(env.EnvironmentType),
		logger.ContainerID(env.ContainerID),
		logger.ExpiresAt(env.ExpiresAt),
	)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeEnvironmentProvisioned,
		ActorID:  env.UserID,
		Resource: env.ID,
		Metadata: map[string]any{
			"environment_type": env.EnvironmentType,
			"container_id":     env.ContainerID,
			"expires_at":       env.ExpiresAt,
		},
	})
	s.recorder.Provisioned(ctx, env.EnvironmentType, s.now().Sub(started))

	return env.Clone(), nil
}

// Terminate tears down the caller's active environment and marks it
// terminated. When teardown fails the record stays active so the call can be
// retried.
func (s *Service) Terminate(ctx context.Context, owner, id string) error {
	ctx, span := s.tracer.Start(ctx, "environment.Terminate", trace.WithAttributes(
		attribute.String("lab.environment_id", id),
	))
	defer span.End()

	if err := s.terminate(ctx, owner, id); err != nil {
		span.RecordError(err)
		if !IsClientError(err) {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return nil
}

func (s *Service) terminate(ctx context.Context, owner, id string) error {
	env, err := s.lookupOwned(ctx, owner, id)
	if err != nil {
		return err
	}
	if !env.IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrNotFound, id, env.Status)
	}

	if err := s.teardown(ctx, env.ContainerID); err != nil {
		s.teardownFailed(ctx, env, owner, err)
		return fmt.Errorf("%w: teardown %s: %w", ErrRuntime, id, err)
	}

	if err := s.repo.UpdateStatus(ctx, id, StatusActive, StatusTerminated, s.now()); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return fmt.Errorf("%w: %s is no longer active", ErrNotFound, id)
		}
		return fmt.Errorf("%w: mark terminated: %w", ErrPersistence, err)
	}

	slog.InfoContext(ctx, "environment terminated",
		logger.EnvironmentID(env.ID),
		logger.UserID(owner),
		logger.ContainerID(env.ContainerID),
	)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeEnvironmentTerminated,
		ActorID:  owner,
		Resource: env.ID,
		Metadata: map[string]any{"environment_type": env.EnvironmentType, "container_id": env.ContainerID},
	})
	s.recorder.Ended(ctx, env.EnvironmentType, StatusTerminated)
	return nil
}

// ListActive returns the owner's active environments.
func (s *Service) ListActive(ctx context.Context, owner string) ([]*Environment, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	envs, err := s.repo.ListActiveByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("%w: list active: %w", ErrPersistence, err)
	}
	out := make([]*Environment, 0, len(envs))
	for _, env := range envs {
		if env.OwnedBy(owner) && env.IsActive() {
			out = append(out, env)
		}
	}
	return out, nil
}

// Get returns one of the owner's environments regardless of status.
func (s *Service) Get(ctx context.Context, owner, id string) (*Environment, error) {
	return s.lookupOwned(ctx, owner, id)
}

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Candidates int
	Expired    int
	Failed     int
	Skipped    int
}

type expireOutcome int

const (
	outcomeExpired expireOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// ExpireDue tears down every active environment whose lease ended at or
// before now and marks it expired. Each environment is handled on its own: a
// failed teardown is logged, leaves the record active for the next sweep, and
// does not hold up the others.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (SweepResult, error) {
	ctx, span := s.tracer.Start(ctx, "environment.ExpireDue")
	defer span.End()

	due, err := s.repo.ListActiveExpiredBefore(ctx, now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SweepResult{}, fmt.Errorf("%w: list expired: %w", ErrPersistence, err)
	}

	var expired, failed, skipped atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.SweepConcurrency)
	for _, env := range due {
		g.Go(func() error {
			switch s.expire(ctx, env, now) {
			case outcomeExpired:
				expired.Add(1)
			case outcomeFailed:
				failed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := SweepResult{
		Candidates: len(due),
		Expired:    int(expired.Load()),
		Failed:     int(failed.Load()),
		Skipped:    int(skipped.Load()),
	}
	span.SetAttributes(
		attribute.Int("lab.sweep.candidates", result.Candidates),
		attribute.Int("lab.sweep.expired", result.Expired),
		attribute.Int("lab.sweep.failed", result.Failed),
	)
	return result, nil
}

func (s *Service) expire(ctx context.Context, env *Environment, now time.Time) expireOutcome {
	if !env.IsActive() || !env.IsDue(now) {
		return outcomeSkipped
	}

	if err := s.teardown(ctx, env.ContainerID); err != nil {
		slog.WarnContext(ctx, "failed to tear down expired environment; will retry",
			logger.EnvironmentID(env.ID),
			logger.ContainerID(env.ContainerID),
			logger.Error(err),
		)
		s.teardownFailed(ctx, env, audit.ActorReaper, err)
		return outcomeFailed
	}

	if err := s.repo.UpdateStatus(ctx, env.ID, StatusActive, StatusExpired, s.now()); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			slog.DebugContext(ctx, "environment left active state before expiry",
				logger.EnvironmentID(env.ID),
			)
			return outcomeSkipped
		}
		slog.ErrorContext(ctx, "failed to mark environment expired; will retry",
			logger.EnvironmentID(env.ID),
			logger.Error(err),
		)
		return outcomeFailed
	}

	slog.InfoContext(ctx, "environment expired",
		logger.EnvironmentID(env.ID),
		logger.UserID(env.UserID),
		logger.ContainerID(env.ContainerID),
		logger.ExpiresAt(env.ExpiresAt),
	)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeEnvironmentExpired,
		ActorID:  audit.ActorReaper,
		Resource: env.ID,
		Metadata: map[string]any{"environment_type": env.EnvironmentType, "owner": env.UserID},
	})
	s.recorder.Ended(ctx, env.EnvironmentType, StatusExpired)
	return outcomeExpired
}

// teardown stops and removes an instance. Remove is forced, so a failed stop
// is only fatal when the instance also cannot be removed.
func (s *Service) teardown(ctx context.Context, handle string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TeardownTimeout)
	defer cancel()

	if err := s.runtime.Stop(ctx, handle); err != nil {
		slog.DebugContext(ctx, "stop failed, forcing removal",
			logger.ContainerID(handle),
			logger.Error(err),
		)
	}
	if err := s.runtime.Remove(ctx, handle); err != nil {
		return err
	}
	return nil
}

// rollback removes an instance left behind by a failed provision. It runs on
// a context detached from the request so a cancelled caller still cleans up.
func (s *Service) rollback(ctx context.Context, envType, handle string) {
	if handle == "" {
		return
	}
	if err := s.teardown(context.WithoutCancel(ctx), handle); err != nil {
		slog.ErrorContext(ctx, "failed to roll back runtime instance; instance may be orphaned",
			logger.ContainerID(handle),
			logger.EnvironmentType(envType),
			logger.Error(err),
		)
		return
	}
	slog.InfoContext(ctx, "rolled back runtime instance", logger.ContainerID(handle))
}

func (s *Service) resolveHostPort(ctx context.Context, inst *Instance, port string) (string, error) {
	if p := inst.Ports[port]; p != "" {
		return p, nil
	}
	inspected, err := s.runtime.Inspect(ctx, inst.ID)
	if err != nil {
		return "", fmt.Errorf("inspect instance: %w", err)
	}
	if p := inspected.Ports[port]; p != "" {
		return p, nil
	}
	return "", fmt.Errorf("no host port published for %s", port)
}

func (s *Service) lookupOwned(ctx context.Context, owner, id string) (*Environment, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	env, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: get environment: %w", ErrPersistence, err)
	}
	if !env.OwnedBy(owner) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return env, nil
}

func (s *Service) validateDuration(d time.Duration) error {
	if d < s.cfg.MinDuration || d > s.cfg.MaxDuration {
		return fmt.Errorf("%w: duration must be between %d and %d minutes",
			ErrValidation, int(s.cfg.MinDuration.Minutes()), int(s.cfg.MaxDuration.Minutes()))
	}
	return nil
}

func normalizeModuleID(moduleID *string) (*string, error) {
	if moduleID == nil {
		return nil, nil
	}
	m := strings.TrimSpace(*moduleID)
	if m == "" {
		return nil, nil
	}
	if len(m) > maxModuleIDLength {
		return nil, fmt.Errorf("%w: module_id exceeds %d characters", ErrValidation, maxModuleIDLength)
	}
	return &m, nil
}

func (s *Service) provisionFailed(ctx context.Context, req ProvisionRequest, reason string, err error) {
	slog.ErrorContext(ctx, "failed to provision environment",
		logger.UserID(req.Owner),
		logger.EnvironmentType(req.EnvironmentType),
		logger.ErrorType(reason),
		logger.Error(err),
	)
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeEnvironmentProvisionFail,
		ActorID:  req.Owner,
		Resource: req.EnvironmentType,
		Metadata: map[string]any{"reason": reason, "error": err.Error()},
	})
	s.recorder.ProvisionFailed(ctx, req.EnvironmentType, reason)
}

func (s *Service) teardownFailed(ctx context.Context, env *Environment, actor string, err error) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeEnvironmentTeardownFailed,
		ActorID:  actor,
		Resource: env.ID,
		Metadata: map[string]any{"container_id": env.ContainerID, "error": err.Error()},
	})
	s.recorder.TeardownFailed(ctx, env.EnvironmentType)
}

func newEnvironmentID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
