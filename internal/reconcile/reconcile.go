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

// Package reconcile compares managed runtime instances with active
// environment records and repairs the two kinds of drift a crash can leave:
// orphans (an instance with no active record) and dangling records (an
// active record whose instance is gone).
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cyberlearn/labmanager/internal/audit"
	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/observability/logger"
)

// Inventory is the runtime surface reconcile needs.
type Inventory interface {
	ListManaged(ctx context.Context) ([]environment.Instance, error)
	Stop(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error
}

// Options controls a reconcile pass.
type Options struct {
	// DryRun reports drift without changing anything.
	DryRun bool
	// ExpireDangling moves active records with no instance to expired.
	ExpireDangling bool
	// MinAge skips instances and records younger than this; they may belong
	// to a provision that is still in flight.
	MinAge time.Duration
}

// Report is the outcome of a pass.
type Report struct {
	Orphans         []environment.Instance
	Dangling        []*environment.Environment
	Removed         int
	Expired         int
	Failed          int
	SkippedTooYoung int
}

// Reconciler repairs drift between the runtime and the store.
type Reconciler struct {
	inventory   Inventory
	repo        environment.Repository
	auditLogger audit.Logger
	now         func() time.Time
}

// New creates a reconciler. A nil audit logger discards events.
func New(inventory Inventory, repo environment.Repository, auditLogger audit.Logger) *Reconciler {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Reconciler{
		inventory:   inventory,
		repo:        repo,
		auditLogger: auditLogger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one pass. Instances are listed before records so an instance
// whose record is inserted mid-pass is still matched. Records without an
// instance are checked against a second listing taken after the records were
// read, and MinAge applies to both instances and records.
func (r *Reconciler) Run(ctx context.Context, opts Options) (*Report, error) {
	instances, err := r.inventory.ListManaged(ctx)
	if err != nil {
		return nil, fmt.Errorf("list managed instances: %w", err)
	}
	active, err := r.repo.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active environments: %w", err)
	}

	now := r.now()
	report := &Report{}

	byHandle := make(map[string]*environment.Environment, 2*len(active))
	for _, env := range active {
		if env.ContainerID != "" {
			byHandle[env.ContainerID] = env
		}
		byHandle[env.ContainerName] = env
	}

	present := make(map[string]struct{}, len(instances))
	for _, inst := range instances {
		if env := match(byHandle, inst); env != nil {
			present[env.ID] = struct{}{}
			continue
		}
		if !inst.Created.IsZero() && now.Sub(inst.Created) < opts.MinAge {
			report.SkippedTooYoung++
			continue
		}
		report.Orphans = append(report.Orphans, inst)
	}

	var candidates []*environment.Environment
	for _, env := range active {
		if _, ok := present[env.ID]; ok {
			continue
		}
		if now.Sub(env.CreatedAt) < opts.MinAge {
			report.SkippedTooYoung++
			continue
		}
		candidates = append(candidates, env)
	}

	if len(candidates) > 0 {
		// A provision may have started its instance after the first listing.
		recheck, err := r.inventory.ListManaged(ctx)
		if err != nil {
			return nil, fmt.Errorf("recheck managed instances: %w", err)
		}
		for _, inst := range recheck {
			if env := match(byHandle, inst); env != nil {
				present[env.ID] = struct{}{}
			}
		}
		for _, env := range candidates {
			if _, ok := present[env.ID]; !ok {
				report.Dangling = append(report.Dangling, env)
			}
		}
	}

	if opts.DryRun {
		slog.InfoContext(ctx, "reconcile dry run",
			slog.Int("orphans", len(report.Orphans)),
			slog.Int("dangling", len(report.Dangling)),
		)
		return report, nil
	}

	for _, inst := range report.Orphans {
		if err := r.removeOrphan(ctx, inst); err != nil {
			report.Failed++
			continue
		}
		report.Removed++
	}

	if opts.ExpireDangling {
		for _, env := range report.Dangling {
			expired, err := r.expireDangling(ctx, env, now)
			if err != nil {
				report.Failed++
				continue
			}
			if expired {
				report.Expired++
			}
		}
	}

	slog.InfoContext(ctx, "reconcile complete",
		slog.Int("orphans", len(report.Orphans)),
		slog.Int("removed", report.Removed),
		slog.Int("dangling", len(report.Dangling)),
		slog.Int("expired", report.Expired),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

func match(byHandle map[string]*environment.Environment, inst environment.Instance) *environment.Environment {
	if env, ok := byHandle[inst.ID]; ok {
		return env
	}
	return byHandle[inst.Name]
}

func (r *Reconciler) removeOrphan(ctx context.Context, inst environment.Instance) error {
	attrs := []any{
		logger.ContainerID(inst.ID),
		logger.ContainerName(inst.Name),
		logger.EnvironmentID(inst.Labels[environment.LabelEnvironmentID]),
	}
	slog.WarnContext(ctx, "removing orphan instance", attrs...)

	if err := r.inventory.Stop(ctx, inst.ID); err != nil {
		slog.DebugContext(ctx, "stop failed, forcing removal", append(attrs, logger.Error(err))...)
	}
	if err := r.inventory.Remove(ctx, inst.ID); err != nil {
		slog.ErrorContext(ctx, "failed to remove orphan instance", append(attrs, logger.Error(err))...)
		return err
	}

	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeOrphanRemoved,
		ActorID:  audit.ActorReconciler,
		Resource: inst.ID,
		Metadata: map[string]any{
			"container_name": inst.Name,
			"environment_id": inst.Labels[environment.LabelEnvironmentID],
			"owner":          inst.Labels[environment.LabelOwner],
			"type":           inst.Labels[environment.LabelType],
		},
	})
	return nil
}

// expireDangling reports false when another writer already moved the record.
func (r *Reconciler) expireDangling(ctx context.Context, env *environment.Environment, now time.Time) (bool, error) {
	err := r.repo.UpdateStatus(ctx, env.ID, environment.StatusActive, environment.StatusExpired, now)
	if errors.Is(err, environment.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to expire dangling environment",
			logger.EnvironmentID(env.ID),
			logger.Error(err),
		)
		return false, err
	}

	slog.InfoContext(ctx, "expired dangling environment",
		logger.EnvironmentID(env.ID),
		logger.UserID(env.UserID),
		logger.ContainerID(env.ContainerID),
	)
	r.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeEnvironmentExpired,
		ActorID:  audit.ActorReconciler,
		Resource: env.ID,
		Metadata: map[string]any{
			"user_id":          env.UserID,
			"environment_type": env.EnvironmentType,
			"reason":           "instance_missing",
		},
	})
	return true, nil
}
