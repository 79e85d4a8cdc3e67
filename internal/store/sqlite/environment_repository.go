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

package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/secrets"
)

// EnvironmentModel is the lab_environments row.
type EnvironmentModel struct {
	ID              string  `gorm:"primaryKey;type:text"`
	UserID          string  `gorm:"not null;index:idx_lab_env_owner_status,priority:1"`
	EnvironmentType string  `gorm:"not null"`
	ModuleID        *string `gorm:"type:text"`
	ContainerID     string  `gorm:"not null"`
	ContainerName   string  `gorm:"not null;uniqueIndex"`
	Status          string  `gorm:"not null;index:idx_lab_env_owner_status,priority:2;index:idx_lab_env_status_expiry,priority:1"`
	AccessURL       string  `gorm:"not null"`
	Credentials     string  `gorm:"not null"`
	ExpiresMicro    int64   `gorm:"column:expiration_time;not null;index:idx_lab_env_status_expiry,priority:2"`
	CreatedMicro    int64   `gorm:"column:created_at;not null"`
	UpdatedMicro    int64   `gorm:"column:updated_at;not null"`
}

// TableName overrides the GORM default.
func (EnvironmentModel) TableName() string { return "lab_environments" }

// EnvironmentRepository implements environment.Repository on GORM.
type EnvironmentRepository struct {
	db     *gorm.DB
	sealer *secrets.Sealer
}

var _ environment.Repository = (*EnvironmentRepository)(nil)

// NewEnvironmentRepository creates a repository. A nil sealer stores
// credentials in plaintext.
func NewEnvironmentRepository(db *gorm.DB, sealer *secrets.Sealer) *EnvironmentRepository {
	return &EnvironmentRepository{db: db, sealer: sealer}
}

func (r *EnvironmentRepository) Insert(ctx context.Context, env *environment.Environment) error {
	model, err := r.toModel(env)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("inserting environment: %w", err)
	}
	return nil
}

func (r *EnvironmentRepository) Get(ctx context.Context, id string) (*environment.Environment, error) {
	var model EnvironmentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, environment.ErrNotFound
		}
		return nil, fmt.Errorf("getting environment %s: %w", id, err)
	}
	return r.toDomain(&model)
}

func (r *EnvironmentRepository) UpdateStatus(ctx context.Context, id string, from, to environment.Status, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&EnvironmentModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": at.UnixMicro()})
	if result.Error != nil {
		return fmt.Errorf("updating environment %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return environment.ErrStatusConflict
	}
	return nil
}

func (r *EnvironmentRepository) ListActiveByOwner(ctx context.Context, owner string) ([]*environment.Environment, error) {
	return r.find(r.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", owner, string(environment.StatusActive)).
		Order("created_at DESC"))
}

func (r *EnvironmentRepository) ListActiveExpiredBefore(ctx context.Context, t time.Time) ([]*environment.Environment, error) {
	return r.find(r.db.WithContext(ctx).
		Where("status = ? AND expiration_time <= ?", string(environment.StatusActive), t.UnixMicro()).
		Order("expiration_time ASC"))
}

func (r *EnvironmentRepository) ListActive(ctx context.Context) ([]*environment.Environment, error) {
	return r.find(r.db.WithContext(ctx).
		Where("status = ?", string(environment.StatusActive)).
		Order("created_at ASC"))
}

func (r *EnvironmentRepository) find(q *gorm.DB) ([]*environment.Environment, error) {
	var models []EnvironmentModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing environments: %w", err)
	}
	out := make([]*environment.Environment, 0, len(models))
	for i := range models {
		env, err := r.toDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (r *EnvironmentRepository) toModel(env *environment.Environment) (*EnvironmentModel, error) {
	creds := env.Credentials
	sealed, err := r.sealer.Seal(creds.Password, env.ID)
	if err != nil {
		return nil, fmt.Errorf("sealing credentials: %w", err)
	}
	creds.Password = sealed
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshalling credentials: %w", err)
	}
	return &EnvironmentModel{
		ID:              env.ID,
		UserID:          env.UserID,
		EnvironmentType: env.EnvironmentType,
		ModuleID:        env.ModuleID,
		ContainerID:     env.ContainerID,
		ContainerName:   env.ContainerName,
		Status:          string(env.Status),
		AccessURL:       env.AccessURL,
		Credentials:     string(data),
		ExpiresMicro:    env.ExpiresAt.UnixMicro(),
		CreatedMicro:    env.CreatedAt.UnixMicro(),
		UpdatedMicro:    env.UpdatedAt.UnixMicro(),
	}, nil
}

func (r *EnvironmentRepository) toDomain(m *EnvironmentModel) (*environment.Environment, error) {
	env := &environment.Environment{
		ID:              m.ID,
		UserID:          m.UserID,
		EnvironmentType: m.EnvironmentType,
		ModuleID:        m.ModuleID,
		ContainerID:     m.ContainerID,
		ContainerName:   m.ContainerName,
		Status:          environment.Status(m.Status),
		AccessURL:       m.AccessURL,
		ExpiresAt:       time.UnixMicro(m.ExpiresMicro).UTC(),
		CreatedAt:       time.UnixMicro(m.CreatedMicro).UTC(),
		UpdatedAt:       time.UnixMicro(m.UpdatedMicro).UTC(),
	}
	if err := json.Unmarshal([]byte(m.Credentials), &env.Credentials); err != nil {
		return nil, fmt.Errorf("unmarshalling credentials: %w", err)
	}
	plain, err := r.sealer.Open(env.Credentials.Password, env.ID)
	if err != nil {
		return nil, fmt.Errorf("opening credentials: %w", err)
	}
	env.Credentials.Password = plain
	return env, nil
}
