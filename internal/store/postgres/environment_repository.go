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

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/secrets"
)

const environmentColumns = `
	id, user_id, environment_type, module_id, container_id, container_name,
	status, access_url, credentials, expiration_time, created_at, updated_at`

// EnvironmentRepository implements environment.Repository
type EnvironmentRepository struct {
	db     *DB
	sealer *secrets.Sealer
}

var _ environment.Repository = (*EnvironmentRepository)(nil)

// NewEnvironmentRepository creates a new environment repository. A nil
// sealer stores credentials in plaintext.
func NewEnvironmentRepository(db *DB, sealer *secrets.Sealer) *EnvironmentRepository {
	return &EnvironmentRepository{db: db, sealer: sealer}
}

// Insert stores a new environment record
func (r *EnvironmentRepository) Insert(ctx context.Context, env *environment.Environment) error {
	creds, err := r.encodeCredentials(env)
	if err != nil {
		return err
	}

	var moduleID sql.NullString
	if env.ModuleID != nil {
		moduleID = sql.NullString{String: *env.ModuleID, Valid: true}
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO lab_environments (`+environmentColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		env.ID, env.UserID, env.EnvironmentType, moduleID, env.ContainerID, env.ContainerName,
		string(env.Status), env.AccessURL, creds, env.ExpiresAt, env.CreatedAt, env.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert environment: %w", err)
	}
	return nil
}

// Get retrieves an environment by ID
func (r *EnvironmentRepository) Get(ctx context.Context, id string) (*environment.Environment, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+environmentColumns+` FROM lab_environments WHERE id = $1`, id)
	env, err := r.scan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, environment.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}
	return env, nil
}

// UpdateStatus conditionally moves an environment between statuses
func (r *EnvironmentRepository) UpdateStatus(ctx context.Context, id string, from, to environment.Status, at time.Time) error {
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE lab_environments
		SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), at)
	if err != nil {
		return fmt.Errorf("failed to update environment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return environment.ErrStatusConflict
	}
	return nil
}

// ListActiveByOwner lists the owner's active environments, newest first
func (r *EnvironmentRepository) ListActiveByOwner(ctx context.Context, owner string) ([]*environment.Environment, error) {
	return r.query(ctx, `
		SELECT `+environmentColumns+`
		FROM lab_environments
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
	`, owner)
}

// ListActiveExpiredBefore lists active environments due at t, oldest expiry first
func (r *EnvironmentRepository) ListActiveExpiredBefore(ctx context.Context, t time.Time) ([]*environment.Environment, error) {
	return r.query(ctx, `
		SELECT `+environmentColumns+`
		FROM lab_environments
		WHERE status = 'active' AND expiration_time <= $1
		ORDER BY expiration_time ASC
	`, t)
}

// ListActive lists every active environment
func (r *EnvironmentRepository) ListActive(ctx context.Context) ([]*environment.Environment, error) {
	return r.query(ctx, `
		SELECT `+environmentColumns+`
		FROM lab_environments
		WHERE status = 'active'
		ORDER BY created_at ASC
	`)
}

func (r *EnvironmentRepository) query(ctx context.Context, q string, args ...any) ([]*environment.Environment, error) {
	rows, err := r.db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []*environment.Environment
	for rows.Next() {
		env, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	return out, nil
}

func (r *EnvironmentRepository) scan(row pgx.Row) (*environment.Environment, error) {
	var env environment.Environment
	var moduleID sql.NullString
	var status string
	var credsJSON []byte

	err := row.Scan(
		&env.ID, &env.UserID, &env.EnvironmentType, &moduleID, &env.ContainerID, &env.ContainerName,
		&status, &env.AccessURL, &credsJSON, &env.ExpiresAt, &env.CreatedAt, &env.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	env.Status = environment.Status(status)
	if moduleID.Valid {
		m := moduleID.String
		env.ModuleID = &m
	}
	if err := r.decodeCredentials(&env, credsJSON); err != nil {
		return nil, err
	}
	return &env, nil
}

func (r *EnvironmentRepository) encodeCredentials(env *environment.Environment) ([]byte, error) {
	creds := env.Credentials
	sealed, err := r.sealer.Seal(creds.Password, env.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credentials: %w", err)
	}
	creds.Password = sealed
	data, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return data, nil
}

func (r *EnvironmentRepository) decodeCredentials(env *environment.Environment, data []byte) error {
	if err := json.Unmarshal(data, &env.Credentials); err != nil {
		return fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	plain, err := r.sealer.Open(env.Credentials.Password, env.ID)
	if err != nil {
		return fmt.Errorf("failed to open credentials: %w", err)
	}
	env.Credentials.Password = plain
	return nil
}
