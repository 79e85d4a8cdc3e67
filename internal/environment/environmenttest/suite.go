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

package environmenttest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberlearn/labmanager/internal/environment"
)

// Factory returns an empty repository for a single subtest.
type Factory func(t *testing.T) environment.Repository

// Base is the reference instant used by the suite.
var Base = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// NewRecord builds an active record owned by owner that expires at expires.
func NewRecord(owner string, created, expires time.Time) *environment.Environment {
	id := uuid.NewString()
	return &environment.Environment{
		ID:              id,
		UserID:          owner,
		EnvironmentType: "ubuntu-base",
		ContainerID:     "ctr-" + id[:8],
		ContainerName:   "lab-ubuntu-base-" + id,
		Status:          environment.StatusActive,
		AccessURL:       "ssh://localhost:32768",
		Credentials:     environment.Credentials{Username: "student", Password: "s3cret-" + id[:4]},
		ExpiresAt:       expires,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

// RunRepositoryTests exercises the environment.Repository contract.
func RunRepositoryTests(t *testing.T, newRepo Factory) {
	ctx := context.Background()

	t.Run("InsertAndGet", func(t *testing.T) {
		repo := newRepo(t)
		module := "linux-101"
		env := NewRecord("u1", Base, Base.Add(30*time.Minute))
		env.ModuleID = &module
		require.NoError(t, repo.Insert(ctx, env))

		got, err := repo.Get(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, "u1", got.UserID)
		assert.Equal(t, env.EnvironmentType, got.EnvironmentType)
		require.NotNil(t, got.ModuleID)
		assert.Equal(t, module, *got.ModuleID)
		assert.Equal(t, env.ContainerID, got.ContainerID)
		assert.Equal(t, env.ContainerName, got.ContainerName)
		assert.Equal(t, environment.StatusActive, got.Status)
		assert.Equal(t, env.AccessURL, got.AccessURL)
		assert.Equal(t, env.Credentials, got.Credentials)
		assert.True(t, env.ExpiresAt.Equal(got.ExpiresAt), "expires_at %v != %v", env.ExpiresAt, got.ExpiresAt)
		assert.True(t, env.CreatedAt.Equal(got.CreatedAt), "created_at %v != %v", env.CreatedAt, got.CreatedAt)

		plain := NewRecord("u1", Base, Base.Add(time.Hour))
		require.NoError(t, repo.Insert(ctx, plain))
		got, err = repo.Get(ctx, plain.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ModuleID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, environment.ErrNotFound)
	})

	t.Run("DuplicateContainerName", func(t *testing.T) {
		repo := newRepo(t)
		first := NewRecord("u1", Base, Base.Add(time.Hour))
		require.NoError(t, repo.Insert(ctx, first))

		second := NewRecord("u1", Base, Base.Add(time.Hour))
		second.ContainerName = first.ContainerName
		assert.Error(t, repo.Insert(ctx, second))
	})

	t.Run("UpdateStatusIsConditional", func(t *testing.T) {
		repo := newRepo(t)
		env := NewRecord("u1", Base, Base.Add(time.Hour))
		require.NoError(t, repo.Insert(ctx, env))

		at := Base.Add(10 * time.Minute)
		require.NoError(t, repo.UpdateStatus(ctx, env.ID, environment.StatusActive, environment.StatusTerminated, at))

		got, err := repo.Get(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, environment.StatusTerminated, got.Status)
		assert.True(t, at.Equal(got.UpdatedAt))
		assert.True(t, env.ExpiresAt.Equal(got.ExpiresAt))

		err = repo.UpdateStatus(ctx, env.ID, environment.StatusActive, environment.StatusExpired, at)
		assert.ErrorIs(t, err, environment.ErrStatusConflict)

		got, err = repo.Get(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, environment.StatusTerminated, got.Status)

		err = repo.UpdateStatus(ctx, uuid.NewString(), environment.StatusActive, environment.StatusExpired, at)
		assert.ErrorIs(t, err, environment.ErrStatusConflict)
	})

	t.Run("ListActiveByOwner", func(t *testing.T) {
		repo := newRepo(t)
		older := NewRecord("u1", Base, Base.Add(time.Hour))
		newer := NewRecord("u1", Base.Add(time.Minute), Base.Add(time.Hour))
		ended := NewRecord("u1", Base.Add(2*time.Minute), Base.Add(time.Hour))
		other := NewRecord("u2", Base, Base.Add(time.Hour))
		for _, env := range []*environment.Environment{older, newer, ended, other} {
			require.NoError(t, repo.Insert(ctx, env))
		}
		require.NoError(t, repo.UpdateStatus(ctx, ended.ID, environment.StatusActive, environment.StatusTerminated, Base))

		got, err := repo.ListActiveByOwner(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, newer.ID, got[0].ID)
		assert.Equal(t, older.ID, got[1].ID)

		got, err = repo.ListActiveByOwner(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ListActiveExpiredBefore", func(t *testing.T) {
		repo := newRepo(t)
		sweep := Base.Add(time.Hour)

		early := NewRecord("u1", Base, sweep.Add(-30*time.Minute))
		boundary := NewRecord("u2", Base, sweep)
		future := NewRecord("u1", Base, sweep.Add(time.Second))
		terminated := NewRecord("u3", Base, sweep.Add(-time.Hour))
		for _, env := range []*environment.Environment{early, boundary, future, terminated} {
			require.NoError(t, repo.Insert(ctx, env))
		}
		require.NoError(t, repo.UpdateStatus(ctx, terminated.ID, environment.StatusActive, environment.StatusTerminated, Base))

		got, err := repo.ListActiveExpiredBefore(ctx, sweep)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, early.ID, got[0].ID)
		assert.Equal(t, boundary.ID, got[1].ID)
	})

	t.Run("ListActive", func(t *testing.T) {
		repo := newRepo(t)
		a := NewRecord("u1", Base, Base.Add(time.Hour))
		b := NewRecord("u2", Base.Add(time.Second), Base.Add(time.Hour))
		c := NewRecord("u3", Base.Add(2*time.Second), Base.Add(time.Hour))
		for _, env := range []*environment.Environment{a, b, c} {
			require.NoError(t, repo.Insert(ctx, env))
		}
		require.NoError(t, repo.UpdateStatus(ctx, b.ID, environment.StatusActive, environment.StatusExpired, Base))

		got, err := repo.ListActive(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(got))
		for _, env := range got {
			ids = append(ids, env.ID)
		}
		assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)
	})
}
