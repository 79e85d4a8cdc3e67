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

// Package environmenttest provides an in-memory Repository and a conformance
// suite shared by the store implementations.
package environmenttest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cyberlearn/labmanager/internal/environment"
)

// MemoryRepository is a thread-safe in-memory environment.Repository. The
// *Err fields, when set, are returned by the matching methods.
type MemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*environment.Environment

	InsertErr error
	GetErr    error
	UpdateErr error
	ListErr   error
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*environment.Environment)}
}

func (m *MemoryRepository) Insert(_ context.Context, env *environment.Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if _, ok := m.rows[env.ID]; ok {
		return fmt.Errorf("duplicate id %s", env.ID)
	}
	for _, row := range m.rows {
		if row.ContainerName == env.ContainerName {
			return fmt.Errorf("duplicate container name %s", env.ContainerName)
		}
	}
	m.rows[env.ID] = env.Clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*environment.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	row, ok := m.rows[id]
	if !ok {
		return nil, environment.ErrNotFound
	}
	return row.Clone(), nil
}

func (m *MemoryRepository) UpdateStatus(_ context.Context, id string, from, to environment.Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	row, ok := m.rows[id]
	if !ok || row.Status != from {
		return environment.ErrStatusConflict
	}
	row.Status = to
	row.UpdatedAt = at
	return nil
}

func (m *MemoryRepository) ListActiveByOwner(_ context.Context, owner string) ([]*environment.Environment, error) {
	out, err := m.list(func(e *environment.Environment) bool {
		return e.IsActive() && e.UserID == owner
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ListActiveExpiredBefore(_ context.Context, t time.Time) ([]*environment.Environment, error) {
	out, err := m.list(func(e *environment.Environment) bool {
		return e.IsActive() && e.IsDue(t)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryRepository) ListActive(_ context.Context) ([]*environment.Environment, error) {
	out, err := m.list(func(e *environment.Environment) bool { return e.IsActive() })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Snapshot returns a copy of every stored row, keyed by ID.
func (m *MemoryRepository) Snapshot() map[string]*environment.Environment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*environment.Environment, len(m.rows))
	for id, row := range m.rows {
		out[id] = row.Clone()
	}
	return out
}

func (m *MemoryRepository) list(keep func(*environment.Environment) bool) ([]*environment.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []*environment.Environment
	for _, row := range m.rows {
		if keep(row) {
			out = append(out, row.Clone())
		}
	}
	return out, nil
}
