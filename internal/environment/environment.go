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

// Package environment implements the lifecycle of per-user lab environments:
// provisioning a sandboxed container, handing out access, and tearing it down
// on request or when its lease runs out.
//
// Status only ever moves out of StatusActive, and every move is a conditional
// write against the expected current status, so concurrent terminate and
// expiry attempts on the same environment settle on exactly one winner.
package environment

import "time"

// Status is the lifecycle state of an environment.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusTerminated, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusExpired
}

// Credentials is the login pair handed to the learner.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Environment is a provisioned lab instance. Rows are never deleted; only
// Status and UpdatedAt change after creation.
type Environment struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	EnvironmentType string      `json:"environment_type"`
	ModuleID        *string     `json:"module_id"`
	ContainerID     string      `json:"container_id"`
	ContainerName   string      `json:"container_name"`
	Status          Status      `json:"status"`
	AccessURL       string      `json:"access_url"`
	Credentials     Credentials `json:"credentials"`
	ExpiresAt       time.Time   `json:"expiration_time"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// IsActive reports whether the environment still has a running instance.
func (e *Environment) IsActive() bool {
	return e.Status == StatusActive
}

// IsDue reports whether the lease has run out at now.
func (e *Environment) IsDue(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// OwnedBy reports whether owner is the environment's owner.
func (e *Environment) OwnedBy(owner string) bool {
	return owner != "" && e.UserID == owner
}

// Clone returns a deep copy.
func (e *Environment) Clone() *Environment {
	out := *e
	if e.ModuleID != nil {
		m := *e.ModuleID
		out.ModuleID = &m
	}
	return &out
}
