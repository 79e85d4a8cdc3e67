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

// Package catalog holds the static set of lab environment kinds that can be
// provisioned. Entries are immutable once the catalog is built.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when an environment type is not in the catalog.
var ErrNotFound = errors.New("environment type not found")

// ResourceLimits constrains a running lab container.
type ResourceLimits struct {
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes"`
	CPUs        float64 `json:"cpus" yaml:"cpus"`
	PIDs        int64   `json:"pids,omitempty" yaml:"pids"`
}

// CredentialSpec describes how the generated credential pair reaches the
// container. When PasswordEnv is empty the image cannot take a password at
// runtime and StaticPassword is handed out instead.
type CredentialSpec struct {
	Username       string `json:"username" yaml:"username"`
	UsernameEnv    string `json:"-" yaml:"username_env"`
	PasswordEnv    string `json:"-" yaml:"password_env"`
	StaticPassword string `json:"-" yaml:"static_password"`
}

// EnvironmentType is a catalog entry.
type EnvironmentType struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description" yaml:"description"`
	Image        string            `json:"image" yaml:"image"`
	Command      []string          `json:"command,omitempty" yaml:"command"`
	Env          map[string]string `json:"-" yaml:"env"`
	Ports        []string          `json:"ports" yaml:"ports"`
	AccessPort   string            `json:"access_port" yaml:"access_port"`
	AccessScheme string            `json:"access_scheme" yaml:"access_scheme"`
	Limits       ResourceLimits    `json:"limits" yaml:"limits"`
	Credentials  CredentialSpec    `json:"credentials" yaml:"credentials"`
}

// Validate checks that the entry can be provisioned.
func (t EnvironmentType) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(t.Image) == "" {
		return fmt.Errorf("%s: image is required", t.ID)
	}
	if len(t.Ports) == 0 {
		return fmt.Errorf("%s: at least one port is required", t.ID)
	}
	for _, p := range t.Ports {
		if !validPort(p) {
			return fmt.Errorf("%s: invalid port %q", t.ID, p)
		}
	}
	if !contains(t.Ports, t.AccessPort) {
		return fmt.Errorf("%s: access port %q is not exposed", t.ID, t.AccessPort)
	}
	if t.AccessScheme == "" {
		return fmt.Errorf("%s: access scheme is required", t.ID)
	}
	if t.Limits.MemoryBytes <= 0 || t.Limits.CPUs <= 0 {
		return fmt.Errorf("%s: memory and cpu limits must be positive", t.ID)
	}
	if t.Credentials.PasswordEnv == "" && t.Credentials.StaticPassword == "" {
		return fmt.Errorf("%s: either password_env or static_password is required", t.ID)
	}
	return nil
}

// Catalog is an immutable lookup table of environment types.
type Catalog struct {
	types map[string]EnvironmentType
	order []string
}

// New builds a catalog, rejecting invalid or duplicate entries.
func New(types ...EnvironmentType) (*Catalog, error) {
	c := &Catalog{types: make(map[string]EnvironmentType, len(types))}
	for _, t := range types {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid environment type: %w", err)
		}
		if _, dup := c.types[t.ID]; dup {
			return nil, fmt.Errorf("duplicate environment type %q", t.ID)
		}
		c.types[t.ID] = t.clone()
		c.order = append(c.order, t.ID)
	}
	if len(c.order) == 0 {
		return nil, errors.New("catalog is empty")
	}
	return c, nil
}

// Lookup returns the environment type with the given ID.
func (c *Catalog) Lookup(id string) (EnvironmentType, error) {
	t, ok := c.types[id]
	if !ok {
		return EnvironmentType{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t.clone(), nil
}

// List returns all entries in definition order.
func (c *Catalog) List() []EnvironmentType {
	out := make([]EnvironmentType, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.types[id].clone())
	}
	return out
}

// IDs returns the sorted entry identifiers.
func (c *Catalog) IDs() []string {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	return ids
}

func (t EnvironmentType) clone() EnvironmentType {
	out := t
	out.Command = append([]string(nil), t.Command...)
	out.Ports = append([]string(nil), t.Ports...)
	if t.Env != nil {
		out.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			out.Env[k] = v
		}
	}
	return out
}

func validPort(p string) bool {
	num, proto, ok := strings.Cut(p, "/")
	if !ok || (proto != "tcp" && proto != "udp") || num == "" {
		return false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(num) <= 5
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
