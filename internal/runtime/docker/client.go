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

// Package docker implements the container runtime boundary on top of the
// Docker Engine API.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/observability/logger"
)

// Config configures the Docker runtime.
type Config struct {
	// Host overrides DOCKER_HOST when set.
	Host string
	// Network attaches lab containers to a user-defined network.
	Network string
	// BindHost is the host interface published ports bind to.
	BindHost string
	// StopTimeout is the grace period before a container is killed.
	StopTimeout time.Duration
	// PortWaitAttempts bounds polling for the assigned host ports.
	PortWaitAttempts int
	// PortWaitInterval is the delay between polls.
	PortWaitInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.PortWaitAttempts <= 0 {
		c.PortWaitAttempts = 10
	}
	if c.PortWaitInterval <= 0 {
		c.PortWaitInterval = 200 * time.Millisecond
	}
	return c
}

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
	cfg   Config
}

var _ environment.Runtime = (*Client)(nil)

// New creates a new Docker client using environment defaults.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner, cfg: cfg}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// CreateAndStart pulls the image if needed, then creates and starts a
// container publishing spec.Ports on host ports chosen by the daemon.
func (c *Client) CreateAndStart(ctx context.Context, spec environment.InstanceSpec) (*environment.Instance, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}

	if err := c.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	config, hostCfg, err := buildContainerConfig(spec, c.cfg.BindHost)
	if err != nil {
		return nil, err
	}
	var netCfg *network.NetworkingConfig
	if c.cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(c.cfg.Network)
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{c.cfg.Network: {}},
		}
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	for _, w := range created.Warnings {
		slog.WarnContext(ctx, "docker create warning", logger.ContainerName(spec.Name), logger.String("warning", w))
	}

	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		if rmErr := c.inner.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true}); rmErr != nil && !client.IsErrNotFound(rmErr) {
			slog.WarnContext(ctx, "failed to remove container after start failure",
				logger.ContainerID(created.ID),
				logger.Error(rmErr),
			)
		}
		return &environment.Instance{ID: created.ID, Name: spec.Name}, fmt.Errorf("container start: %w", err)
	}

	inspect, err := c.waitForPorts(ctx, created.ID, len(spec.Ports))
	if err != nil {
		return &environment.Instance{ID: created.ID, Name: spec.Name}, err
	}
	return toInstance(inspect), nil
}

// Stop stops a container. A missing or already stopped container is not an
// error.
func (c *Client) Stop(ctx context.Context, handle string) error {
	timeout := int(c.cfg.StopTimeout.Seconds())
	err := c.inner.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// Remove force-removes a container and its anonymous volumes. A missing
// container is not an error.
func (c *Client) Remove(ctx context.Context, handle string) error {
	err := c.inner.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		if isRemovalInProgress(err) {
			return nil
		}
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Inspect returns the container's state and port mapping.
func (c *Client) Inspect(ctx context.Context, handle string) (*environment.Instance, error) {
	inspect, err := c.inner.ContainerInspect(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	return toInstance(inspect), nil
}

// ListManaged returns every container carrying the managed label, running or
// not.
func (c *Client) ListManaged(ctx context.Context) ([]environment.Instance, error) {
	f := filters.NewArgs(filters.Arg("label", environment.LabelManaged+"=true"))
	ctrs, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	out := make([]environment.Instance, 0, len(ctrs))
	for _, ctr := range ctrs {
		out = append(out, summaryToInstance(ctr))
	}
	return out, nil
}

func (c *Client) ensureImage(ctx context.Context, ref string) error {
	_, _, err := c.inner.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	slog.InfoContext(ctx, "pulling image", logger.String("image", ref))
	rc, err := c.inner.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return nil
}

func (c *Client) waitForPorts(ctx context.Context, id string, want int) (types.ContainerJSON, error) {
	var inspect types.ContainerJSON
	var err error
	for attempt := 0; attempt < c.cfg.PortWaitAttempts; attempt++ {
		inspect, err = c.inner.ContainerInspect(ctx, id)
		if err != nil {
			return inspect, fmt.Errorf("container inspect: %w", err)
		}
		if want == 0 || len(hostPorts(inspect.NetworkSettings)) >= want {
			return inspect, nil
		}
		if attempt == c.cfg.PortWaitAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return inspect, fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(c.cfg.PortWaitInterval):
		}
	}
	return inspect, nil
}

func buildContainerConfig(spec environment.InstanceSpec, bindHost string) (*container.Config, *container.HostConfig, error) {
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return nil, nil, fmt.Errorf("parse ports: %w", err)
	}
	for port := range bindings {
		bindings[port] = []nat.PortBinding{{HostIP: bindHost, HostPort: ""}}
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          envList(spec.Env),
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: int64(spec.Limits.CPUs * 1e9),
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	if spec.Limits.PIDs > 0 {
		pids := spec.Limits.PIDs
		hostCfg.Resources.PidsLimit = &pids
	}
	return config, hostCfg, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func hostPorts(settings *types.NetworkSettings) map[string]string {
	out := map[string]string{}
	if settings == nil {
		return out
	}
	for port, bindings := range settings.Ports {
		for _, b := range bindings {
			if strings.TrimSpace(b.HostPort) != "" {
				out[string(port)] = b.HostPort
				break
			}
		}
	}
	return out
}

func toInstance(inspect types.ContainerJSON) *environment.Instance {
	inst := &environment.Instance{Ports: hostPorts(inspect.NetworkSettings)}
	if inspect.ContainerJSONBase != nil {
		inst.ID = inspect.ID
		inst.Name = strings.TrimPrefix(inspect.Name, "/")
		inst.Running = inspect.State != nil && inspect.State.Running
		if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
			inst.Created = created
		}
	}
	if inspect.Config != nil {
		inst.Labels = inspect.Config.Labels
	}
	return inst
}

func summaryToInstance(ctr types.Container) environment.Instance {
	inst := environment.Instance{
		ID:      ctr.ID,
		Running: ctr.State == "running",
		Created: time.Unix(ctr.Created, 0).UTC(),
		Labels:  ctr.Labels,
		Ports:   map[string]string{},
	}
	if len(ctr.Names) > 0 {
		inst.Name = strings.TrimPrefix(ctr.Names[0], "/")
	}
	for _, p := range ctr.Ports {
		if p.PublicPort == 0 {
			continue
		}
		key := fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
		if _, ok := inst.Ports[key]; !ok {
			inst.Ports[key] = fmt.Sprintf("%d", p.PublicPort)
		}
	}
	return inst
}

func isRemovalInProgress(err error) bool {
	return strings.Contains(err.Error(), "is already in progress")
}
