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

package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cyberlearn/labmanager/internal/environment"
)

// Lifecycle records environment lifecycle outcomes.
type Lifecycle struct {
	provisioned      metric.Int64Counter
	provisionFailed  metric.Int64Counter
	provisionSeconds metric.Float64Histogram
	ended            metric.Int64Counter
	teardownFailed   metric.Int64Counter
	active           metric.Int64UpDownCounter
}

var _ environment.Recorder = (*Lifecycle)(nil)

// NewLifecycle registers the lifecycle instruments on m.
func NewLifecycle(m *Meter) (*Lifecycle, error) {
	var l Lifecycle
	var err error
	if l.provisioned, err = m.CreateCounter("lab.environments.provisioned", "Environments provisioned"); err != nil {
		return nil, err
	}
	if l.provisionFailed, err = m.CreateCounter("lab.environments.provision_failed", "Provision attempts that failed"); err != nil {
		return nil, err
	}
	if l.provisionSeconds, err = m.CreateHistogram("lab.environments.provision.duration", "Time to provision an environment", "s"); err != nil {
		return nil, err
	}
	if l.ended, err = m.CreateCounter("lab.environments.ended", "Environments terminated or expired"); err != nil {
		return nil, err
	}
	if l.teardownFailed, err = m.CreateCounter("lab.environments.teardown_failed", "Runtime teardowns that failed"); err != nil {
		return nil, err
	}
	if l.active, err = m.CreateUpDownCounter("lab.environments.active", "Environments provisioned by this process and not yet ended"); err != nil {
		return nil, err
	}
	return &l, nil
}

func (l *Lifecycle) Provisioned(ctx context.Context, envType string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("environment_type", envType))
	l.provisioned.Add(ctx, 1, attrs)
	l.provisionSeconds.Record(ctx, elapsed.Seconds(), attrs)
	l.active.Add(ctx, 1, attrs)
}

func (l *Lifecycle) ProvisionFailed(ctx context.Context, envType, reason string) {
	l.provisionFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment_type", envType),
		attribute.String("reason", reason),
	))
}

func (l *Lifecycle) Ended(ctx context.Context, envType string, status environment.Status) {
	l.ended.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment_type", envType),
		attribute.String("status", string(status)),
	))
	l.active.Add(ctx, -1, metric.WithAttributes(attribute.String("environment_type", envType)))
}

func (l *Lifecycle) TeardownFailed(ctx context.Context, envType string) {
	l.teardownFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("environment_type", envType)))
}
