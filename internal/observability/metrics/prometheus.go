package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyberlearn/labmanager/internal/environment"
)

// PromLifecycle exposes lifecycle outcomes as Prometheus collectors.
type PromLifecycle struct {
	provisioned      *prometheus.CounterVec
	provisionFailed  *prometheus.CounterVec
	provisionSeconds *prometheus.HistogramVec
	ended            *prometheus.CounterVec
	teardownFailed   *prometheus.CounterVec
}

var _ environment.Recorder = (*PromLifecycle)(nil)

// NewPromLifecycle registers the lifecycle collectors on reg.
func NewPromLifecycle(reg prometheus.Registerer) (*PromLifecycle, error) {
	l := &PromLifecycle{
		provisioned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labmanager",
			Subsystem: "environments",
			Name:      "provisioned_total",
			Help:      "Environments provisioned",
		}, []string{"environment_type"}),
		provisionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labmanager",
			Subsystem: "environments",
			Name:      "provision_failed_total",
			Help:      "Provision attempts that failed",
		}, []string{"environment_type", "reason"}),
		provisionSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labmanager",
			Subsystem: "environments",
			Name:      "provision_duration_seconds",
			Help:      "Time to provision an environment",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"environment_type"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labmanager",
			Subsystem: "environments",
			Name:      "ended_total",
			Help:      "Environments terminated or expired",
		}, []string{"environment_type", "status"}),
		teardownFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labmanager",
			Subsystem: "environments",
			Name:      "teardown_failed_total",
			Help:      "Runtime teardowns that failed",
		}, []string{"environment_type"}),
	}
	for _, c := range []prometheus.Collector{l.provisioned, l.provisionFailed, l.provisionSeconds, l.ended, l.teardownFailed} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (l *PromLifecycle) Provisioned(_ context.Context, envType string, elapsed time.Duration) {
	l.provisioned.WithLabelValues(envType).Inc()
	l.provisionSeconds.WithLabelValues(envType).Observe(elapsed.Seconds())
}

func (l *PromLifecycle) ProvisionFailed(_ context.Context, envType, reason string) {
	l.provisionFailed.WithLabelValues(envType, reason).Inc()
}

func (l *PromLifecycle) Ended(_ context.Context, envType string, status environment.Status) {
	l.ended.WithLabelValues(envType, string(status)).Inc()
}

func (l *PromLifecycle) TeardownFailed(_ context.Context, envType string) {
	l.teardownFailed.WithLabelValues(envType).Inc()
}

// Fanout forwards every outcome to each recorder.
type Fanout []environment.Recorder

func (f Fanout) Provisioned(ctx context.Context, envType string, elapsed time.Duration) {
	for _, r := range f {
		r.Provisioned(ctx, envType, elapsed)
	}
}

func (f Fanout) ProvisionFailed(ctx context.Context, envType, reason string) {
	for _, r := range f {
		r.ProvisionFailed(ctx, envType, reason)
	}
}

func (f Fanout) Ended(ctx context.Context, envType string, status environment.Status) {
	for _, r := range f {
		r.Ended(ctx, envType, status)
	}
}

func (f Fanout) TeardownFailed(ctx context.Context, envType string) {
	for _, r := range f {
		r.TeardownFailed(ctx, envType)
	}
}
