package environment

import (
	"context"
	"time"
)

// Recorder receives lifecycle outcomes for metrics.
type Recorder interface {
	Provisioned(ctx context.Context, envType string, elapsed time.Duration)
	ProvisionFailed(ctx context.Context, envType, reason string)
	Ended(ctx context.Context, envType string, status Status)
	TeardownFailed(ctx context.Context, envType string)
}

type nopRecorder struct{}

func (nopRecorder) Provisioned(context.Context, string, time.Duration) {}
func (nopRecorder) ProvisionFailed(context.Context, string, string)    {}
func (nopRecorder) Ended(context.Context, string, Status)              {}
func (nopRecorder) TeardownFailed(context.Context, string)             {}
