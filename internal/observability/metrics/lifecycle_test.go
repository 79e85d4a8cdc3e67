package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberlearn/labmanager/internal/environment"
)

func TestLifecycle_NoopMeter(t *testing.T) {
	l, err := NewLifecycle(New(Config{}, "labmanager"))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		l.Provisioned(ctx, "ubuntu-base", 3*time.Second)
		l.ProvisionFailed(ctx, "ubuntu-base", "runtime")
		l.Ended(ctx, "ubuntu-base", environment.StatusExpired)
		l.TeardownFailed(ctx, "ubuntu-base")
	})
}
