package environment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberlearn/labmanager/internal/environment"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (s *countingSweeper) ExpireDue(_ context.Context, now time.Time) (environment.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	return environment.SweepResult{Candidates: 1, Expired: 1}, s.err
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// TestPurpose: Validates that a single sweep can be driven deterministically.
// Scope: Unit Test
// Expected: RunOnce passes the reaper clock to the sweeper and returns its result or error.
// Test Case ID: RPR-01
func TestReaper_RunOnce(t *testing.T) {
	sweeper := &countingSweeper{}
	r := environment.NewReaper(sweeper, time.Minute, nil)
	environment.SetReaperClock(r, func() time.Time { return testNow })

	result, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	require.Equal(t, 1, sweeper.count())
	assert.Equal(t, testNow, sweeper.calls[0])

	sweeper.err = errors.New("store down")
	_, err = r.RunOnce(context.Background())
	assert.Error(t, err)
}

// TestPurpose: Validates the scheduled reaper lifecycle.
// Scope: Unit Test
// Expected: Start sweeps immediately, and the reaper stops both via the stop function and via context cancellation.
// Test Case ID: RPR-02
func TestReaper_StartStop(t *testing.T) {
	sweeper := &countingSweeper{}
	r := environment.NewReaper(sweeper, time.Hour, nil)

	stop := r.Start(context.Background())
	assert.Eventually(t, func() bool { return sweeper.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	stop()
	stop()

	ctx, cancel := context.WithCancel(context.Background())
	second := &countingSweeper{}
	stop = environment.NewReaper(second, time.Hour, nil).Start(ctx)
	assert.Eventually(t, func() bool { return second.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	stop()
}
