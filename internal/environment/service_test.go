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

package environment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyberlearn/labmanager/internal/audit"
	"github.com/cyberlearn/labmanager/internal/catalog"
	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/environment/environmenttest"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Provisioned(ctx context.Context, envType string, elapsed time.Duration) {
	m.Called(envType)
}

func (m *mockRecorder) ProvisionFailed(ctx context.Context, envType, reason string) {
	m.Called(envType, reason)
}

func (m *mockRecorder) Ended(ctx context.Context, envType string, status environment.Status) {
	m.Called(envType, status)
}

func (m *mockRecorder) TeardownFailed(ctx context.Context, envType string) {
	m.Called(envType)
}

type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAudit) Log(_ context.Context, e audit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureAudit) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc     *environment.Service
	runtime *fakeRuntime
	repo    *environmenttest.MemoryRepository
	audit   *captureAudit
	clock   *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		runtime: newFakeRuntime(),
		repo:    environmenttest.NewMemoryRepository(),
		audit:   &captureAudit{},
	}
	now := testNow
	h.clock = &now

	cfg := environment.DefaultConfig()
	cfg.AccessHost = "labs.example.test"
	h.svc = environment.NewService(catalog.Default(), h.runtime, h.repo, h.audit, cfg)
	environment.SetClock(h.svc, func() time.Time { return *h.clock })
	return h
}

func (h *harness) provision(t *testing.T, owner string, d time.Duration) *environment.Environment {
	t.Helper()
	env, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           owner,
		EnvironmentType: "ubuntu-base",
		Duration:        d,
	})
	require.NoError(t, err)
	return env
}

func (h *harness) status(t *testing.T, id string) environment.Status {
	t.Helper()
	row, ok := h.repo.Snapshot()[id]
	require.True(t, ok, "row %s missing", id)
	return row.Status
}

// TestPurpose: Validates the provision happy path end to end.
// Scope: Unit Test
// Expected: The record is active, expires exactly creation + duration, carries an access URL built from the assigned host port, and is persisted.
// Test Case ID: LCM-01
func TestService_Provision(t *testing.T) {
	h := newHarness(t)
	rec := &mockRecorder{}
	rec.On("Provisioned", "ubuntu-base").Once()
	h.svc.WithRecorder(rec)
	environment.SetPasswordGenerator(h.svc, func() (string, error) { return "Gen3ratedPassw0rdXyz", nil })

	module := "linux-101"
	env, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "ubuntu-base",
		ModuleID:        &module,
		Duration:        30 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, environment.StatusActive, env.Status)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, testNow, env.CreatedAt)
	assert.Equal(t, testNow.Add(30*time.Minute), env.ExpiresAt)
	assert.Equal(t, "ctr-001", env.ContainerID)
	assert.Equal(t, "ssh://labs.example.test:32778", env.AccessURL)
	assert.Equal(t, environment.Credentials{Username: "student", Password: "Gen3ratedPassw0rdXyz"}, env.Credentials)
	require.NotNil(t, env.ModuleID)
	assert.Equal(t, module, *env.ModuleID)

	spec := h.runtime.lastSpec()
	assert.Equal(t, env.ContainerName, spec.Name)
	assert.Equal(t, "lscr.io/linuxserver/openssh-server:latest", spec.Image)
	assert.Equal(t, "student", spec.Env["USER_NAME"])
	assert.Equal(t, "Gen3ratedPassw0rdXyz", spec.Env["USER_PASSWORD"])
	assert.Equal(t, "1000", spec.Env["PUID"])
	assert.Equal(t, []string{"2222/tcp"}, spec.Ports)
	assert.Equal(t, env.ID, spec.Labels[environment.LabelEnvironmentID])
	assert.Equal(t, "u1", spec.Labels[environment.LabelOwner])
	assert.Equal(t, "true", spec.Labels[environment.LabelManaged])

	assert.Equal(t, environment.StatusActive, h.status(t, env.ID))
	assert.Equal(t, []string{audit.TypeEnvironmentProvisioned}, h.audit.types())
	rec.AssertExpectations(t)
}

func TestService_Provision_StaticCredentials(t *testing.T) {
	h := newHarness(t)

	env, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "web-vulnerable",
		Duration:        time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, environment.Credentials{Username: "admin", Password: "password"}, env.Credentials)
	assert.Equal(t, "http://labs.example.test:32778", env.AccessURL)
}

// TestPurpose: Validates that an unknown environment type is rejected before any side effect.
// Scope: Unit Test
// Expected: ErrUnknownEnvironmentType, no runtime call, no persisted record.
// Test Case ID: LCM-02
func TestService_Provision_UnknownType(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "nonexistent",
		Duration:        time.Hour,
	})
	assert.ErrorIs(t, err, environment.ErrUnknownEnvironmentType)
	assert.True(t, environment.IsClientError(err))
	assert.Equal(t, 0, h.runtime.createCalls())
	assert.Empty(t, h.repo.Snapshot())
}

func TestService_Provision_Validation(t *testing.T) {
	tests := []struct {
		name     string
		owner    string
		duration time.Duration
		wantErr  bool
	}{
		{"zero duration", "u1", 0, true},
		{"negative duration", "u1", -5 * time.Minute, true},
		{"below minimum", "u1", 4 * time.Minute, true},
		{"above maximum", "u1", 481 * time.Minute, true},
		{"minimum", "u1", 5 * time.Minute, false},
		{"maximum", "u1", 480 * time.Minute, false},
		{"missing owner", "  ", time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
				Owner:           tt.owner,
				EnvironmentType: "ubuntu-base",
				Duration:        tt.duration,
			})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, environment.ErrValidation)
			assert.Equal(t, 0, h.runtime.createCalls())
		})
	}
}

// TestPurpose: Validates that a failed runtime start leaves nothing behind.
// Scope: Unit Test
// Expected: ErrRuntime, no persisted record, and a best-effort removal by instance name.
// Test Case ID: LCM-03
func TestService_Provision_RuntimeFailure(t *testing.T) {
	h := newHarness(t)
	rec := &mockRecorder{}
	rec.On("ProvisionFailed", "ubuntu-base", "runtime").Once()
	h.svc.WithRecorder(rec)
	h.runtime.createErr = errors.New("image pull failed")

	_, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "ubuntu-base",
		Duration:        time.Hour,
	})
	assert.ErrorIs(t, err, environment.ErrRuntime)
	assert.False(t, environment.IsClientError(err))
	assert.Empty(t, h.repo.Snapshot())
	require.Len(t, h.runtime.removeCalls, 1)
	assert.Equal(t, h.runtime.lastSpec().Name, h.runtime.removeCalls[0])
	assert.Equal(t, []string{audit.TypeEnvironmentProvisionFail}, h.audit.types())
	rec.AssertExpectations(t)
}

// TestPurpose: Validates rollback when the record cannot be persisted after a successful start.
// Scope: Unit Test
// Expected: ErrPersistence and the started instance is stopped and removed.
// Test Case ID: LCM-04
func TestService_Provision_PersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.repo.InsertErr = errors.New("connection reset")

	_, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "ubuntu-base",
		Duration:        time.Hour,
	})
	assert.ErrorIs(t, err, environment.ErrPersistence)
	assert.Equal(t, 0, h.runtime.running())
	assert.Equal(t, []string{"ctr-001"}, h.runtime.stopCalls)
	assert.Equal(t, []string{"ctr-001"}, h.runtime.removeCalls)
}

func TestService_Provision_RollbackSurvivesCancelledRequest(t *testing.T) {
	h := newHarness(t)
	h.repo.InsertErr = context.Canceled

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.svc.Provision(ctx, environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "ubuntu-base",
		Duration:        time.Hour,
	})
	assert.ErrorIs(t, err, environment.ErrPersistence)
	assert.Equal(t, 0, h.runtime.running())
}

func TestService_Provision_HostPortFromInspect(t *testing.T) {
	h := newHarness(t)
	h.runtime.omitPorts = true

	env := h.provision(t, "u1", time.Hour)
	assert.Equal(t, "ssh://labs.example.test:32778", env.AccessURL)
}

func TestService_Provision_NoHostPort(t *testing.T) {
	h := newHarness(t)
	h.runtime.omitPorts = true
	h.runtime.inspectErr = errors.New("inspect timeout")

	_, err := h.svc.Provision(context.Background(), environment.ProvisionRequest{
		Owner:           "u1",
		EnvironmentType: "ubuntu-base",
		Duration:        time.Hour,
	})
	assert.ErrorIs(t, err, environment.ErrRuntime)
	assert.Equal(t, 0, h.runtime.running())
	assert.Empty(t, h.repo.Snapshot())
}

// TestPurpose: Validates that simultaneous provisions for the same owner and type do not collide.
// Scope: Unit Test
// Expected: Distinct records and distinct runtime instance names at the same instant.
// Test Case ID: LCM-05
func TestService_Provision_SameInstantNoCollision(t *testing.T) {
	h := newHarness(t)

	const n = 8
	var wg sync.WaitGroup
	envs := make([]*environment.Environment, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			envs[i], errs[i] = h.svc.Provision(context.Background(), environment.ProvisionRequest{
				Owner:           "u1",
				EnvironmentType: "ubuntu-base",
				Duration:        time.Hour,
			})
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	names := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		ids[envs[i].ID] = true
		names[envs[i].ContainerName] = true
	}
	assert.Len(t, ids, n)
	assert.Len(t, names, n)
	assert.Len(t, h.repo.Snapshot(), n)
}

// TestPurpose: Validates the provision → terminate → terminate scenario.
// Scope: Unit Test
// Expected: First terminate succeeds and marks the record terminated; the second returns ErrNotFound.
// Test Case ID: LCM-06
func TestService_Terminate(t *testing.T) {
	h := newHarness(t)
	rec := &mockRecorder{}
	rec.On("Provisioned", "ubuntu-base").Once()
	rec.On("Ended", "ubuntu-base", environment.StatusTerminated).Once()
	h.svc.WithRecorder(rec)

	env := h.provision(t, "u1", 30*time.Minute)
	assert.Equal(t, testNow.Add(30*time.Minute), env.ExpiresAt)

	*h.clock = testNow.Add(time.Minute)
	require.NoError(t, h.svc.Terminate(context.Background(), "u1", env.ID))

	row := h.repo.Snapshot()[env.ID]
	assert.Equal(t, environment.StatusTerminated, row.Status)
	assert.Equal(t, testNow.Add(time.Minute), row.UpdatedAt)
	assert.Equal(t, env.ExpiresAt, row.ExpiresAt)
	assert.Equal(t, 0, h.runtime.running())

	err := h.svc.Terminate(context.Background(), "u1", env.ID)
	assert.ErrorIs(t, err, environment.ErrNotFound)
	assert.Equal(t, environment.StatusTerminated, h.status(t, env.ID))

	assert.Equal(t, []string{audit.TypeEnvironmentProvisioned, audit.TypeEnvironmentTerminated}, h.audit.types())
	rec.AssertExpectations(t)
}

// TestPurpose: Validates owner isolation on terminate and get.
// Scope: Unit Test
// Security: Owner isolation
// Expected: Another owner gets ErrNotFound and the record is untouched.
// Test Case ID: LCM-07
func TestService_Terminate_NotOwner(t *testing.T) {
	h := newHarness(t)
	env := h.provision(t, "u1", time.Hour)

	err := h.svc.Terminate(context.Background(), "u2", env.ID)
	assert.ErrorIs(t, err, environment.ErrNotFound)
	assert.Equal(t, environment.StatusActive, h.status(t, env.ID))
	assert.Equal(t, 1, h.runtime.running())

	_, err = h.svc.Get(context.Background(), "u2", env.ID)
	assert.ErrorIs(t, err, environment.ErrNotFound)

	got, err := h.svc.Get(context.Background(), "u1", env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)

	err = h.svc.Terminate(context.Background(), "u1", "not-a-uuid")
	assert.ErrorIs(t, err, environment.ErrNotFound)

	err = h.svc.Terminate(context.Background(), "", env.ID)
	assert.ErrorIs(t, err, environment.ErrValidation)
}

// TestPurpose: Validates that a failed teardown leaves the record active and a retry succeeds.
// Scope: Unit Test
// Expected: ErrRuntime with status active; after the runtime recovers the same call succeeds.
// Test Case ID: LCM-08
func TestService_Terminate_TeardownFailure(t *testing.T) {
	h := newHarness(t)
	env := h.provision(t, "u1", time.Hour)
	h.runtime.failRemove(env.ContainerID, errors.New("daemon unavailable"))

	err := h.svc.Terminate(context.Background(), "u1", env.ID)
	assert.ErrorIs(t, err, environment.ErrRuntime)
	assert.Equal(t, environment.StatusActive, h.status(t, env.ID))
	assert.Contains(t, h.audit.types(), audit.TypeEnvironmentTeardownFailed)

	h.runtime.failRemove(env.ContainerID, nil)
	require.NoError(t, h.svc.Terminate(context.Background(), "u1", env.ID))
	assert.Equal(t, environment.StatusTerminated, h.status(t, env.ID))
}

func TestService_Terminate_PersistenceFailure(t *testing.T) {
	h := newHarness(t)
	env := h.provision(t, "u1", time.Hour)
	h.repo.UpdateErr = errors.New("deadlock detected")

	err := h.svc.Terminate(context.Background(), "u1", env.ID)
	assert.ErrorIs(t, err, environment.ErrPersistence)

	h.repo.UpdateErr = nil
	h.repo.GetErr = errors.New("connection refused")
	err = h.svc.Terminate(context.Background(), "u1", env.ID)
	assert.ErrorIs(t, err, environment.ErrPersistence)
}

// TestPurpose: Validates that concurrent terminate calls settle on exactly one winner.
// Scope: Unit Test
// Expected: One call succeeds, the rest return ErrNotFound, and the record ends terminated.
// Test Case ID: LCM-09
func TestService_Terminate_Concurrent(t *testing.T) {
	h := newHarness(t)
	env := h.provision(t, "u1", time.Hour)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.svc.Terminate(context.Background(), "u1", env.ID)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, environment.ErrNotFound)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, environment.StatusTerminated, h.status(t, env.ID))
}

func TestService_ListActive(t *testing.T) {
	h := newHarness(t)
	first := h.provision(t, "u1", time.Hour)
	*h.clock = testNow.Add(time.Second)
	second := h.provision(t, "u1", time.Hour)
	h.provision(t, "u2", time.Hour)
	require.NoError(t, h.svc.Terminate(context.Background(), "u1", first.ID))

	envs, err := h.svc.ListActive(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, second.ID, envs[0].ID)

	envs, err = h.svc.ListActive(context.Background(), "u3")
	require.NoError(t, err)
	assert.Empty(t, envs)

	h.repo.ListErr = errors.New("timeout")
	_, err = h.svc.ListActive(context.Background(), "u1")
	assert.ErrorIs(t, err, environment.ErrPersistence)
}

// TestPurpose: Validates the expiry sweep over mixed expiration times and statuses.
// Scope: Unit Test
// Expected: Exactly the active records with expiry at or before the sweep time become expired; terminated and future records are untouched.
// Test Case ID: LCM-10
func TestService_ExpireDue(t *testing.T) {
	h := newHarness(t)
	rec := &mockRecorder{}
	rec.On("Provisioned", "ubuntu-base")
	rec.On("Ended", "ubuntu-base", environment.StatusTerminated).Once()
	rec.On("Ended", "ubuntu-base", environment.StatusExpired).Twice()
	h.svc.WithRecorder(rec)

	short := h.provision(t, "u1", 10*time.Minute)
	exact := h.provision(t, "u2", 30*time.Minute)
	long := h.provision(t, "u1", 2*time.Hour)
	ended := h.provision(t, "u3", 5*time.Minute)
	require.NoError(t, h.svc.Terminate(context.Background(), "u3", ended.ID))

	sweep := testNow.Add(30 * time.Minute)
	*h.clock = sweep
	result, err := h.svc.ExpireDue(context.Background(), sweep)
	require.NoError(t, err)
	assert.Equal(t, environment.SweepResult{Candidates: 2, Expired: 2}, result)

	assert.Equal(t, environment.StatusExpired, h.status(t, short.ID))
	assert.Equal(t, environment.StatusExpired, h.status(t, exact.ID))
	assert.Equal(t, environment.StatusActive, h.status(t, long.ID))
	assert.Equal(t, environment.StatusTerminated, h.status(t, ended.ID))
	assert.Equal(t, 1, h.runtime.running())

	// Terminal states stay terminal.
	err = h.svc.Terminate(context.Background(), "u1", short.ID)
	assert.ErrorIs(t, err, environment.ErrNotFound)
	result, err = h.svc.ExpireDue(context.Background(), sweep)
	require.NoError(t, err)
	assert.Equal(t, environment.SweepResult{}, result)
	assert.Equal(t, environment.StatusExpired, h.status(t, short.ID))

	rec.AssertExpectations(t)
}

// TestPurpose: Validates that one failing teardown does not stop the rest of the sweep.
// Scope: Unit Test
// Expected: The failing record stays active for the next sweep while the others expire.
// Test Case ID: LCM-11
func TestService_ExpireDue_PartialFailure(t *testing.T) {
	h := newHarness(t)
	a := h.provision(t, "u1", 10*time.Minute)
	b := h.provision(t, "u2", 10*time.Minute)
	c := h.provision(t, "u3", 10*time.Minute)
	h.runtime.failRemove(b.ContainerID, errors.New("device busy"))

	sweep := testNow.Add(time.Hour)
	result, err := h.svc.ExpireDue(context.Background(), sweep)
	require.NoError(t, err)
	assert.Equal(t, environment.SweepResult{Candidates: 3, Expired: 2, Failed: 1}, result)
	assert.Equal(t, environment.StatusExpired, h.status(t, a.ID))
	assert.Equal(t, environment.StatusActive, h.status(t, b.ID))
	assert.Equal(t, environment.StatusExpired, h.status(t, c.ID))

	h.runtime.failRemove(b.ContainerID, nil)
	result, err = h.svc.ExpireDue(context.Background(), sweep)
	require.NoError(t, err)
	assert.Equal(t, environment.SweepResult{Candidates: 1, Expired: 1}, result)
	assert.Equal(t, environment.StatusExpired, h.status(t, b.ID))
}

func TestService_ExpireDue_ListFailure(t *testing.T) {
	h := newHarness(t)
	h.repo.ListErr = errors.New("connection refused")

	_, err := h.svc.ExpireDue(context.Background(), testNow)
	assert.ErrorIs(t, err, environment.ErrPersistence)
}
