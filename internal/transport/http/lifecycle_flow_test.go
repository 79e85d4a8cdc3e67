package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberlearn/labmanager/internal/auth"
	"github.com/cyberlearn/labmanager/internal/catalog"
	"github.com/cyberlearn/labmanager/internal/environment"
	"github.com/cyberlearn/labmanager/internal/secrets"
	"github.com/cyberlearn/labmanager/internal/store/sqlite"
)

// flowRuntime is an in-memory container engine.
type flowRuntime struct {
	mu   sync.Mutex
	seq  int
	live map[string]bool
}

func (r *flowRuntime) CreateAndStart(_ context.Context, spec environment.InstanceSpec) (*environment.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("flow-%03d", r.seq)
	r.live[id] = true
	ports := map[string]string{}
	for i, p := range spec.Ports {
		ports[p] = fmt.Sprintf("%d", 40000+r.seq*10+i)
	}
	return &environment.Instance{ID: id, Name: spec.Name, Running: true, Ports: ports, Labels: spec.Labels}, nil
}

func (r *flowRuntime) Stop(context.Context, string) error { return nil }

func (r *flowRuntime) Remove(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, handle)
	return nil
}

func (r *flowRuntime) Inspect(_ context.Context, handle string) (*environment.Instance, error) {
	return &environment.Instance{ID: handle}, nil
}

func (r *flowRuntime) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

type flowClient struct {
	t       *testing.T
	baseURL string
	authz   string
}

func (c *flowClient) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rd)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.authz)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

// TestPurpose: Walks the full lifecycle through HTTP against a real service and store.
// Scope: Integration Test
// Security: Owner isolation across users
// Expected: provision, list, foreign delete rejected, delete, repeat delete 404, expiry sweep.
// Test Case ID: FLOW-01
func TestLifecycleFlow(t *testing.T) {
	store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "flow.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	sealer, err := secrets.New("flow-test-credentials-key")
	require.NoError(t, err)

	rt := &flowRuntime{live: map[string]bool{}}
	svc := environment.NewService(catalog.Default(), rt, store.Environments(sealer), nil, environment.Config{
		AccessHost: "labs.example.test",
	})
	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret, RequiredRole: "authenticated"})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(NewHandler(svc, verifier, time.Hour), RouterConfig{Metrics: NewMetrics()}))
	t.Cleanup(srv.Close)

	alice := &flowClient{t: t, baseURL: srv.URL, authz: bearer(t, "alice", "authenticated")}
	bob := &flowClient{t: t, baseURL: srv.URL, authz: bearer(t, "bob", "authenticated")}

	// 1. Provision
	status, body := alice.do(http.MethodPost, "/api/environments", map[string]any{
		"environment_type": "ubuntu-base",
		"duration_minutes": 30,
	})
	require.Equal(t, http.StatusCreated, status, string(body))
	var env environment.Environment
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, environment.StatusActive, env.Status)
	assert.Equal(t, "alice", env.UserID)
	assert.NotEmpty(t, env.AccessURL)
	assert.NotEmpty(t, env.Credentials.Password)
	assert.WithinDuration(t, env.CreatedAt.Add(30*time.Minute), env.ExpiresAt, time.Second)
	assert.Equal(t, 1, rt.running())

	// 2. Listing is per owner
	status, body = alice.do(http.MethodGet, "/api/environments/active", nil)
	require.Equal(t, http.StatusOK, status)
	var list ActiveEnvironmentsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Environments, 1)
	assert.Equal(t, env.ID, list.Environments[0].ID)
	assert.Equal(t, env.Credentials.Password, list.Environments[0].Credentials.Password)

	status, body = bob.do(http.MethodGet, "/api/environments/active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"environments":[]}`, string(body))

	// 3. Another owner cannot see or terminate it
	status, _ = bob.do(http.MethodGet, "/api/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = bob.do(http.MethodDelete, "/api/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, 1, rt.running())

	// 4. Terminate, then terminate again
	status, _ = alice.do(http.MethodDelete, "/api/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Zero(t, rt.running())
	status, _ = alice.do(http.MethodDelete, "/api/environments/"+env.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// 5. Expiry sweep
	status, body = bob.do(http.MethodPost, "/api/environments", map[string]any{"environment_type": "web-vulnerable"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var short environment.Environment
	require.NoError(t, json.Unmarshal(body, &short))

	result, err := svc.ExpireDue(context.Background(), short.ExpiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Zero(t, rt.running())

	status, body = bob.do(http.MethodGet, "/api/environments/active", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"environments":[]}`, string(body))
}
