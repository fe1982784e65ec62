package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faas/pkg/config"
	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/orchestrator"
	"github.com/cuemby/faas/pkg/registry"
	"github.com/cuemby/faas/pkg/storage"
	"github.com/cuemby/faas/pkg/types"
)

var _ executor.Executor = (*fakeExecutor)(nil)

// fakeExecutor backs each instance with a real httptest.Server so dispatch
// genuinely round-trips over HTTP, matching the integration-style testing
// used across pkg/orchestrator.
type fakeExecutor struct {
	handler http.HandlerFunc

	mu        sync.Mutex
	instances map[string]*httptest.Server
	records   map[string]*types.Instance
}

func newFakeExecutor(h http.HandlerFunc) *fakeExecutor {
	return &fakeExecutor{handler: h, instances: make(map[string]*httptest.Server), records: make(map[string]*types.Instance)}
}

func (f *fakeExecutor) CreateInstance(ctx context.Context, fn *types.FunctionConfig, cfg types.RuntimeConfig) (*types.Instance, error) {
	srv := httptest.NewServer(f.handler)
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		srv.Close()
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		srv.Close()
		return nil, err
	}

	runtimeID := cfg[types.EnvRuntimeID]
	inst := types.NewInstance(runtimeID, fn.Name, fn.ExecutionMode, port)

	f.mu.Lock()
	f.instances[runtimeID] = srv
	f.records[runtimeID] = inst
	f.mu.Unlock()
	return inst, nil
}

func (f *fakeExecutor) GetInstance(runtimeID string) (*types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.records[runtimeID]
	if !ok {
		return nil, types.ErrInstanceNotFound
	}
	return inst, nil
}

func (f *fakeExecutor) StopInstance(ctx context.Context, runtimeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	srv, ok := f.instances[runtimeID]
	if !ok {
		return types.ErrInstanceNotFound
	}
	srv.Close()
	delete(f.instances, runtimeID)
	delete(f.records, runtimeID)
	return nil
}

func (f *fakeExecutor) CleanupExpired(ctx context.Context, ttl time.Duration) {}

func (f *fakeExecutor) UpdateLastUsed(runtimeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.records[runtimeID]; ok {
		inst.Touch()
	}
}

func (f *fakeExecutor) GetStats() types.ExecutorStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.ExecutorStats{ExecutorType: types.ExecutionModeProcess, Platform: "fake", TotalInstances: len(f.records)}
}

func (f *fakeExecutor) HealthCheck(ctx context.Context) bool { return true }

func (f *fakeExecutor) Shutdown(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, srv := range f.instances {
		srv.Close()
	}
}

func healthyHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok"})
}

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg, err := registry.New(store)
	require.NoError(t, err)

	fake := newFakeExecutor(healthyHandler)
	orch := orchestrator.New(reg, map[types.ExecutionMode]executor.Executor{
		types.ExecutionModeProcess: fake,
	}, config.Default())

	srv := NewServer("127.0.0.1:0", reg, orch)
	return srv, reg
}

func TestHealthRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterAndGetFunction(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"name": "hello",
		"code": base64.StdEncoding.EncodeToString([]byte("package main")),
	})
	req := httptest.NewRequest(http.MethodPost, "/functions", strings.NewReader(string(body)))
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/functions/hello", nil)
	w = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetFunctionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/functions/missing", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInvokeAndStats(t *testing.T) {
	srv, reg := newTestServer(t)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "hello"}, []byte("package main")))

	req := httptest.NewRequest(http.MethodPost, "/invoke/hello", strings.NewReader(`{"x":1}`))
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	w = httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	platform := stats["platform"].(map[string]any)
	assert.EqualValues(t, 1, platform["total_functions"])
}

func TestDeleteFunctionRemovesRegistration(t *testing.T) {
	srv, reg := newTestServer(t)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "hello"}, nil))

	req := httptest.NewRequest(http.MethodDelete, "/functions/hello", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	_, err := reg.Get("hello")
	assert.ErrorIs(t, err, types.ErrFunctionNotFound)
}

func TestDeleteInstanceNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/instances/missing", nil)
	w := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
