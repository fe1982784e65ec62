package orchestrator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/faas/pkg/config"
	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/registry"
	"github.com/cuemby/faas/pkg/storage"
	"github.com/cuemby/faas/pkg/types"
)

// fakeExecutor is a minimal in-memory Executor that starts a real
// httptest.Server per instance, so dispatch's health probe and proxy POST
// exercise actual HTTP round trips instead of being stubbed out.
type fakeExecutor struct {
	servers   map[string]*httptest.Server
	instances map[string]*types.Instance
	handler   http.HandlerFunc
}

var _ executor.Executor = (*fakeExecutor)(nil)

func newFakeExecutor(handler http.HandlerFunc) *fakeExecutor {
	return &fakeExecutor{
		servers:   make(map[string]*httptest.Server),
		instances: make(map[string]*types.Instance),
		handler:   handler,
	}
}

func (f *fakeExecutor) CreateInstance(ctx context.Context, fn *types.FunctionConfig, rc types.RuntimeConfig) (*types.Instance, error) {
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

	runtimeID := rc[types.EnvRuntimeID]
	inst := types.NewInstance(runtimeID, fn.Name, types.ExecutionModeProcess, port)
	f.servers[runtimeID] = srv
	f.instances[runtimeID] = inst
	return inst, nil
}

func (f *fakeExecutor) GetInstance(runtimeID string) (*types.Instance, error) {
	inst, ok := f.instances[runtimeID]
	if !ok {
		return nil, types.ErrInstanceNotFound
	}
	return inst, nil
}

func (f *fakeExecutor) StopInstance(ctx context.Context, runtimeID string) error {
	if srv, ok := f.servers[runtimeID]; ok {
		srv.Close()
		delete(f.servers, runtimeID)
	}
	delete(f.instances, runtimeID)
	return nil
}

func (f *fakeExecutor) CleanupExpired(ctx context.Context, ttl time.Duration) {}
func (f *fakeExecutor) UpdateLastUsed(runtimeID string)                      {}
func (f *fakeExecutor) GetStats() types.ExecutorStats                        { return types.ExecutorStats{} }
func (f *fakeExecutor) HealthCheck(ctx context.Context) bool                 { return true }
func (f *fakeExecutor) Shutdown(ctx context.Context) {
	for _, srv := range f.servers {
		srv.Close()
	}
}

func newTestOrchestrator(t *testing.T, handler http.HandlerFunc) (*Orchestrator, *registry.Registry, *fakeExecutor) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg, err := registry.New(store)
	require.NoError(t, err)

	fe := newFakeExecutor(handler)
	execs := map[types.ExecutionMode]executor.Executor{types.ExecutionModeProcess: fe}

	o := New(reg, execs, config.Default())
	return o, reg, fe
}

func healthyHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"echo": "ok"})
}

func TestInvokeFunctionNotFound(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, healthyHandler)
	result := o.Invoke(context.Background(), "missing", []byte("{}"), nil)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
}

func TestInvokeProvisionsAndDispatches(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, healthyHandler)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "echo", MaxInstances: 2}, []byte("code")))

	result := o.Invoke(context.Background(), "echo", []byte(`{"x":1}`), nil)
	assert.Equal(t, http.StatusOK, result.StatusCode)

	instances := o.FunctionInstances("echo")
	require.Len(t, instances, 1)
	assert.EqualValues(t, 1, instances[0].RequestCount())
}

func TestInvokeReusesWarmInstance(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, healthyHandler)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "echo", MaxInstances: 2}, []byte("code")))

	o.Invoke(context.Background(), "echo", []byte("{}"), nil)
	o.Invoke(context.Background(), "echo", []byte("{}"), nil)

	instances := o.FunctionInstances("echo")
	require.Len(t, instances, 1)
	assert.EqualValues(t, 2, instances[0].RequestCount())
}

func unavailableHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
}

func TestInvokeUpstreamError(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, unavailableHandler)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "broken", MaxInstances: 1}, []byte("code")))

	result := o.Invoke(context.Background(), "broken", []byte("{}"), nil)
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
}

func TestStopInstance(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, healthyHandler)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "echo", MaxInstances: 1}, []byte("code")))
	o.Invoke(context.Background(), "echo", []byte("{}"), nil)

	instances := o.FunctionInstances("echo")
	require.Len(t, instances, 1)

	require.NoError(t, o.StopInstance(context.Background(), instances[0].RuntimeID))
	assert.Empty(t, o.FunctionInstances("echo"))
}

func TestStopInstanceIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, healthyHandler)
	assert.ErrorIs(t, o.StopInstance(context.Background(), "never-existed"), types.ErrInstanceNotFound)
}

func TestPreWarm(t *testing.T) {
	o, reg, _ := newTestOrchestrator(t, healthyHandler)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "warm", MinInstances: 2, MaxInstances: 5}, []byte("code")))

	o.PreWarm(context.Background())
	assert.Len(t, o.FunctionInstances("warm"), 2)
}
