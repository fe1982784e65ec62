package reaper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net"
	"path/filepath"
	"strconv"
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

type ttlExecutor struct {
	servers   map[string]*httptest.Server
	instances map[string]*types.Instance
}

var _ executor.Executor = (*ttlExecutor)(nil)

func newTTLExecutor() *ttlExecutor {
	return &ttlExecutor{servers: make(map[string]*httptest.Server), instances: make(map[string]*types.Instance)}
}

func (e *ttlExecutor) CreateInstance(ctx context.Context, fn *types.FunctionConfig, rc types.RuntimeConfig) (*types.Instance, error) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
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
	e.servers[runtimeID] = srv
	e.instances[runtimeID] = inst
	return inst, nil
}

func (e *ttlExecutor) GetInstance(runtimeID string) (*types.Instance, error) {
	inst, ok := e.instances[runtimeID]
	if !ok {
		return nil, types.ErrInstanceNotFound
	}
	return inst, nil
}

func (e *ttlExecutor) StopInstance(ctx context.Context, runtimeID string) error {
	if srv, ok := e.servers[runtimeID]; ok {
		srv.Close()
		delete(e.servers, runtimeID)
	}
	delete(e.instances, runtimeID)
	return nil
}

func (e *ttlExecutor) CleanupExpired(ctx context.Context, ttl time.Duration) {
	now := time.Now()
	for id, inst := range e.instances {
		if now.Sub(inst.LastUsed()) > ttl {
			_ = e.StopInstance(ctx, id)
		}
	}
}

func (e *ttlExecutor) UpdateLastUsed(runtimeID string) {}
func (e *ttlExecutor) GetStats() types.ExecutorStats   { return types.ExecutorStats{} }
func (e *ttlExecutor) HealthCheck(ctx context.Context) bool { return true }
func (e *ttlExecutor) Shutdown(ctx context.Context) {
	for _, srv := range e.servers {
		srv.Close()
	}
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *registry.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reg, err := registry.New(store)
	require.NoError(t, err)

	execs := map[types.ExecutionMode]executor.Executor{types.ExecutionModeProcess: newTTLExecutor()}
	return orchestrator.New(reg, execs, config.Default()), reg
}

func TestReaperEvictsExpiredInstances(t *testing.T) {
	o, reg := newTestOrchestrator(t)
	require.NoError(t, reg.Register(types.FunctionConfig{Name: "idle", MaxInstances: 1}, []byte("code")))

	o.Invoke(context.Background(), "idle", []byte("{}"), nil)
	require.Len(t, o.FunctionInstances("idle"), 1)

	r := New(o, 1*time.Nanosecond)
	time.Sleep(2 * time.Millisecond)
	r.sweep()

	assert.Empty(t, o.FunctionInstances("idle"))
}

func TestReaperStartStop(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	r := New(o, time.Minute)
	r.Start()
	r.Stop()
}
