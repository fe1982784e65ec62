package autoscaler

import (
	"context"
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
	"github.com/cuemby/faas/pkg/orchestrator"
	"github.com/cuemby/faas/pkg/registry"
	"github.com/cuemby/faas/pkg/storage"
	"github.com/cuemby/faas/pkg/types"
)

// stubExecutor provisions and stops in-memory instances without any real
// process or container, so the autoscaler's arithmetic can be tested
// without standing up a real sandbox.
type stubExecutor struct {
	servers map[string]*httptest.Server
}

var _ executor.Executor = (*stubExecutor)(nil)

func newStubExecutor() *stubExecutor {
	return &stubExecutor{servers: make(map[string]*httptest.Server)}
}

func (s *stubExecutor) CreateInstance(ctx context.Context, fn *types.FunctionConfig, rc types.RuntimeConfig) (*types.Instance, error) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
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
	s.servers[runtimeID] = srv
	return inst, nil
}

func (s *stubExecutor) GetInstance(runtimeID string) (*types.Instance, error) {
	return nil, types.ErrInstanceNotFound
}
func (s *stubExecutor) StopInstance(ctx context.Context, runtimeID string) error {
	if srv, ok := s.servers[runtimeID]; ok {
		srv.Close()
		delete(s.servers, runtimeID)
	}
	return nil
}
func (s *stubExecutor) CleanupExpired(ctx context.Context, ttl time.Duration) {}
func (s *stubExecutor) UpdateLastUsed(runtimeID string)                      {}
func (s *stubExecutor) GetStats() types.ExecutorStats                        { return types.ExecutorStats{} }
func (s *stubExecutor) HealthCheck(ctx context.Context) bool                 { return true }
func (s *stubExecutor) Shutdown(ctx context.Context) {
	for _, srv := range s.servers {
		srv.Close()
	}
}

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	reg, err := registry.New(store)
	require.NoError(t, err)

	execs := map[types.ExecutionMode]executor.Executor{types.ExecutionModeProcess: newStubExecutor()}
	return orchestrator.New(reg, execs, config.Default())
}

func TestAutoscalerStartStop(t *testing.T) {
	o := newTestOrchestrator(t)
	a := New(o)
	a.Start()
	a.Stop()
}

func TestTickSkipsFunctionsWithNoInstances(t *testing.T) {
	o := newTestOrchestrator(t)
	a := New(o)
	assert.NoError(t, a.tick())
}
