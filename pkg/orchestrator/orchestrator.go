// Package orchestrator implements the dispatch and provisioning core: for
// each invocation it resolves a healthy instance (round-robin across a
// function's warm pool, provisioning a new one on demand) and proxies the
// call over loopback HTTP.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/faas/pkg/config"
	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/health"
	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/metrics"
	"github.com/cuemby/faas/pkg/registry"
	"github.com/cuemby/faas/pkg/types"
)

const (
	// invokeTimeout bounds the outbound POST to an instance.
	invokeTimeout = 30 * time.Second
	// overflowPollAttempts/Interval bound the wait for an instance to free
	// up when a function is already at max_instances.
	overflowPollAttempts = 10
	overflowPollInterval = 100 * time.Millisecond
)

// Orchestrator owns the function_name -> loadBalancingState map and the
// runtime_id -> function_name index, and dispatches invocations across the
// registered executors.
type Orchestrator struct {
	registry  *registry.Registry
	executors map[types.ExecutionMode]executor.Executor
	cfg       config.SystemConfig
	client    *http.Client
	logger    zerolog.Logger

	mu         sync.RWMutex
	byFunction map[string]*loadBalancingState
	byRuntime  map[string]string // runtime_id -> function_name

	startedAt time.Time
}

// New creates an Orchestrator. executors must contain an entry for every
// execution mode any registered function may use.
func New(reg *registry.Registry, executors map[types.ExecutionMode]executor.Executor, cfg config.SystemConfig) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		executors:  executors,
		cfg:        cfg,
		client:     &http.Client{Timeout: invokeTimeout},
		logger:     log.WithComponent("orchestrator"),
		byFunction: make(map[string]*loadBalancingState),
		byRuntime:  make(map[string]string),
		startedAt:  time.Now(),
	}
}

// Uptime returns the time elapsed since this orchestrator was constructed.
// started_at is captured once at New and never reset, fixing the distilled
// source's dangling start_time reference.
func (o *Orchestrator) Uptime() time.Duration {
	return time.Since(o.startedAt)
}

// InvokeResult is the outcome of Invoke: an HTTP status code paired with a
// JSON-serializable response body.
type InvokeResult struct {
	StatusCode int
	Body       any
}

// Invoke dispatches one request to functionName, following the §4.5.1
// dispatch contract: resolve config, acquire or provision an instance,
// proxy the call, record request/error counters on the instance, and
// refresh its last_used through the owning executor.
func (o *Orchestrator) Invoke(ctx context.Context, functionName string, requestData []byte, headers http.Header) InvokeResult {
	cfg, err := o.registry.Get(functionName)
	if err != nil {
		return InvokeResult{http.StatusNotFound, map[string]string{"error": fmt.Sprintf("Function %s not found", functionName)}}
	}

	timer := metrics.NewTimer()
	inst, err := o.getOrCreateInstance(ctx, cfg)
	if err != nil || inst == nil {
		metrics.InvocationsTotal.WithLabelValues(functionName, "provision_failed").Inc()
		return InvokeResult{http.StatusInternalServerError, map[string]string{"error": "Failed to create function instance"}}
	}

	status, body := o.callInstance(ctx, inst, requestData, headers)
	inst.RecordRequest(status)
	if exec, ok := o.executors[inst.ExecutionMode]; ok {
		exec.UpdateLastUsed(inst.RuntimeID)
	}

	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	metrics.InvocationsTotal.WithLabelValues(functionName, outcome).Inc()
	timer.ObserveDurationVec(metrics.InvocationDuration, functionName)

	return InvokeResult{status, body}
}

// callInstance proxies requestData to inst's runtime host and maps
// transport-level failures to the status codes §4.5.1 specifies.
func (o *Orchestrator) callInstance(ctx context.Context, inst *types.Instance, requestData []byte, headers http.Header) (int, any) {
	url := fmt.Sprintf("http://127.0.0.1:%d/", inst.Port)

	reqCtx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(requestData))
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Request failed: %v", err)}
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := o.client.Do(req)
	if err != nil {
		if reqCtx.Err() == context.DeadlineExceeded {
			return http.StatusRequestTimeout, map[string]string{"error": "Function timeout"}
		}
		return http.StatusServiceUnavailable, map[string]string{"error": "Function instance unavailable"}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": fmt.Sprintf("Request failed: %v", err)}
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		parsed = map[string]string{"result": string(data)}
	}
	return resp.StatusCode, parsed
}

// getOrCreateInstance implements §4.5.2: prefer a healthy existing instance
// via round robin, else provision a new one up to max_instances, else poll
// briefly for one to free up.
func (o *Orchestrator) getOrCreateInstance(ctx context.Context, cfg *types.FunctionConfig) (*types.Instance, error) {
	o.mu.Lock()
	state, ok := o.byFunction[cfg.Name]
	if !ok {
		state = newLoadBalancingState()
		o.byFunction[cfg.Name] = state
	}
	instances := state.snapshot()
	o.mu.Unlock()

	if inst := o.pickAvailable(ctx, cfg.Name, instances); inst != nil {
		return inst, nil
	}

	o.mu.Lock()
	atCapacity := len(state.instances) >= cfg.MaxInstances
	o.mu.Unlock()

	if !atCapacity {
		return o.createFunctionInstance(ctx, cfg)
	}

	for i := 0; i < overflowPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(overflowPollInterval):
		}
		o.mu.RLock()
		instances := state.snapshot()
		o.mu.RUnlock()
		if inst := o.pickAvailable(ctx, cfg.Name, instances); inst != nil {
			return inst, nil
		}
	}
	return nil, nil
}

// pickAvailable filters instances to the healthy ones and returns the next
// one in round-robin order, advancing the function's cursor. Returns nil if
// none are healthy.
func (o *Orchestrator) pickAvailable(ctx context.Context, functionName string, instances []*types.Instance) *types.Instance {
	var healthy []*types.Instance
	for _, inst := range instances {
		if health.Available(ctx, inst.Port) {
			healthy = append(healthy, inst)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.byFunction[functionName]
	if !ok {
		return healthy[0]
	}
	idx := state.roundRobinIndex % len(healthy)
	state.roundRobinIndex = (state.roundRobinIndex + 1) % len(healthy)
	return healthy[idx]
}

// createFunctionInstance implements §4.5.3: allocate a runtime_id, compose
// runtime_config, provision via the appropriate executor, and register the
// result in both indices.
func (o *Orchestrator) createFunctionInstance(ctx context.Context, cfg *types.FunctionConfig) (*types.Instance, error) {
	exec, ok := o.executors[cfg.ExecutionMode]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for mode %s", types.ErrExecutorUnavailable, cfg.ExecutionMode)
	}

	runtimeID := uuid.NewString()
	functionPath, err := o.materializeSource(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: write function source: %v", types.ErrSandboxStartFailed, err)
	}

	runtimeConfig := types.RuntimeConfig{
		types.EnvRuntimeHost:   "127.0.0.1",
		types.EnvFunctionPath:  functionPath,
		types.EnvFunctionName:  cfg.Name,
		types.EnvFunctionTime:  fmt.Sprintf("%d", cfg.TimeoutSeconds),
		types.EnvExecutionMode: string(cfg.ExecutionMode),
		types.EnvRuntimeID:     runtimeID,
		types.EnvLogLevel:      o.cfg.LogLevel,
		types.EnvMemoryLimit:   cfg.MemoryLimit,
		types.EnvCPULimit:      cfg.CPULimit,
		types.EnvHandlerSymbol: cfg.Handler,
	}
	for k, v := range cfg.Environment {
		runtimeConfig[k] = v
	}

	timer := metrics.NewTimer()
	inst, err := exec.CreateInstance(ctx, cfg, runtimeConfig)
	if err != nil {
		return nil, err
	}
	timer.ObserveDurationVec(metrics.ColdStartDuration, cfg.Name, string(cfg.ExecutionMode))

	o.mu.Lock()
	state := o.byFunction[cfg.Name]
	if state == nil {
		state = newLoadBalancingState()
		o.byFunction[cfg.Name] = state
	}
	state.add(inst)
	o.byRuntime[inst.RuntimeID] = cfg.Name
	o.mu.Unlock()

	metrics.InstancesTotal.WithLabelValues(cfg.Name, string(cfg.ExecutionMode)).Inc()
	o.logger.Info().Str("function_name", cfg.Name).Str("runtime_id", inst.RuntimeID).Msg("provisioned instance")
	return inst, nil
}

// materializeSource writes functionName's registered code blob to a
// well-known path on disk and returns it, so both process and container
// executors can point FUNCTION_PATH at a real file rather than threading
// the source bytes through runtime_config. Grounded on the runtime host
// contract's FUNCTION_PATH env var, which the source implementation reads
// as a file path (UserFunctionLoader), not an inline payload.
func (o *Orchestrator) materializeSource(functionName string) (string, error) {
	code, err := o.registry.GetCode(functionName)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(os.TempDir(), "faas-functions", functionName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "source")
	if err := os.WriteFile(path, code.Source, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// StopInstance implements §4.5.4: delegate to the owning executor and
// remove the instance from both indices. Idempotent: stopping an unknown or
// already-stopped runtime_id changes nothing and returns
// types.ErrInstanceNotFound.
func (o *Orchestrator) StopInstance(ctx context.Context, runtimeID string) error {
	o.mu.Lock()
	functionName, ok := o.byRuntime[runtimeID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrInstanceNotFound, runtimeID)
	}
	delete(o.byRuntime, runtimeID)
	state := o.byFunction[functionName]
	var mode types.ExecutionMode
	if state != nil {
		for _, inst := range state.instances {
			if inst.RuntimeID == runtimeID {
				mode = inst.ExecutionMode
				break
			}
		}
		state.remove(runtimeID)
	}
	o.mu.Unlock()

	exec, ok := o.executors[mode]
	if !ok {
		return fmt.Errorf("%w: no executor for mode %s", types.ErrExecutorUnavailable, mode)
	}
	if err := exec.StopInstance(ctx, runtimeID); err != nil {
		return err
	}
	metrics.InstancesTotal.WithLabelValues(functionName, string(mode)).Dec()
	return nil
}

// PreWarm provisions min_instances instances for every registered function
// that requests them, sequentially per function. A failure aborts that
// function's pre-warm but does not stop the others.
func (o *Orchestrator) PreWarm(ctx context.Context) {
	for _, cfg := range o.registry.ListConfigs() {
		if cfg.MinInstances <= 0 {
			continue
		}
		for i := 0; i < cfg.MinInstances; i++ {
			if _, err := o.createFunctionInstance(ctx, cfg); err != nil {
				o.logger.Warn().Err(err).Str("function_name", cfg.Name).Msg("pre-warm failed, skipping remainder")
				break
			}
		}
	}
}

// Instances returns a snapshot of every live instance across all functions,
// for the /instances and /stats management endpoints.
func (o *Orchestrator) Instances() []*types.Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var all []*types.Instance
	for _, state := range o.byFunction {
		all = append(all, state.snapshot()...)
	}
	return all
}

// FunctionInstances returns a snapshot of the live instances for one
// function.
func (o *Orchestrator) FunctionInstances(functionName string) []*types.Instance {
	o.mu.RLock()
	defer o.mu.RUnlock()
	state, ok := o.byFunction[functionName]
	if !ok {
		return nil
	}
	return state.snapshot()
}

// ExecutorStats returns each executor's current stats, keyed by mode.
func (o *Orchestrator) ExecutorStats() map[types.ExecutionMode]types.ExecutorStats {
	out := make(map[types.ExecutionMode]types.ExecutorStats, len(o.executors))
	for mode, exec := range o.executors {
		out[mode] = exec.GetStats()
	}
	return out
}

// markScaleEvent records that functionName's scaler just acted, for the
// autoscaler's hysteresis window.
func (o *Orchestrator) markScaleEvent(functionName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state, ok := o.byFunction[functionName]; ok {
		state.lastScaleEvent = time.Now()
	}
}

// LastScaleEvent returns when functionName last had an instance added or
// removed by the autoscaler, for its hysteresis window.
func (o *Orchestrator) LastScaleEvent(functionName string) time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if state, ok := o.byFunction[functionName]; ok {
		return state.lastScaleEvent
	}
	return time.Time{}
}

// HealthyCount returns, for functionName, how many of its live instances
// currently answer their health probe, alongside the total instance count.
func (o *Orchestrator) HealthyCount(ctx context.Context, functionName string) (healthy, total int) {
	instances := o.FunctionInstances(functionName)
	for _, inst := range instances {
		if health.Available(ctx, inst.Port) {
			healthy++
		}
	}
	return healthy, len(instances)
}

// ScaleUp provisions one additional instance for cfg and records the scale
// event.
func (o *Orchestrator) ScaleUp(ctx context.Context, cfg *types.FunctionConfig) error {
	if _, err := o.createFunctionInstance(ctx, cfg); err != nil {
		return err
	}
	o.markScaleEvent(cfg.Name)
	metrics.ScaleEventsTotal.WithLabelValues(cfg.Name, "up").Inc()
	return nil
}

// ScaleDown stops the least-recently-used instance of functionName and
// records the scale event.
func (o *Orchestrator) ScaleDown(ctx context.Context, functionName string) error {
	instances := o.FunctionInstances(functionName)
	if len(instances) == 0 {
		return nil
	}

	oldest := instances[0]
	for _, inst := range instances[1:] {
		if inst.LastUsed().Before(oldest.LastUsed()) {
			oldest = inst
		}
	}

	if err := o.StopInstance(ctx, oldest.RuntimeID); err != nil {
		return err
	}
	o.markScaleEvent(functionName)
	metrics.ScaleEventsTotal.WithLabelValues(functionName, "down").Inc()
	return nil
}

// RegisteredFunctions returns the current function catalog, for the
// autoscaler and reaper's per-tick sweep.
func (o *Orchestrator) RegisteredFunctions() []*types.FunctionConfig {
	return o.registry.ListConfigs()
}

// CleanupExpired asks every executor to stop instances whose last_used is
// older than ttl. Each executor stops expired instances and removes them
// from its own table only; the ReconcileOrphans call that follows then drops
// them from the orchestrator's indices.
func (o *Orchestrator) CleanupExpired(ctx context.Context, ttl time.Duration) {
	for _, exec := range o.executors {
		exec.CleanupExpired(ctx, ttl)
	}
	o.ReconcileOrphans()
}

// ReconcileOrphans removes tracking for any instance whose owning executor
// no longer has it — e.g. an executor-level expiry or crash that bypassed
// Orchestrator.StopInstance. Grounded on the source's
// _cleanup_orphaned_tracking, which does the same existence check against
// each executor's own table.
func (o *Orchestrator) ReconcileOrphans() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for runtimeID, functionName := range o.byRuntime {
		state, ok := o.byFunction[functionName]
		if !ok {
			delete(o.byRuntime, runtimeID)
			continue
		}

		var mode types.ExecutionMode
		found := false
		for _, inst := range state.instances {
			if inst.RuntimeID == runtimeID {
				mode, found = inst.ExecutionMode, true
				break
			}
		}
		if !found {
			delete(o.byRuntime, runtimeID)
			continue
		}

		exec, ok := o.executors[mode]
		if !ok {
			continue
		}
		if _, err := exec.GetInstance(runtimeID); err != nil {
			o.logger.Info().Str("runtime_id", runtimeID).Msg("reconciling orphaned instance tracking")
			state.remove(runtimeID)
			delete(o.byRuntime, runtimeID)
		}
	}
}

// Shutdown stops accepting new work at the call site's discretion and tears
// down every executor, force-killing any remaining sandboxes.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, exec := range o.executors {
		exec.Shutdown(ctx)
	}
}
