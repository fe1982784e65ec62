package container

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/health"
	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/types"
)

var _ executor.Executor = (*Executor)(nil)

// readinessPollInterval/readinessTimeout bound how long CreateInstance waits
// for a container's runtime host to answer /health before giving up. The
// source implementation polls every 500ms for up to 30s.
const (
	readinessPollInterval = 500 * time.Millisecond
	readinessTimeout      = 30 * time.Second
)

type instanceRecord struct {
	instance    *types.Instance
	containerID string
	port        int
}

// Executor is the container-mode executor. Every instance is a containerd
// container running the base image with the function's source bind-mounted
// read-only. The container runs the base image's own configured entrypoint:
// no entrypoint override is set and the funchost binary is not mounted in.
type Executor struct {
	rt        *runtimeClient
	baseImage string
	ports     *executor.PortAllocator

	mu        sync.RWMutex
	instances map[string]*instanceRecord
}

// NewExecutor connects to containerd at socketPath and prepares a container
// executor that pulls baseImage on demand.
func NewExecutor(ctx context.Context, socketPath, baseImage string, portRangeStart, portRangeEnd int) (*Executor, error) {
	rt, err := newRuntimeClient(socketPath)
	if err != nil {
		return nil, err
	}
	return &Executor{
		rt:        rt,
		baseImage: baseImage,
		ports:     executor.NewPortAllocator(portRangeStart, portRangeEnd),
		instances: make(map[string]*instanceRecord),
	}, nil
}

func (e *Executor) CreateInstance(ctx context.Context, fn *types.FunctionConfig, runtimeConfig types.RuntimeConfig) (*types.Instance, error) {
	logger := log.WithFunction(fn.Name)

	runtimeID := runtimeConfig[types.EnvRuntimeID]
	if runtimeID == "" {
		runtimeID = uuid.NewString()
	}

	port, err := e.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxStartFailed, err)
	}

	image, err := e.rt.pull(ctx, e.baseImage)
	if err != nil {
		e.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxStartFailed, err)
	}

	env := make([]string, 0, len(runtimeConfig)+1)
	for k, v := range runtimeConfig {
		env = append(env, k+"="+v)
	}
	env = append(env, types.EnvRuntimePort+"="+strconv.Itoa(port))

	cpuCores, err := coresFromCPULimit(fn.CPULimit)
	if err != nil {
		cpuCores = 0
	}
	memBytes, err := parseMemoryLimit(fn.MemoryLimit)
	if err != nil {
		memBytes = 0
	}

	containerID := "faas-" + runtimeID

	spec := containerSpec{
		id:          containerID,
		image:       image,
		env:         env,
		cpuLimit:    cpuCores,
		memoryLimit: memBytes,
		readOnly:    fn.FilesystemAccess == types.FilesystemReadonly || fn.FilesystemAccess == types.FilesystemMinimal,
	}
	if path := runtimeConfig[types.EnvFunctionPath]; path != "" {
		spec.sourceMount = &specs.Mount{
			Destination: path,
			Type:        "bind",
			Source:      path,
			Options:     []string{"rbind", "ro"},
		}
	}

	c, err := e.rt.create(ctx, spec)
	if err != nil {
		e.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxStartFailed, err)
	}

	if err := e.rt.start(ctx, c); err != nil {
		_ = e.rt.delete(ctx, containerID)
		e.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxStartFailed, err)
	}

	logger.Info().Str("runtime_id", runtimeID).Str("container_id", containerID).
		Int("port", port).Msg("starting container instance, waiting for readiness")

	if !e.waitForReady(ctx, port) {
		_ = e.rt.stop(ctx, containerID, 5*time.Second)
		_ = e.rt.delete(ctx, containerID)
		e.ports.Release(port)
		return nil, fmt.Errorf("%w: %s", types.ErrSandboxHealthTimeout, runtimeID)
	}

	instance := types.NewInstance(runtimeID, fn.Name, types.ExecutionModeContainer, port)
	instance.Container = &types.ContainerHandle{
		ContainerID: containerID,
		Image:       e.baseImage,
		EnvSnap:     map[string]string(runtimeConfig),
	}

	e.mu.Lock()
	e.instances[runtimeID] = &instanceRecord{instance: instance, containerID: containerID, port: port}
	e.mu.Unlock()

	logger.Info().Str("runtime_id", runtimeID).Int("port", port).Msg("container instance created")
	return instance, nil
}

// waitForReady polls the instance's health endpoint until it answers or
// readinessTimeout elapses.
func (e *Executor) waitForReady(ctx context.Context, port int) bool {
	deadline := time.Now().Add(readinessTimeout)
	for time.Now().Before(deadline) {
		if health.Available(ctx, port) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readinessPollInterval):
		}
	}
	return false
}

func (e *Executor) GetInstance(runtimeID string) (*types.Instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.instances[runtimeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrInstanceNotFound, runtimeID)
	}
	return rec.instance, nil
}

func (e *Executor) StopInstance(ctx context.Context, runtimeID string) error {
	e.mu.Lock()
	rec, ok := e.instances[runtimeID]
	if ok {
		delete(e.instances, runtimeID)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", types.ErrInstanceNotFound, runtimeID)
	}

	log.WithInstance(runtimeID).Info().Str("container_id", rec.containerID).Msg("stopping container instance")

	if err := e.rt.stop(ctx, rec.containerID, 10*time.Second); err != nil {
		log.WithInstance(runtimeID).Warn().Err(err).Msg("container stop reported an error, deleting anyway")
	}
	_ = e.rt.delete(ctx, rec.containerID)
	e.ports.Release(rec.port)

	return nil
}

func (e *Executor) UpdateLastUsed(runtimeID string) {
	e.mu.RLock()
	rec, ok := e.instances[runtimeID]
	e.mu.RUnlock()
	if ok {
		rec.instance.Touch()
	}
}

func (e *Executor) CleanupExpired(ctx context.Context, ttl time.Duration) {
	e.mu.RLock()
	var expired []string
	now := time.Now()
	for id, rec := range e.instances {
		if now.Sub(rec.instance.LastUsed()) > ttl {
			expired = append(expired, id)
		}
	}
	e.mu.RUnlock()

	for _, id := range expired {
		log.WithInstance(id).Info().Msg("cleaning up expired container instance")
		_ = e.StopInstance(ctx, id)
	}
}

func (e *Executor) GetStats() types.ExecutorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	running := 0
	ctx := context.Background()
	for _, rec := range e.instances {
		if e.rt.isRunning(ctx, rec.containerID) {
			running++
		}
	}

	return types.ExecutorStats{
		ExecutorType:     types.ExecutionModeContainer,
		Platform:         "containerd",
		TotalInstances:   len(e.instances),
		RunningInstances: running,
		AvgColdStartMS:   800,
		SupportedFeatures: []string{
			"complete_isolation", "image_management", "security_policies", "resource_limits",
		},
	}
}

func (e *Executor) HealthCheck(ctx context.Context) bool {
	_, err := e.rt.list(ctx)
	return err == nil
}

// Shutdown stops every tracked instance and then sweeps for containers in
// the faas namespace that this executor lost track of — e.g. after a crash
// that skipped StopInstance. Grounded on the source's
// cleanup_orphaned_containers, which does the same list-then-diff sweep.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.instances))
	tracked := make(map[string]bool, len(e.instances))
	for id, rec := range e.instances {
		ids = append(ids, id)
		tracked[rec.containerID] = true
	}
	e.mu.RUnlock()

	for _, id := range ids {
		_ = e.StopInstance(ctx, id)
	}

	all, err := e.rt.list(ctx)
	if err != nil {
		return
	}
	for _, containerID := range all {
		if tracked[containerID] {
			continue
		}
		log.WithComponent("executor.container").Warn().Str("container_id", containerID).
			Msg("removing orphaned container")
		_ = e.rt.stop(ctx, containerID, 5*time.Second)
		_ = e.rt.delete(ctx, containerID)
	}
}
