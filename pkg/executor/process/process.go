// Package process implements the process-mode Executor: each instance is an
// OS process running the funchost runtime host, optionally sandboxed with
// Linux namespaces, a chroot, and cgroups v2 resource limits.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/log"
	"github.com/cuemby/faas/pkg/types"
)

var _ executor.Executor = (*Executor)(nil)

// defaultStrictNamespaces is the namespace set unshared when a function
// requests IsolationStrict. Network is deliberately included: a function
// with NetworkAccess disabled gets no route out even if it tries.
var defaultStrictNamespaces = []types.NamespaceType{
	types.NamespacePID, types.NamespaceMount, types.NamespaceUser,
	types.NamespaceNetwork, types.NamespaceIPC, types.NamespaceUTS,
}

// postSpawnLivenessWait is how long to wait after starting a process before
// checking whether it is still alive. The source implementation uses a
// fixed 100ms; real user code that crashes immediately (bad import, syntax
// error) fails within this window in practice.
const postSpawnLivenessWait = 100 * time.Millisecond

// gracefulStopWait is how long StopInstance waits for SIGTERM before
// escalating to SIGKILL.
const gracefulStopWait = 5 * time.Second

type instanceRecord struct {
	instance *types.Instance
	cmd      *exec.Cmd
	port     int
}

// Executor is the process-mode executor.
type Executor struct {
	runtimeHostPath string
	resources       *ResourceManager
	ports           *executor.PortAllocator

	mu        sync.RWMutex
	instances map[string]*instanceRecord
}

// NewExecutor creates a process executor. runtimeHostPath is the path to
// the compiled funchost binary that every instance execs as its entrypoint.
func NewExecutor(runtimeHostPath, cgroupRoot string, portRangeStart, portRangeEnd int) *Executor {
	return &Executor{
		runtimeHostPath: runtimeHostPath,
		resources:       NewResourceManager(cgroupRoot),
		ports:           executor.NewPortAllocator(portRangeStart, portRangeEnd),
		instances:       make(map[string]*instanceRecord),
	}
}

func (e *Executor) CreateInstance(ctx context.Context, fn *types.FunctionConfig, runtimeConfig types.RuntimeConfig) (*types.Instance, error) {
	logger := log.WithFunction(fn.Name)

	port, err := e.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxStartFailed, err)
	}

	runtimeID := runtimeConfig[types.EnvRuntimeID]
	tempDir, err := os.MkdirTemp("", fmt.Sprintf("faas_%s_", runtimeID))
	if err != nil {
		e.ports.Release(port)
		return nil, fmt.Errorf("%w: create temp dir: %v", types.ErrSandboxStartFailed, err)
	}

	cgroupPath := e.resources.Create(runtimeID, fn.MemoryLimit, fn.CPULimit)

	// effectiveConfig may have its FUNCTION_PATH rewritten below if the
	// function ends up chrooted, so the runtime host still finds its source
	// at a path that exists inside the jail. RUNTIME_PORT is set to the port
	// allocated above so the runtime host binds where dispatch will call it.
	effectiveConfig := make(types.RuntimeConfig, len(runtimeConfig))
	for k, v := range runtimeConfig {
		effectiveConfig[k] = v
	}
	effectiveConfig[types.EnvRuntimePort] = strconv.Itoa(port)

	hostPath := e.runtimeHostPath
	var cmdArgs []string

	strict := fn.IsolationLevel == types.IsolationStrict && runtime.GOOS == "linux"
	if strict {
		cmdArgs = append(cmdArgs, "unshare")
		cmdArgs = append(cmdArgs, unshareArgs(defaultStrictNamespaces)...)

		if fn.FilesystemAccess == types.FilesystemMinimal {
			chrootHostPath, err := buildChroot(tempDir, e.runtimeHostPath)
			if err != nil {
				e.cleanupFailedCreate(tempDir, cgroupPath, port)
				return nil, fmt.Errorf("%w: chroot setup: %v", types.ErrSandboxStartFailed, err)
			}
			if srcPath := runtimeConfig[types.EnvFunctionPath]; srcPath != "" {
				inChrootPath, err := copySourceIntoChroot(tempDir, srcPath)
				if err != nil {
					e.cleanupFailedCreate(tempDir, cgroupPath, port)
					return nil, fmt.Errorf("%w: copy function source into chroot: %v", types.ErrSandboxStartFailed, err)
				}
				effectiveConfig[types.EnvFunctionPath] = inChrootPath
			}
			cmdArgs = append(cmdArgs, "chroot", tempDir)
			hostPath = chrootHostPath
		}

		if drop := capshDropArgs(); drop != nil {
			cmdArgs = append(cmdArgs, drop...)
		}
	}
	cmdArgs = append(cmdArgs, hostPath)

	env := os.Environ()
	for k, v := range effectiveConfig {
		env = append(env, k+"="+v)
	}

	cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if runtime.GOOS == "linux" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	}

	logger.Info().Str("runtime_id", runtimeID).Int("port", port).
		Strs("cmd", cmdArgs).Msg("starting process instance")

	if err := cmd.Start(); err != nil {
		e.cleanupFailedCreate(tempDir, cgroupPath, port)
		return nil, fmt.Errorf("%w: %v", types.ErrSandboxStartFailed, err)
	}

	if cgroupPath != "" {
		e.resources.AddProcess(cgroupPath, cmd.Process.Pid)
	}

	instance := types.NewInstance(runtimeID, fn.Name, types.ExecutionModeProcess, port)
	instance.Process = &types.ProcessHandle{
		PID:        cmd.Process.Pid,
		TempDir:    tempDir,
		CgroupPath: cgroupPath,
		EnvSnap:    map[string]string(runtimeConfig),
	}

	e.mu.Lock()
	e.instances[runtimeID] = &instanceRecord{instance: instance, cmd: cmd, port: port}
	e.mu.Unlock()

	go e.reapOnExit(runtimeID, cmd)

	// reapOnExit drops the record and releases the port, cgroup and temp
	// dir as soon as the child exits, so a child that dies during the
	// liveness wait is no longer in the table afterwards.
	time.Sleep(postSpawnLivenessWait)
	e.mu.RLock()
	_, alive := e.instances[runtimeID]
	e.mu.RUnlock()
	if !alive {
		return nil, fmt.Errorf("%w: process exited immediately", types.ErrSandboxStartFailed)
	}

	logger.Info().Str("runtime_id", runtimeID).Int("port", port).Msg("process instance created")
	return instance, nil
}

func (e *Executor) cleanupFailedCreate(tempDir, cgroupPath string, port int) {
	e.ports.Release(port)
	e.resources.Cleanup(cgroupPath)
	os.RemoveAll(tempDir)
}

// reapOnExit waits on the child so it never becomes a zombie, and marks it
// gone from the instance table if it dies without StopInstance being called
// first — this is what lets the reaper's orphan sweep notice a process that
// crashed on its own.
func (e *Executor) reapOnExit(runtimeID string, cmd *exec.Cmd) {
	_ = cmd.Wait()

	e.mu.Lock()
	rec, ok := e.instances[runtimeID]
	if ok {
		delete(e.instances, runtimeID)
	}
	e.mu.Unlock()

	if ok {
		e.ports.Release(rec.port)
		if rec.instance.Process != nil {
			e.resources.Cleanup(rec.instance.Process.CgroupPath)
			os.RemoveAll(rec.instance.Process.TempDir)
		}
	}
}

func exited(cmd *exec.Cmd) bool {
	if cmd.ProcessState != nil {
		return true
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

	log.WithInstance(runtimeID).Info().Msg("stopping process instance")

	done := make(chan error, 1)
	_ = rec.cmd.Process.Signal(syscall.SIGTERM)
	go func() { done <- rec.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(gracefulStopWait):
		_ = rec.cmd.Process.Kill()
		<-done
	}

	e.ports.Release(rec.port)
	if rec.instance.Process != nil {
		e.resources.Cleanup(rec.instance.Process.CgroupPath)
		os.RemoveAll(rec.instance.Process.TempDir)
	}

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
		log.WithInstance(id).Info().Msg("cleaning up expired process instance")
		_ = e.StopInstance(ctx, id)
	}
}

func (e *Executor) GetStats() types.ExecutorStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	running := 0
	for _, rec := range e.instances {
		if !exited(rec.cmd) {
			running++
		}
	}

	features := []string{"fast_cold_start", "high_density"}
	if runtime.GOOS == "linux" {
		features = append(features, "namespace_isolation")
		if e.resources.available {
			features = append(features, "cgroup_limits")
		}
	} else {
		features = append(features, "basic_isolation")
	}

	avgColdStart := 50.0
	if runtime.GOOS == "linux" {
		avgColdStart = 25.0
	}

	return types.ExecutorStats{
		ExecutorType:      types.ExecutionModeProcess,
		Platform:          runtime.GOOS,
		TotalInstances:    len(e.instances),
		RunningInstances:  running,
		AvgColdStartMS:    avgColdStart,
		SupportedFeatures: features,
	}
}

func (e *Executor) HealthCheck(ctx context.Context) bool {
	if runtime.GOOS != "linux" {
		_, err := exec.LookPath("sh")
		return err == nil
	}
	_, err := exec.LookPath("unshare")
	return err == nil
}

func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		_ = e.StopInstance(ctx, id)
	}
}
