// Package container implements the container-mode Executor on top of the
// containerd client SDK (no docker CLI shell-outs).
package container

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/faas/pkg/executor"
)

// Namespace is the containerd namespace this executor's containers live in.
const Namespace = "faas"

// runtimeClient wraps a containerd client with the narrow surface the
// container executor needs: pull, create-with-spec, start, stop, delete,
// status. Grounded on the teacher's ContainerdRuntime, trimmed of the
// secrets/volumes/DNS mount machinery and Warren's types.Container model —
// this wrapper takes plain parameters instead.
type runtimeClient struct {
	client *containerd.Client
}

func newRuntimeClient(socketPath string) (*runtimeClient, error) {
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd at %s: %w", socketPath, err)
	}
	return &runtimeClient{client: client}, nil
}

func (r *runtimeClient) close() error {
	return r.client.Close()
}

func (r *runtimeClient) pull(ctx context.Context, imageRef string) (containerd.Image, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	image, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return image, nil
}

// spec describes the function-level shape of a container to create. The
// runtime host always listens on RUNTIME_PORT inside the container; this
// executor runs every container in the host network namespace so that port
// is directly reachable at 127.0.0.1:<port>, the same dispatch contract the
// process executor offers. Isolation instead comes from read-only rootfs,
// capability drops, and resource limits — there is no container ingress
// mesh in scope to port-map a bridge network.
type containerSpec struct {
	id          string
	image       containerd.Image
	env         []string
	cpuLimit    float64 // cores
	memoryLimit int64   // bytes
	readOnly    bool
	sourceMount *specs.Mount
}

func (r *runtimeClient) create(ctx context.Context, s containerSpec) (containerd.Container, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	opts := []oci.SpecOpts{
		oci.WithImageConfig(s.image),
		oci.WithEnv(s.env),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}

	if s.cpuLimit > 0 {
		shares := uint64(s.cpuLimit * 1024)
		quota := int64(s.cpuLimit * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if s.memoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(s.memoryLimit)))
	}
	if s.readOnly {
		opts = append(opts, oci.WithRootFSReadonly())
	}

	var mounts []specs.Mount
	if s.sourceMount != nil {
		mounts = append(mounts, *s.sourceMount)
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}

	c, err := r.client.NewContainer(
		ctx,
		s.id,
		containerd.WithImage(s.image),
		containerd.WithNewSnapshot(s.id+"-snapshot", s.image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", s.id, err)
	}
	return c, nil
}

func (r *runtimeClient) start(ctx context.Context, c containerd.Container) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

func (r *runtimeClient) stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)

	c, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}

	_, err = task.Delete(ctx)
	return err
}

func (r *runtimeClient) delete(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	c, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return nil
	}
	return c.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (r *runtimeClient) isRunning(ctx context.Context, containerID string) bool {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	c, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return false
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return false
	}
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running
}

func (r *runtimeClient) list(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, Namespace)
	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

// parseMemoryLimit reuses the shared limit-string parser: the format
// (k/ki/m/mi/g/gi, millicores or decimal cores) is identical between
// execution modes.
var parseMemoryLimit = executor.ParseMemoryLimit

func coresFromCPULimit(limit string) (float64, error) {
	quota, err := executor.ParseCPULimit(limit)
	if err != nil {
		return 0, err
	}
	return float64(quota) / 100000, nil
}
