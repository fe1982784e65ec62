// Package executor defines the common contract the process and container
// backends both implement, so the orchestrator can create, stop, and sweep
// instances without caring which execution mode backs them.
package executor

import (
	"context"
	"time"

	"github.com/cuemby/faas/pkg/types"
)

// Executor runs a function as an isolated instance, in whichever way its
// implementation (process or container) provides isolation.
type Executor interface {
	// CreateInstance starts a new instance of fn and returns the instance
	// record once a post-start liveness check passes. runtimeConfig carries
	// the RUNTIME_*/FUNCTION_* environment this instance's runtime host
	// should see; the executor adds RUNTIME_PORT for the port it allocates.
	CreateInstance(ctx context.Context, fn *types.FunctionConfig, runtimeConfig types.RuntimeConfig) (*types.Instance, error)

	// GetInstance returns the instance by runtime ID, or
	// types.ErrInstanceNotFound.
	GetInstance(runtimeID string) (*types.Instance, error)

	// StopInstance stops and fully cleans up the instance: process/
	// container, cgroup, temp directory, as applicable.
	StopInstance(ctx context.Context, runtimeID string) error

	// CleanupExpired stops every instance whose last-used time is older
	// than ttl.
	CleanupExpired(ctx context.Context, ttl time.Duration)

	// UpdateLastUsed refreshes the instance's idle clock, called after a
	// successful dispatch.
	UpdateLastUsed(runtimeID string)

	// GetStats reports this executor's aggregate state.
	GetStats() types.ExecutorStats

	// HealthCheck reports whether this executor can still create
	// instances (e.g. unshare/containerd reachability).
	HealthCheck(ctx context.Context) bool

	// Shutdown stops every instance this executor owns.
	Shutdown(ctx context.Context)
}
