// Package types holds the shared data model for functions, their execution
// instances, and executor stats; the per-function load-balancing state lives
// in pkg/orchestrator.
package types

import (
	"sync/atomic"
	"time"
)

// ExecutionMode selects which executor owns an instance.
type ExecutionMode string

const (
	ExecutionModeProcess   ExecutionMode = "process"
	ExecutionModeContainer ExecutionMode = "container"
)

// IsolationLevel controls how aggressively the process executor sandboxes a
// function. Unsupported platforms degrade strict to default rather than
// failing.
type IsolationLevel string

const (
	IsolationDefault IsolationLevel = "default"
	IsolationStrict  IsolationLevel = "strict"
	IsolationMinimal IsolationLevel = "minimal"
)

// FilesystemAccess controls the write posture of a sandbox's filesystem.
type FilesystemAccess string

const (
	FilesystemReadonly FilesystemAccess = "readonly"
	FilesystemWritable FilesystemAccess = "writable"
	FilesystemMinimal  FilesystemAccess = "minimal"
)

// NamespaceType names a single Linux namespace kind the process executor may
// unshare into under IsolationStrict.
type NamespaceType string

const (
	NamespacePID     NamespaceType = "pid"
	NamespaceMount   NamespaceType = "mount"
	NamespaceUser    NamespaceType = "user"
	NamespaceNetwork NamespaceType = "network"
	NamespaceIPC     NamespaceType = "ipc"
	NamespaceUTS     NamespaceType = "uts"
)

// FunctionConfig is the immutable-per-registration configuration of a
// function. Updates replace the struct wholesale rather than mutating fields
// in place, so a reader holding a pointer it fetched earlier never observes a
// torn update.
type FunctionConfig struct {
	Name             string            `json:"name" yaml:"name"`
	Handler          string            `json:"handler" yaml:"handler"`
	ExecutionMode    ExecutionMode     `json:"execution_mode" yaml:"execution_mode"`
	TimeoutSeconds   int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	MemoryLimit      string            `json:"memory_limit" yaml:"memory_limit"`
	CPULimit         string            `json:"cpu_limit" yaml:"cpu_limit"`
	MinInstances     int               `json:"min_instances" yaml:"min_instances"`
	MaxInstances     int               `json:"max_instances" yaml:"max_instances"`
	IsolationLevel   IsolationLevel    `json:"isolation_level" yaml:"isolation_level"`
	NetworkAccess    bool              `json:"network_access" yaml:"network_access"`
	FilesystemAccess FilesystemAccess  `json:"filesystem_access" yaml:"filesystem_access"`
	Environment      map[string]string `json:"environment" yaml:"environment"`
	Dependencies     []string          `json:"dependencies" yaml:"dependencies"`
	ScaleFactor      float64           `json:"scale_factor" yaml:"scale_factor"`
}

// WithDefaults returns a copy of cfg with zero-valued fields replaced by
// platform defaults. It never mutates cfg.
func (cfg FunctionConfig) WithDefaults() FunctionConfig {
	out := cfg
	if out.Handler == "" {
		out.Handler = "handle"
	}
	if out.ExecutionMode == "" {
		out.ExecutionMode = ExecutionModeProcess
	}
	if out.TimeoutSeconds == 0 {
		out.TimeoutSeconds = 30
	}
	if out.MemoryLimit == "" {
		out.MemoryLimit = "256Mi"
	}
	if out.CPULimit == "" {
		out.CPULimit = "100m"
	}
	if out.MaxInstances == 0 {
		out.MaxInstances = 10
	}
	if out.IsolationLevel == "" {
		out.IsolationLevel = IsolationDefault
	}
	if out.FilesystemAccess == "" {
		out.FilesystemAccess = FilesystemReadonly
	}
	if out.ScaleFactor < 1.0 {
		out.ScaleFactor = 1.5
	}
	if out.Environment == nil {
		out.Environment = map[string]string{}
	}
	return out
}

// FunctionCode is the source blob associated with a function name. The
// registry owns it; executors only ever see a filesystem path derived from
// it at provisioning time.
type FunctionCode struct {
	FunctionName string `json:"function_name"`
	Source       []byte `json:"source"`
}

// Instance is a live execution sandbox for one function. Counters are
// accessed through their accessor methods so dispatch can update them without
// taking a lock on the whole struct; readers (stats, autoscaler) see an
// eventually-consistent snapshot.
type Instance struct {
	RuntimeID     string
	FunctionName  string
	ExecutionMode ExecutionMode
	Port          int
	CreatedAt     time.Time

	lastUsedUnixNano atomic.Int64
	requestCount     atomic.Int64
	errorCount       atomic.Int64

	// Process holds the process-executor-owned state. Nil unless
	// ExecutionMode == ExecutionModeProcess.
	Process *ProcessHandle
	// Container holds the container-executor-owned state. Nil unless
	// ExecutionMode == ExecutionModeContainer.
	Container *ContainerHandle
}

// ProcessHandle is the process-executor-owned state of a process-mode
// instance.
type ProcessHandle struct {
	PID        int
	TempDir    string
	CgroupPath string
	EnvSnap    map[string]string
}

// ContainerHandle is the container-executor-owned state of a container-mode
// instance.
type ContainerHandle struct {
	ContainerID string
	Image       string
	EnvSnap     map[string]string
}

// NewInstance constructs an Instance with created_at/last_used set to now.
func NewInstance(runtimeID, functionName string, mode ExecutionMode, port int) *Instance {
	i := &Instance{
		RuntimeID:     runtimeID,
		FunctionName:  functionName,
		ExecutionMode: mode,
		Port:          port,
		CreatedAt:     time.Now(),
	}
	i.lastUsedUnixNano.Store(i.CreatedAt.UnixNano())
	return i
}

// LastUsed returns the last-used timestamp.
func (i *Instance) LastUsed() time.Time {
	return time.Unix(0, i.lastUsedUnixNano.Load())
}

// Touch sets last_used to now. Called on every dispatch and on explicit
// keep-alive (update_last_used).
func (i *Instance) Touch() {
	i.lastUsedUnixNano.Store(time.Now().UnixNano())
}

// RequestCount returns the monotonically increasing request counter.
func (i *Instance) RequestCount() int64 { return i.requestCount.Load() }

// ErrorCount returns the error counter; always <= RequestCount.
func (i *Instance) ErrorCount() int64 { return i.errorCount.Load() }

// RecordRequest increments request_count, and error_count when the status
// indicates a failed call. Safe for concurrent use without any external lock.
func (i *Instance) RecordRequest(statusCode int) {
	i.requestCount.Add(1)
	if statusCode >= 400 {
		i.errorCount.Add(1)
	}
}

// ExecutorStats summarizes one executor's fleet for the /stats endpoint.
type ExecutorStats struct {
	ExecutorType      ExecutionMode `json:"executor_type"`
	Platform          string        `json:"platform"`
	TotalInstances    int           `json:"total_instances"`
	RunningInstances  int           `json:"running_instances"`
	MemoryUsageBytes  int64         `json:"memory_usage_bytes"`
	AvgColdStartMS    float64       `json:"avg_cold_start_ms"`
	SupportedFeatures []string      `json:"supported_features"`
}

// RuntimeConfig is the string-keyed environment handed to a sandbox's
// entrypoint. Keys match the runtime-host contract exactly.
type RuntimeConfig map[string]string

// Env-var keys of the runtime-host contract (§4.1 / §4.8 in the design).
const (
	EnvRuntimePort   = "RUNTIME_PORT"
	EnvRuntimeHost   = "RUNTIME_HOST"
	EnvFunctionPath  = "FUNCTION_PATH"
	EnvFunctionName  = "FUNCTION_NAME"
	EnvFunctionTime  = "FUNCTION_TIMEOUT"
	EnvExecutionMode = "EXECUTION_MODE"
	EnvRuntimeID     = "RUNTIME_ID"
	EnvLogLevel      = "LOG_LEVEL"
	EnvMemoryLimit   = "MEMORY_LIMIT"
	EnvCPULimit      = "CPU_LIMIT"
	EnvHandlerSymbol = "FUNCTION_HANDLER"
)
