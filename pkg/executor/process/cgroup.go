package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/cuemby/faas/pkg/executor"
	"github.com/cuemby/faas/pkg/log"
)

// ResourceManager creates and tears down per-instance cgroups v2 directories
// under a fixed root, applying memory.max and cpu.max limits.
type ResourceManager struct {
	root      string
	available bool
}

// NewResourceManager prepares the faas cgroup root. If it cannot be created
// (no cgroups v2, or insufficient privilege), resource limiting is silently
// disabled rather than failing instance creation — matching the source
// implementation's non-Linux degrade path.
func NewResourceManager(root string) *ResourceManager {
	rm := &ResourceManager{root: root}
	if err := os.MkdirAll(root, 0755); err != nil {
		log.WithComponent("executor.process").Warn().Err(err).Str("root", root).
			Msg("cannot create cgroup root, resource limits disabled")
		return rm
	}
	rm.available = true
	return rm
}

// Create sets up a cgroup for runtimeID with the given memory/cpu limit
// strings, returning its path, or "" if cgroups are unavailable.
func (rm *ResourceManager) Create(runtimeID, memoryLimit, cpuLimit string) string {
	if !rm.available {
		return ""
	}

	path := filepath.Join(rm.root, runtimeID)
	if err := os.MkdirAll(path, 0755); err != nil {
		log.WithComponent("executor.process").Error().Err(err).Str("path", path).Msg("failed to create cgroup")
		return ""
	}

	if bytes, err := executor.ParseMemoryLimit(memoryLimit); err == nil {
		_ = os.WriteFile(filepath.Join(path, "memory.max"), []byte(strconv.FormatInt(bytes, 10)), 0644)
	}
	if quota, err := executor.ParseCPULimit(cpuLimit); err == nil {
		_ = os.WriteFile(filepath.Join(path, "cpu.max"), []byte(fmt.Sprintf("%d 100000", quota)), 0644)
	}

	return path
}

// AddProcess joins pid to the cgroup at path.
func (rm *ResourceManager) AddProcess(path string, pid int) {
	if path == "" {
		return
	}
	if err := os.WriteFile(filepath.Join(path, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644); err != nil {
		log.WithComponent("executor.process").Error().Err(err).Int("pid", pid).Msg("failed to join cgroup")
	}
}

// Cleanup kills any processes still in the cgroup and removes its directory.
func (rm *ResourceManager) Cleanup(path string) {
	if path == "" {
		return
	}

	if data, err := os.ReadFile(filepath.Join(path, "cgroup.procs")); err == nil {
		for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
			if line == "" {
				continue
			}
			if pid, err := strconv.Atoi(line); err == nil {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
		}
	}

	if err := os.Remove(path); err != nil {
		log.WithComponent("executor.process").Debug().Err(err).Str("path", path).Msg("cgroup cleanup")
	}
}
