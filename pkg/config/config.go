// Package config loads the orchestrator's system-wide settings from a YAML
// file, applying defaults for anything left unspecified.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/faas/pkg/log"
)

// SystemConfig holds settings that apply to the whole orchestrator process,
// as opposed to a single function's FunctionConfig.
type SystemConfig struct {
	DefaultMode   string `yaml:"default_mode"`
	FacadeHost    string `yaml:"facade_host"`
	FacadePort    int    `yaml:"facade_port"`
	WarmInstanceTTLSeconds int `yaml:"warm_instance_ttl_seconds"`

	ProcessPortRangeStart int    `yaml:"process_port_range_start"`
	ProcessPortRangeEnd   int    `yaml:"process_port_range_end"`
	CgroupRoot            string `yaml:"cgroup_root"`
	RuntimeHostPath        string `yaml:"runtime_host_path"`

	ContainerRuntimeSocket string `yaml:"container_runtime_socket"`
	ContainerBaseImage     string `yaml:"container_base_image"`

	RegistryStorePath string `yaml:"registry_store_path"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Default returns the platform defaults, mirroring the constants the source
// implementation hard-codes into its own SystemConfig dataclass.
func Default() SystemConfig {
	return SystemConfig{
		DefaultMode:            "process",
		FacadeHost:             "0.0.0.0",
		FacadePort:             8080,
		WarmInstanceTTLSeconds: 600,
		ProcessPortRangeStart:  9000,
		ProcessPortRangeEnd:    9999,
		CgroupRoot:             "/sys/fs/cgroup/faas",
		RuntimeHostPath:        "",
		ContainerRuntimeSocket: "/run/containerd/containerd.sock",
		ContainerBaseImage:     "python:3.11-slim",
		RegistryStorePath:      "./faas-data/registry.db",
		LogLevel:               "info",
		LogJSON:                false,
	}
}

// Load reads a YAML file at path and merges it over Default(). A missing
// file is not an error: the caller gets pure defaults, matching how a fresh
// checkout of the orchestrator is expected to run with no config present.
func Load(path string) (SystemConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.WithComponent("config").Warn().Str("path", path).Msg("config file not found, using defaults")
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
