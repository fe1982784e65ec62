package executor

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemoryLimit parses a k/ki/m/mi/g/gi-suffixed memory string into
// bytes. Suffixes are case-insensitive powers of 1024. Shared by both
// execution modes: process cgroups and container OCI specs take the same
// FunctionConfig.MemoryLimit string.
func ParseMemoryLimit(limit string) (int64, error) {
	limit = strings.ToLower(strings.TrimSpace(limit))
	if limit == "" {
		return 0, fmt.Errorf("empty memory limit")
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"ki", 1024}, {"k", 1024},
		{"mi", 1024 * 1024}, {"m", 1024 * 1024},
		{"gi", 1024 * 1024 * 1024}, {"g", 1024 * 1024 * 1024},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(limit, m.suffix) {
			n, err := strconv.ParseInt(strings.TrimSuffix(limit, m.suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory limit %q: %w", limit, err)
			}
			return n * m.mult, nil
		}
	}

	n, err := strconv.ParseInt(limit, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	return n, nil
}

// ParseCPULimit parses either millicore ("100m") or decimal-core ("1.5")
// notation into a cgroups v2 cpu.max quota for a fixed 100000us period.
func ParseCPULimit(limit string) (int64, error) {
	limit = strings.TrimSpace(limit)
	if limit == "" {
		return 0, fmt.Errorf("empty cpu limit")
	}

	if strings.HasSuffix(limit, "m") {
		millicores, err := strconv.ParseInt(strings.TrimSuffix(limit, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu limit %q: %w", limit, err)
		}
		return millicores * 100, nil
	}

	cores, err := strconv.ParseFloat(limit, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu limit %q: %w", limit, err)
	}
	return int64(cores * 100000), nil
}
