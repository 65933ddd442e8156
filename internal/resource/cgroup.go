package resource

import (
	"os"
	"strconv"
	"strings"
)

// MemoryLimit returns the container memory limit in bytes, read from the
// cgroup filesystem: cgroup v2
// first (/sys/fs/cgroup/memory.max), falling back to cgroup v1
// (/sys/fs/cgroup/memory/memory.limit_in_bytes). Returns 0 (no error) when
// neither file exists or the limit is "max" (unlimited); bare metal, VMs,
// and unconstrained containers all report 0.
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}
