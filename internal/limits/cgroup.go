package limits

import (
	"os"
	"strconv"
	"strings"
)

// perConnectionBytes is a conservative estimate of heap per live connection:
// socket buffers, the outbound channel, and bookkeeping.
const perConnectionBytes = 64 * 1024

// MemoryLimitBytes reads the container memory limit from the cgroup
// filesystem. Tries cgroup v2 first, then v1. Returns 0 when no limit is
// detected, which happens on bare metal and unconstrained containers.
func MemoryLimitBytes() int64 {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		s := strings.TrimSpace(string(data))
		if s != "max" {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// ConnectionCap clamps a configured connection limit to what the container's
// memory allocation can hold, leaving half the allocation for everything
// that is not connection state. Returns configured unchanged when no cgroup
// limit is detected.
func ConnectionCap(configured int) int {
	memLimit := MemoryLimitBytes()
	if memLimit <= 0 {
		return configured
	}
	byMemory := int(memLimit / 2 / perConnectionBytes)
	if byMemory > 0 && byMemory < configured {
		return byMemory
	}
	return configured
}
