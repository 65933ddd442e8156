package resource

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// Throttle reports cgroup CPU throttling counters sampled since the previous
// CPUMonitor.Percent call.
type Throttle struct {
	Periods     uint64
	Throttled   uint64
	ThrottledMS float64
}

// containerCPU reads CPU usage from the cgroup hierarchy directly, so
// admission control sees usage relative to the container's actual quota
// instead of the host's full core count.
type containerCPU struct {
	mu             sync.Mutex
	lastUsec       uint64
	lastSampled    time.Time
	cgroupPath     string
	cgroupVersion  int
	cpusAllocated  float64
	lastThrottle   Throttle
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}

	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}

	cc := &containerCPU{
		cgroupPath:    path,
		cgroupVersion: version,
		lastSampled:   time.Now(),
	}
	if quota > 0 && period > 0 {
		cc.cpusAllocated = float64(quota) / float64(period)
	} else {
		cc.cpusAllocated = float64(runtime.NumCPU())
	}

	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}
	cc.lastUsec = usage
	if throttle, err := readThrottle(path, version); err == nil {
		cc.lastThrottle = throttle
	}

	return cc, nil
}

func (cc *containerCPU) percent() (float64, Throttle, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampled).Microseconds()

	usage, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, Throttle{}, err
	}
	if elapsedUsec == 0 {
		return 0, Throttle{}, fmt.Errorf("resource: sample interval too small")
	}

	delta := usage - cc.lastUsec
	rawPercent := (float64(delta) / float64(elapsedUsec)) * 100.0
	percent := rawPercent / cc.cpusAllocated

	var throttleDelta Throttle
	if throttle, err := readThrottle(cc.cgroupPath, cc.cgroupVersion); err == nil {
		throttleDelta = Throttle{
			Periods:     throttle.Periods - cc.lastThrottle.Periods,
			Throttled:   throttle.Throttled - cc.lastThrottle.Throttled,
			ThrottledMS: throttle.ThrottledMS - cc.lastThrottle.ThrottledMS,
		}
		cc.lastThrottle = throttle
	}

	cc.lastUsec = usage
	cc.lastSampled = now
	return percent, throttleDelta, nil
}

func (cc *containerCPU) allocation() float64 {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.cpusAllocated
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("resource: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("resource: unexpected cpu.max format: %s", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		file, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "usage_usec ") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("resource: usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

func readThrottle(path string, version int) (Throttle, error) {
	var t Throttle
	file, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return t, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			t.Periods = value
		case "nr_throttled":
			t.Throttled = value
		case "throttled_usec":
			t.ThrottledMS = float64(value) / 1000.0
		case "throttled_time":
			t.ThrottledMS = float64(value) / 1000000.0
		}
	}
	return t, nil
}

// CPUMonitor reports CPU usage relative to whatever the process is actually
// allowed to use: the cgroup quota when one is detectable, the full host
// otherwise.
type CPUMonitor struct {
	mode      string // "container" or "host"
	container *containerCPU
}

// NewCPUMonitor probes the process's cgroup and falls back to host-wide
// measurement when its CPU files cannot be read. A cgroup without a quota
// is still measured from the cgroup, against the host's core count.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	cc, err := newContainerCPU()
	if err != nil {
		logger.Info().Err(err).Msg("resource: no cgroup CPU quota detected, using host CPU")
		return &CPUMonitor{mode: "host"}
	}
	logger.Info().
		Float64("cpus_allocated", cc.allocation()).
		Msg("resource: using container-aware CPU measurement")
	return &CPUMonitor{mode: "container", container: cc}
}

// Percent returns CPU usage as a percentage of the process's allocation:
// 100 means fully saturated, independent of host core count.
func (cm *CPUMonitor) Percent() (float64, Throttle, error) {
	if cm.mode == "container" {
		return cm.container.percent()
	}
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, Throttle{}, err
	}
	if len(percents) == 0 {
		return 0, Throttle{}, fmt.Errorf("resource: no host CPU sample")
	}
	return percents[0], Throttle{}, nil
}

// Allocation reports how many CPUs this process may use: the cgroup quota,
// or the host's core count in host mode.
func (cm *CPUMonitor) Allocation() float64 {
	if cm.mode == "container" {
		return cm.container.allocation()
	}
	return float64(runtime.NumCPU())
}

// Mode reports "container" or "host".
func (cm *CPUMonitor) Mode() string {
	return cm.mode
}
