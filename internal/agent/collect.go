package agent

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// CollectMetrics samples the host's resource usage. CPU is measured
// without a sampling window; gopsutil reports usage since the previous
// call, which matches a fixed reporting cadence.
func CollectMetrics(ctx context.Context) (*MetricSample, error) {
	sample := &MetricSample{}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("sample cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		sample.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample memory: %w", err)
	}
	sample.RAMPercent = vm.UsedPercent
	sample.RAMTotal = vm.Total
	sample.RAMUsed = vm.Used

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return nil, fmt.Errorf("sample disk: %w", err)
	}
	sample.DiskPercent = du.UsedPercent
	sample.DiskTotal = du.Total
	sample.DiskUsed = du.Used

	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("sample uptime: %w", err)
	}
	sample.UptimeSeconds = uptime

	return sample, nil
}

// MetricSample is one host resource snapshot.
type MetricSample struct {
	CPUPercent    float64
	RAMPercent    float64
	RAMTotal      uint64
	RAMUsed       uint64
	DiskPercent   float64
	DiskTotal     uint64
	DiskUsed      uint64
	UptimeSeconds uint64
}

// OSInfo describes the host OS for registration, e.g.
// "ubuntu 24.04 (linux)".
func OSInfo() string {
	info, err := host.Info()
	if err != nil {
		return "unknown"
	}
	return fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.OS)
}

// DetectPackageManager probes the PATH for a known package manager.
func DetectPackageManager() string {
	for _, mgr := range []string{"apt", "apk", "dnf", "yum", "pacman"} {
		if _, err := exec.LookPath(mgr); err == nil {
			return mgr
		}
	}
	return ""
}
