package agent

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"session-hub/internal/hub"
)

type systemProvider interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	DiskPercent(ctx context.Context, path string) (float64, error)
	Uptime(ctx context.Context) (uint64, error)
	CountProcesses(ctx context.Context, pattern string) (int, error)
}

type gopsutilProvider struct{}

func (gopsutilProvider) CPUPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 500*time.Millisecond, false)
	if err != nil || len(values) == 0 {
		return 0, err
	}
	return values[0], nil
}

func (gopsutilProvider) MemoryPercent(ctx context.Context) (float64, error) {
	stat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

func (gopsutilProvider) DiskPercent(ctx context.Context, path string) (float64, error) {
	stat, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return stat.UsedPercent, nil
}

func (gopsutilProvider) Uptime(ctx context.Context) (uint64, error) {
	return host.UptimeWithContext(ctx)
}

func (gopsutilProvider) CountProcesses(ctx context.Context, pattern string) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, proc := range procs {
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, pattern) {
			total++
		}
	}
	return total, nil
}

// Collector samples host metrics for heartbeat and status frames. Failed
// probes report zero rather than failing the sample.
type Collector struct {
	provider systemProvider

	mu             sync.RWMutex
	deployDir      string
	processPattern string
}

func NewCollector(deployDir, processPattern string) *Collector {
	if strings.TrimSpace(deployDir) == "" {
		deployDir = "/"
	}
	return &Collector{
		deployDir:      deployDir,
		processPattern: processPattern,
		provider:       gopsutilProvider{},
	}
}

// Retarget changes what the disk and worker probes look at. Empty values
// keep the current setting.
func (c *Collector) Retarget(deployDir, processPattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir := strings.TrimSpace(deployDir); dir != "" {
		c.deployDir = dir
	}
	if pattern := strings.TrimSpace(processPattern); pattern != "" {
		c.processPattern = pattern
	}
}

func (c *Collector) Collect(ctx context.Context) hub.HostMetrics {
	c.mu.RLock()
	deployDir, pattern := c.deployDir, c.processPattern
	c.mu.RUnlock()

	cpuValue, _ := c.provider.CPUPercent(ctx)
	memValue, _ := c.provider.MemoryPercent(ctx)
	diskValue, _ := c.provider.DiskPercent(ctx, deployDir)
	uptime, _ := c.provider.Uptime(ctx)

	workers := 0
	if pattern != "" {
		workers, _ = c.provider.CountProcesses(ctx, pattern)
	}

	return hub.HostMetrics{
		CPUPercent:     cpuValue,
		MemPercent:     memValue,
		DiskPercent:    diskValue,
		SessionWorkers: workers,
		Goroutines:     runtime.NumGoroutine(),
		UptimeSeconds:  uptime,
	}
}
