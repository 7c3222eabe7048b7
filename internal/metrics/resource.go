package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	resourceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "cpu_percent",
			Help:      "CPU usage of the watcher process.",
		}, []string{"watcher"},
	)
	resourceRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the watcher process.",
		}, []string{"watcher"},
	)
	resourceThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "autologout",
			Subsystem: "watcher",
			Name:      "threads",
			Help:      "OS threads of the watcher process.",
		}, []string{"watcher"},
	)
)

// ResourceUsage is one sample of a process's CPU and memory.
type ResourceUsage struct {
	PID        int32   `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
}

// SampleProcess reads the current usage of pid.
func SampleProcess(pid int32) (ResourceUsage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	u := ResourceUsage{PID: pid}

	// the first CPUPercent call may return 0 until a baseline exists
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u.MemoryRSS = mem.RSS
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// RunResourceSampler exports the usage of the current process under the
// watcher label every interval until ctx is done.
func RunResourceSampler(ctx context.Context, watcher string, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	pid := int32(os.Getpid()) // #nosec G115 -- pids fit in int32
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		u, err := SampleProcess(pid)
		if err != nil {
			slog.Debug("resource sample failed", "watcher", watcher, "error", err)
		} else {
			setResource(watcher, u)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func setResource(watcher string, u ResourceUsage) {
	if regOK.Load() {
		resourceCPU.WithLabelValues(watcher).Set(u.CPUPercent)
		resourceRSS.WithLabelValues(watcher).Set(float64(u.MemoryRSS))
		resourceThreads.WithLabelValues(watcher).Set(float64(u.NumThreads))
	}
}
