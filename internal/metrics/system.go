package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically pushes goroutine/memory/CPU readings into
// a Registry's gauges, the way go-server's SystemMetrics fed its own
// gauges via gopsutil.
type SystemSampler struct {
	registry *Registry

	mu         sync.Mutex
	cpuPercent float64
}

// NewSystemSampler wraps registry for periodic sampling.
func NewSystemSampler(registry *Registry) *SystemSampler {
	return &SystemSampler{registry: registry}
}

// Run samples at interval until ctx is canceled.
func (s *SystemSampler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	s.registry.Goroutines.Set(float64(runtime.NumGoroutine()))
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			s.registry.MemoryRSS.Set(float64(mem.RSS))
		}
	}

	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	const alpha = 0.3
	if s.cpuPercent == 0 {
		s.cpuPercent = percents[0]
	} else {
		s.cpuPercent = alpha*percents[0] + (1-alpha)*s.cpuPercent
	}
	s.registry.CPUPercent.Set(s.cpuPercent)
}
