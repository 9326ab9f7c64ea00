package stats

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/bedrockd/bedrockd/internal/verify"
)

// Stats is an on-demand resource sample for a verified running server.
type Stats struct {
	PID           int     `json:"pid"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type cpuSample struct {
	total float64 // cumulative process CPU seconds
	at    time.Time
}

// Monitor samples CPU/memory/uptime for running processes. CPU percent is a
// delta against the previous sample for the same PID, so the first sample for
// any PID reports 0.0.
type Monitor struct {
	mu   sync.Mutex
	last map[int]cpuSample
}

func NewMonitor() *Monitor {
	return &Monitor{last: make(map[int]cpuSample)}
}

// Stats returns a sample for pid, or nil when the process disappeared between
// verification and sampling. Inspection-facility failures are capability
// errors, not "not running".
func (m *Monitor) Stats(pid int) (*Stats, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			m.Forget(pid)
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pid %d: %v", verify.ErrCapability, pid, err)
	}

	times, err := p.Times()
	if err != nil {
		return nil, fmt.Errorf("%w: cpu times for pid %d: %v", verify.ErrCapability, pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: memory info for pid %d: %v", verify.ErrCapability, pid, err)
	}

	s := &Stats{
		PID:        pid,
		CPUPercent: m.cpuDelta(pid, times.User+times.System, time.Now()),
		MemoryMB:   float64(mem.RSS) / (1024 * 1024),
	}
	if created, err := p.CreateTime(); err == nil && created > 0 {
		s.UptimeSeconds = time.Since(time.UnixMilli(created)).Seconds()
	}
	return s, nil
}

// cpuDelta computes 100*(cpu2-cpu1)/(t2-t1) against the cached sample for pid
// and replaces the cache entry. The first sample for a PID yields 0.0.
func (m *Monitor) cpuDelta(pid int, total float64, at time.Time) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.last[pid]
	m.last[pid] = cpuSample{total: total, at: at}
	if !ok {
		return 0.0
	}
	wall := at.Sub(prev.at).Seconds()
	if wall <= 0 {
		return 0.0
	}
	pct := 100 * (total - prev.total) / wall
	if pct < 0 {
		return 0.0
	}
	return pct
}

// Forget purges the cached CPU sample for a PID that is no longer tracked.
func (m *Monitor) Forget(pid int) {
	m.mu.Lock()
	delete(m.last, pid)
	m.mu.Unlock()
}
