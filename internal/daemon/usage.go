package daemon

import (
	"fmt"

	"github.com/shirou/gopsutil/process"
)

// Usage is a point-in-time resource snapshot of a daemon process.
type Usage struct {
	Pid        int
	CPUPercent float64
	RSSBytes   uint64
}

// Alive reports whether pid refers to a running process.
func Alive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// ProcessUsage samples the cpu and resident memory of pid.
func ProcessUsage(pid int) (Usage, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	return Usage{Pid: pid, CPUPercent: cpu, RSSBytes: mem.RSS}, nil
}
