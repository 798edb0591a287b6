package sysmon

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is a snapshot of the server process's own resource use. Streams are
// held in memory without a cap, so this is where growth shows up.
type Usage struct {
	PID           int32     `json:"pid"`
	MemoryMB      float64   `json:"memoryMB"` // RSS in MB
	MemoryPercent float32   `json:"memoryPercent"`
	CPUPercent    float64   `json:"cpuPercent"`
	NumThreads    int32     `json:"numThreads"`
	NumFDs        int32     `json:"numFDs"`
	Goroutines    int       `json:"goroutines"`
	StartTime     time.Time `json:"startTime"`
}

// SelfUsage samples the current process.
func SelfUsage(ctx context.Context) (*Usage, error) {
	return Sample(ctx, int32(os.Getpid()))
}

// Sample collects Usage for pid. Individual fields that cannot be read on
// this platform are left zero.
func Sample(ctx context.Context, pid int32) (*Usage, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("process not found: %w", err)
	}

	u := &Usage{
		PID:        pid,
		Goroutines: runtime.NumGoroutine(),
	}

	if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil {
		u.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}
	if memPercent, err := p.MemoryPercentWithContext(ctx); err == nil {
		u.MemoryPercent = memPercent
	}
	if cpuPercent, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpuPercent
	}
	if numThreads, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = numThreads
	}
	if numFDs, err := p.NumFDsWithContext(ctx); err == nil {
		u.NumFDs = numFDs
	}
	if createTime, err := p.CreateTimeWithContext(ctx); err == nil {
		u.StartTime = time.UnixMilli(createTime).UTC()
	}

	return u, nil
}
