package ui

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is the resource usage of the backend process.
type ProcessStats struct {
	PID        int32
	CPUPercent float64
	RSS        uint64
	MemPercent float32
	Children   int
}

// GetProcessStats samples pid. CPU is averaged over the process lifetime,
// which is good enough for a once-a-second display.
func GetProcessStats(pid int32) (ProcessStats, error) {
	stats := ProcessStats{PID: pid}

	p, err := process.NewProcess(pid)
	if err != nil {
		return stats, err
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		stats.RSS = mem.RSS
	}
	if pct, err := p.MemoryPercent(); err == nil {
		stats.MemPercent = pct
	}
	// The backend forks model workers; count them so a leak is visible.
	if children, err := p.Children(); err == nil {
		stats.Children = len(children)
	}
	return stats, nil
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
