// Package perfcounters periodically emits process-level metric telemetry
// (CPU, memory, disk of the offline store volume) through a telemetry
// client.
package perfcounters

import (
	"context"
	"path/filepath"
	"time"
)

// Tracker is the slice of the telemetry client the collector needs.
type Tracker interface {
	TrackMetric(name string, value float64)
}

type Collector struct {
	interval time.Duration
	tracker  Tracker
	diskPath string

	lastCPU *cpuSample
}

type cpuSample struct {
	usageUsec int64
	at        time.Time
}

// New builds a collector. diskPath points at the offline store; empty
// disables the disk gauges.
func New(interval time.Duration, tracker Tracker, diskPath string) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		interval: interval,
		tracker:  tracker,
		diskPath: diskPath,
	}
}

func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.collect(time.Now())
		}
	}
}

func (c *Collector) collect(now time.Time) {
	if cpuPct, ok := c.cpuPercent(now); ok {
		c.tracker.TrackMetric("process_cpu_percent", cpuPct)
	}
	if rss, err := currentRSSBytes(); err == nil {
		c.tracker.TrackMetric("process_rss_bytes", float64(rss))
	}
	if current, total := readMemory(); total > 0 {
		c.tracker.TrackMetric("memory_available_bytes", float64(total-current))
	}
	if c.diskPath != "" {
		if used, total, free := readDiskStats(filepath.Dir(c.diskPath)); total > 0 {
			c.tracker.TrackMetric("store_disk_used_bytes", float64(used))
			c.tracker.TrackMetric("store_disk_free_bytes", float64(free))
		}
	}
}

// cpuPercent derives utilization from successive cumulative usage samples;
// the first sample only primes the delta.
func (c *Collector) cpuPercent(now time.Time) (float64, bool) {
	usageUsec, err := readCPUUsageUsec()
	if err != nil {
		return 0, false
	}
	cur := &cpuSample{usageUsec: usageUsec, at: now}
	if c.lastCPU == nil {
		c.lastCPU = cur
		return 0, false
	}
	deltaUsage := float64(cur.usageUsec-c.lastCPU.usageUsec) / 1_000_000.0
	deltaTime := cur.at.Sub(c.lastCPU.at).Seconds()
	c.lastCPU = cur
	if deltaTime <= 0 {
		return 0, false
	}
	pct := (deltaUsage / deltaTime) * 100.0 / readCPUCores()
	if pct < 0 {
		pct = 0
	}
	return pct, true
}
