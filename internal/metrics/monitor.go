// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package metrics samples host resource usage on a fixed interval via
// gopsutil, grounded on the teacher's internal/agent.SystemMonitor. It
// never touches the Keyspace or the command path: a sampling failure
// degrades the exposed snapshot to zero values rather than propagating an
// error anywhere.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nishisan-dev/nbkv/internal/command"
)

// Monitor collects system metrics periodically and exposes the latest
// snapshot to the command engine's INFO handling.
type Monitor struct {
	logger *slog.Logger

	mu   sync.RWMutex
	snap command.MetricsSnapshot
}

// NewMonitor creates a Monitor with zero-valued stats until the first
// sample completes.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{logger: logger.With("component", "metrics_monitor")}
}

// Snapshot returns the most recently collected stats. Safe for concurrent
// use with Run.
func (m *Monitor) Snapshot() command.MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Run samples metrics once immediately and then every interval, until ctx
// is canceled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	m.collect()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *Monitor) collect() {
	var snap command.MetricsSnapshot

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		snap.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedBytes = v.Used
		snap.MemTotalBytes = v.Total
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		snap.DiskUsedBytes = d.Used
	} else {
		m.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		snap.LoadAvg1 = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()
}
