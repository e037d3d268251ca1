// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package scheduler runs the optional periodic snapshot export job via
// robfig/cron/v3, grounded on the teacher's internal/agent.Scheduler:
// one cron entry, a running-guard so overlapping ticks skip rather than
// queue, and a last-result summary readable through LastResult.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nishisan-dev/nbkv/internal/snapshot"
	"github.com/nishisan-dev/nbkv/internal/store"
)

// ExportResult summarizes the outcome of the most recent export tick.
type ExportResult struct {
	Status    string // "completed", "failed", "skipped"
	Keys      int
	Err       error
	Timestamp time.Time
}

// Exporter runs a single cron-scheduled job that writes a consistent
// snapshot of ks to src on every tick. A tick that overlaps a still-running
// export is skipped rather than queued, matching the teacher's
// run-guarded BackupJob.
type Exporter struct {
	cron   *cron.Cron
	logger *slog.Logger
	ks     *store.Keyspace
	src    snapshot.Source

	mu      sync.Mutex
	running bool
	last    *ExportResult
}

// New registers a single export job on cronExpr against ks/src. An empty
// cronExpr means exporting is disabled: New returns (nil, nil) and the
// caller does not start anything.
func New(cronExpr string, ks *store.Keyspace, src snapshot.Source, logger *slog.Logger) (*Exporter, error) {
	if cronExpr == "" {
		return nil, nil
	}

	e := &Exporter{
		logger: logger.With("component", "export_scheduler"),
		ks:     ks,
		src:    src,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(cronExpr, e.runTick); err != nil {
		return nil, fmt.Errorf("scheduler: adding export cron job %q: %w", cronExpr, err)
	}
	e.cron = c
	return e, nil
}

// Start begins running the cron schedule.
func (e *Exporter) Start() {
	e.logger.Info("export scheduler started")
	e.cron.Start()
}

// Stop stops the schedule and waits (up to ctx's deadline) for an
// in-flight export to finish.
func (e *Exporter) Stop(ctx context.Context) {
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
		e.logger.Info("export scheduler stopped")
	case <-ctx.Done():
		e.logger.Warn("export scheduler stop timed out")
	}
}

// LastResult reports the outcome of the most recently completed tick, or
// nil if none has run yet.
func (e *Exporter) LastResult() *ExportResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Exporter) runTick() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.Warn("export already running, skipping scheduled tick")
		e.setLast(&ExportResult{Status: "skipped", Timestamp: time.Now()})
		return
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	entries := e.ks.Snapshot()
	err := e.src.Save(context.Background(), entries)

	result := &ExportResult{Keys: len(entries), Timestamp: time.Now()}
	if err != nil {
		result.Status = "failed"
		result.Err = err
		e.logger.Warn("scheduled snapshot export failed", "error", err)
	} else {
		result.Status = "completed"
		e.logger.Info("scheduled snapshot export completed", "keys", len(entries))
	}
	e.setLast(result)
}

func (e *Exporter) setLast(r *ExportResult) {
	e.mu.Lock()
	e.last = r
	e.mu.Unlock()
}
