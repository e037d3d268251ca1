// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nishisan-dev/nbkv/internal/config"
	"github.com/nishisan-dev/nbkv/internal/metrics"
	"github.com/nishisan-dev/nbkv/internal/replica"
	"github.com/nishisan-dev/nbkv/internal/scheduler"
	"github.com/nishisan-dev/nbkv/internal/snapshot"
	"github.com/nishisan-dev/nbkv/internal/store"
)

// statsInterval is how often the accept loop logs a one-line summary of
// connection and replication counters, grounded on the teacher's 15s
// stats-reporter cadence.
const statsInterval = 15 * time.Second

// Run loads the initial snapshot (if one exists), starts replicating from
// a leader when cfg.ReplicaOf is set, and blocks accepting connections on
// cfg.Addr() until ctx is canceled.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Addr(), err)
	}
	defer ln.Close()

	logger.Info("server listening", "address", cfg.Addr())
	return serve(ctx, ln, cfg, logger)
}

// RunWithListener is Run with an already-bound listener, for tests.
func RunWithListener(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	return serve(ctx, ln, cfg, logger)
}

func serve(ctx context.Context, ln net.Listener, cfg *config.Config, logger *slog.Logger) error {
	ks := store.New()

	src, err := snapshot.NewSource(ctx, cfg.Dir(), cfg.DBFilename())
	if err != nil {
		return fmt.Errorf("resolving snapshot source: %w", err)
	}
	loaded, err := src.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	for k, e := range loaded {
		ks.LoadString(k, e.Value, e.ExpireAt)
	}
	logger.Info("snapshot loaded", "keys", len(loaded))

	mon := metrics.NewMonitor(logger)
	go mon.Run(ctx, 10*time.Second)

	exportSrc := src
	if bucket := cfg.Export().S3Bucket; bucket != "" {
		exportSrc, err = snapshot.NewSource(ctx, cfg.Dir(), "s3://"+bucket+"/"+cfg.DBFilename())
		if err != nil {
			return fmt.Errorf("resolving export s3 destination: %w", err)
		}
	}
	exporter, err := scheduler.New(cfg.Export().Cron, ks, exportSrc, logger)
	if err != nil {
		return fmt.Errorf("starting export scheduler: %w", err)
	}
	if exporter != nil {
		exporter.Start()
		go func() {
			<-ctx.Done()
			exporter.Stop(context.Background())
		}()
	}

	repl := newReplState(cfg.ReplicaOf() == "", logger)
	handler := NewHandler(logger, ks, repl, cfg, mon, cfg.ReplicaRateLimitBytesPerSec())

	if cfg.ReplicaOf() != "" {
		leaderAddr, err := config.HostPortToAddr(cfg.ReplicaOf())
		if err != nil {
			return fmt.Errorf("parsing --replicaof: %w", err)
		}
		go replica.Run(ctx, leaderAddr, cfg.Port(), handler.engine, logger)
	}

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("server stats",
					"active_conns", handler.ActiveConns.Load(),
					"total_conns", handler.TotalConns.Load(),
					"role", roleString(repl.IsLeader()),
					"offset", repl.Offset(),
					"followers", repl.ConnectedFollowers(),
				)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		go handler.HandleConnection(ctx, conn)
	}
}

func roleString(isLeader bool) string {
	if isLeader {
		return "master"
	}
	return "slave"
}
