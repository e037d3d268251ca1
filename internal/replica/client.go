// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package replica implements the follower side of single-leader
// replication: the handshake (PING, REPLCONF listening-port, REPLCONF capa
// psync2, PSYNC ? -1), ingesting the FULLRESYNC snapshot, and applying the
// streamed replicated commands to the local Store.
//
// Grounded on the teacher's agent/control_channel.go and daemon.go
// reconnect-with-backoff shape, adapted from a keep-alive control link to a
// one-way command stream.
package replica

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/nbkv/internal/command"
	"github.com/nishisan-dev/nbkv/internal/snapshot"
	"github.com/nishisan-dev/nbkv/internal/wire"
)

// minBackoff and maxBackoff bound the reconnect delay after a lost
// connection to the leader.
const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 10 * time.Second
)

// Run connects to leaderAddr and applies the replicated command stream to
// engine.Store until ctx is canceled, reconnecting with exponential
// backoff on any I/O error.
func Run(ctx context.Context, leaderAddr string, myPort int, engine *command.Engine, logger *slog.Logger) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		err := connectOnce(ctx, leaderAddr, myPort, engine, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("replication link to leader lost, reconnecting", "leader", leaderAddr, "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func connectOnce(ctx context.Context, leaderAddr string, myPort int, engine *command.Engine, logger *slog.Logger) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", leaderAddr)
	if err != nil {
		return fmt.Errorf("dialing leader %s: %w", leaderAddr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	br := bufio.NewReader(conn)

	if err := handshake(br, conn, myPort); err != nil {
		return fmt.Errorf("handshake with leader %s: %w", leaderAddr, err)
	}
	logger.Info("replication handshake complete", "leader", leaderAddr)

	length, err := wire.ReadBulkHeader(br)
	if err != nil {
		return fmt.Errorf("reading snapshot header from leader: %w", err)
	}
	loaded, err := snapshot.Load(io.LimitReader(br, int64(length)))
	if err != nil {
		return fmt.Errorf("loading snapshot from leader: %w", err)
	}
	for k, e := range loaded {
		engine.Store.LoadString(k, e.Value, e.ExpireAt)
	}
	logger.Info("snapshot applied", "keys", len(loaded))

	return applyStream(ctx, conn, br, engine)
}

// handshake runs the fixed PING / REPLCONF / PSYNC sequence and leaves br
// positioned at the first byte of the FULLRESYNC snapshot body.
func handshake(br *bufio.Reader, conn net.Conn, myPort int) error {
	steps := []wire.Frame{
		wire.NewArray(wire.NewBulkString("PING")),
		wire.NewArray(wire.NewBulkString("REPLCONF"), wire.NewBulkString("listening-port"), wire.NewBulkString(strconv.Itoa(myPort))),
		wire.NewArray(wire.NewBulkString("REPLCONF"), wire.NewBulkString("capa"), wire.NewBulkString("psync2")),
	}
	for _, f := range steps {
		if err := wire.WriteFrame(conn, f); err != nil {
			return err
		}
		if _, _, err := wire.Decode(br); err != nil {
			return err
		}
	}

	if err := wire.WriteFrame(conn, wire.NewArray(wire.NewBulkString("PSYNC"), wire.NewBulkString("?"), wire.NewBulkString("-1"))); err != nil {
		return err
	}
	reply, _, err := wire.Decode(br)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply.Str, "FULLRESYNC") {
		return fmt.Errorf("unexpected PSYNC reply: %+v", reply)
	}
	return nil
}

// applyStream decodes and applies replicated command frames forever,
// treating every one as a write arriving on the replication connection. A
// REPLCONF GETACK produces a non-empty reply from Execute, which is
// written back on conn; the replies of every other replicated command are
// discarded.
func applyStream(ctx context.Context, conn net.Conn, br *bufio.Reader, engine *command.Engine) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		frame, _, err := wire.Decode(br)
		if err != nil {
			return err
		}

		cmd, err := command.Parse(frame)
		if err != nil {
			continue // a malformed replicated frame is dropped, not fatal
		}

		reply, _, err := engine.Execute(cmd, command.ExecContext{IsReplicaOrigin: true})
		if err != nil {
			continue
		}
		engine.Repl.AddOffset(wire.EncodedLen(frame))

		if cmd.Kind == command.ReplConf && !reply.IsZero() {
			if err := wire.WriteFrame(conn, reply); err != nil {
				return err
			}
		}
	}
}
