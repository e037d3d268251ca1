// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package server implements the TCP connection handler and accept loop for
// nbkv: per-connection read/parse/dispatch/reply, transaction queueing, and
// the leader side of single-leader replication (PSYNC handshake, write
// fan-out, offset accounting).
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/nbkv/internal/command"
	"github.com/nishisan-dev/nbkv/internal/snapshot"
	"github.com/nishisan-dev/nbkv/internal/store"
	"github.com/nishisan-dev/nbkv/internal/wire"
)

// Handler dispatches every accepted connection. One Handler is shared by
// every goroutine in the accept loop; it owns no per-connection state
// itself, only the process-wide Store/replication/engine.
type Handler struct {
	logger *slog.Logger
	engine *command.Engine
	repl   *replState

	// replicaRateLimitBytesPerSec caps the byte rate of the snapshot
	// transfer and write fan-out sent to each follower; 0 disables it.
	replicaRateLimitBytesPerSec int64

	ActiveConns atomic.Int32
	TotalConns  atomic.Int64
}

// NewHandler wires a Handler around an already-constructed Store and
// replication state. cfg and metrics may be nil; Execute degrades CONFIG
// GET/INFO fields to empty/zero accordingly.
func NewHandler(logger *slog.Logger, ks *store.Keyspace, repl *replState, cfg command.Config, metrics command.Metrics, replicaRateLimitBytesPerSec int64) *Handler {
	return &Handler{
		logger:                      logger,
		engine:                      &command.Engine{Store: ks, Repl: repl, Config: cfg, Metrics: metrics},
		repl:                        repl,
		replicaRateLimitBytesPerSec: replicaRateLimitBytesPerSec,
	}
}

// conn is the per-connection state for one accepted socket.
type conn struct {
	h       *Handler
	netConn net.Conn
	br      *bufio.Reader
	writeMu sync.Mutex

	// isReplicaLink is true once this connection has completed a PSYNC
	// handshake and become a follower's live fan-out pipe; at that point
	// the connection stops reading client commands and only ever writes.
	isReplicaLink bool

	txn *txnBuffer
}

// HandleConnection runs the read/dispatch/write loop for one accepted
// connection until it errors, the client closes it, or ctx is canceled.
func (h *Handler) HandleConnection(ctx context.Context, netConn net.Conn) {
	h.ActiveConns.Add(1)
	h.TotalConns.Add(1)
	defer h.ActiveConns.Add(-1)
	defer netConn.Close()

	c := &conn{h: h, netConn: netConn, br: bufio.NewReader(netConn)}

	go func() {
		<-ctx.Done()
		netConn.Close()
	}()

	for {
		frame, _, err := wire.Decode(c.br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("decode error, closing connection", "remote", netConn.RemoteAddr(), "error", err)
			}
			return
		}

		cmd, err := command.Parse(frame)
		if err != nil {
			c.writeFrame(wire.NewError(err.Error()))
			continue
		}

		if c.isReplicaLink {
			// A connection that has become a follower's fan-out pipe no
			// longer accepts client commands; REPLCONF ACK heartbeats are
			// the only expected traffic and carry no reply.
			continue
		}

		if !c.dispatch(ctx, cmd) {
			return
		}
	}
}

// dispatch runs one parsed command, handling transaction queueing and the
// PSYNC hand-off specially. Returns false if the connection should close.
func (c *conn) dispatch(ctx context.Context, cmd command.Command) bool {
	if c.txn != nil && cmd.Kind != command.Exec && cmd.Kind != command.Discard && cmd.Kind != command.Multi {
		c.txn.add(cmd)
		c.writeFrame(wire.NewSimple("QUEUED"))
		return true
	}

	switch cmd.Kind {
	case command.Multi:
		c.txn = &txnBuffer{}
		c.writeFrame(wire.NewSimple("ok"))
		return true

	case command.Discard:
		if c.txn == nil {
			c.writeFrame(wire.NewError("ERR DISCARD without MULTI"))
			return true
		}
		c.txn = nil
		c.writeFrame(wire.NewSimple("ok"))
		return true

	case command.Exec:
		if c.txn == nil {
			c.writeFrame(wire.NewError("ERR EXEC without MULTI"))
			return true
		}
		queued := c.txn.queued
		c.txn = nil
		results := make([]wire.Frame, len(queued))
		for i, qc := range queued {
			results[i] = c.execAndPropagate(qc, command.ExecContext{})
		}
		c.writeFrame(wire.NewArray(results...))
		return true

	case command.XRead:
		return c.dispatchXRead(ctx, cmd)

	case command.Psync:
		if !c.h.repl.IsLeader() {
			c.writeFrame(wire.NewSimple("PSYNC ON SLAVE IS NOT ALLOWED"))
			return true
		}
		c.handlePsync(ctx)
		// On success the connection stays open as the follower's fan-out
		// pipe; a failed handshake closes it.
		return c.isReplicaLink

	default:
		c.writeFrame(c.execAndPropagate(cmd, command.ExecContext{}))
		return true
	}
}

// execAndPropagate runs cmd through the Engine. On a leader it advances the
// replication offset by the byte length of cmd's original encoded frame
// (for reads and writes alike) and fans writes out to followers; on a
// follower only replica-origin commands advance the offset.
func (c *conn) execAndPropagate(cmd command.Command, ec command.ExecContext) wire.Frame {
	reply, isWrite, err := c.h.engine.Execute(cmd, ec)
	if err != nil {
		return wire.NewError(err.Error())
	}
	if c.h.repl.IsLeader() {
		c.h.repl.AddOffset(wire.EncodedLen(cmd.Frame))
		if isWrite {
			c.h.repl.Propagate(cmd.Frame)
		}
	} else if ec.IsReplicaOrigin {
		c.h.repl.AddOffset(wire.EncodedLen(cmd.Frame))
	}
	return reply
}

// dispatchXRead handles XREAD directly against the Store rather than
// through Engine.Execute, because a BLOCK call needs this connection's
// context for early cancellation on close.
func (c *conn) dispatchXRead(ctx context.Context, cmd command.Command) bool {
	queries := make([]store.StreamQuery, len(cmd.ReadQueries))
	for i, q := range cmd.ReadQueries {
		id, err := store.ParseStreamID(q.Start)
		if err != nil {
			c.writeFrame(wire.NewError(err.Error()))
			return true
		}
		queries[i] = store.StreamQuery{Key: q.Key, Start: id}
	}

	results, err := c.h.engine.Store.XRead(ctx, queries, cmd.BlockMs)
	if err != nil {
		// Connection-context cancellation during a blocking read; the
		// connection is closing anyway.
		return false
	}

	if len(results) == 0 {
		c.writeFrame(wire.NewNull())
		return true
	}

	items := make([]wire.Frame, len(results))
	for i, r := range results {
		entryItems := make([]wire.Frame, len(r.Entries))
		for j, e := range r.Entries {
			fields := make([]wire.Frame, 0, len(e.Fields)*2)
			for _, fv := range e.Fields {
				fields = append(fields, wire.NewBulkString(fv.Field), wire.NewBulkString(fv.Value))
			}
			entryItems[j] = wire.NewArray(wire.NewBulkString(e.ID.String()), wire.NewArray(fields...))
		}
		items[i] = wire.NewArray(wire.NewBulkString(r.Key), wire.NewArray(entryItems...))
	}
	c.writeFrame(wire.NewArray(items...))
	return true
}

func (c *conn) writeFrame(f wire.Frame) {
	if f.IsZero() {
		return // execReplConf's ACK case: no reply at all
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wire.WriteFrame(c.netConn, f); err != nil {
		c.h.logger.Debug("write error", "remote", c.netConn.RemoteAddr(), "error", err)
	}
}

// handlePsync drives the leader side of the handshake: buffer writes that
// land mid-handshake, send FULLRESYNC + a bulk-string-framed snapshot,
// replay the buffered writes, then attach this connection for live
// fan-out. On return the connection no longer processes client commands.
// Every early return aborts the handshake buffer it registered, so a
// failed handshake never leaks an entry into replState.pending.
func (c *conn) handlePsync(ctx context.Context) {
	buf := c.h.repl.beginHandshake()

	c.writeFrame(wire.NewSimple(fmt.Sprintf("FULLRESYNC %s %d", c.h.repl.ReplID(), c.h.repl.Offset())))

	// The "$<len>\r\n" header needs the snapshot's encoded length before a
	// single body byte is sent. A countingWriter measures it with a dry
	// run over the same captured entries rather than buffering the whole
	// snapshot in memory, which snapshot.Write then streams straight to
	// the follower exactly as before.
	entries := c.h.engine.Store.Snapshot()
	var cw countingWriter
	if err := snapshot.Write(&cw, entries); err != nil {
		c.h.repl.abortHandshake(buf)
		c.h.logger.Warn("measuring snapshot for follower", "remote", c.netConn.RemoteAddr(), "error", err)
		return
	}

	out := newThrottledWriter(ctx, c.netConn, c.h.replicaRateLimitBytesPerSec)

	c.writeMu.Lock()
	if err := wire.WriteBulkHeader(out, cw.n); err != nil {
		c.writeMu.Unlock()
		c.h.repl.abortHandshake(buf)
		c.h.logger.Warn("sending snapshot header to follower", "remote", c.netConn.RemoteAddr(), "error", err)
		return
	}
	if err := snapshot.Write(out, entries); err != nil {
		c.writeMu.Unlock()
		c.h.repl.abortHandshake(buf)
		c.h.logger.Warn("sending snapshot to follower", "remote", c.netConn.RemoteAddr(), "error", err)
		return
	}

	fol := &follower{w: out, mu: &c.writeMu, addr: c.netConn.RemoteAddr().String()}

	for _, encoded := range buf.drain() {
		if _, err := out.Write(encoded); err != nil {
			c.writeMu.Unlock()
			c.h.repl.abortHandshake(buf)
			return
		}
	}
	c.writeMu.Unlock()

	c.h.repl.endHandshake(buf, fol)
	c.isReplicaLink = true
}

// countingWriter discards bytes while counting how many would have been
// written, to size a bulk-string header without materializing the body.
type countingWriter struct{ n int }

func (cw *countingWriter) Write(p []byte) (int, error) {
	cw.n += len(p)
	return len(p), nil
}
