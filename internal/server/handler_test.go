// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/nbkv/internal/store"
	"github.com/nishisan-dev/nbkv/internal/wire"
)

func testHandler() (*Handler, *store.Keyspace) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := store.New()
	repl := newReplState(true, logger)
	h := NewHandler(logger, ks, repl, nil, nil, 0)
	return h, ks
}

func dialHandler(t *testing.T, h *Handler) (client net.Conn, done chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done = make(chan struct{})
	go func() {
		h.HandleConnection(ctx, serverConn)
		close(done)
	}()
	return clientConn, done
}

func sendAndRecv(t *testing.T, conn net.Conn, br *bufio.Reader, req wire.Frame) wire.Frame {
	t.Helper()
	if err := wire.WriteFrame(conn, req); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	reply, _, err := wire.Decode(br)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return reply
}

func TestHandlerPingPong(t *testing.T) {
	h, _ := testHandler()
	conn, _ := dialHandler(t, h)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("PING")))
	if reply.Type != wire.Simple || reply.Str != "PONG" {
		t.Fatalf("reply = %+v, want +PONG", reply)
	}
}

func TestHandlerSetGet(t *testing.T) {
	h, _ := testHandler()
	conn, _ := dialHandler(t, h)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("SET"), wire.NewBulkString("k"), wire.NewBulkString("v")))
	if reply.Str != "ok" {
		t.Fatalf("SET reply = %+v, want +ok", reply)
	}

	reply = sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("GET"), wire.NewBulkString("k")))
	if reply.Type != wire.Bulk || reply.BulkText() != "v" {
		t.Fatalf("GET reply = %+v, want bulk \"v\"", reply)
	}
}

func TestHandlerGetMissingReturnsNull(t *testing.T) {
	h, _ := testHandler()
	conn, _ := dialHandler(t, h)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("GET"), wire.NewBulkString("missing")))
	if reply.Type != wire.Null {
		t.Fatalf("reply = %+v, want Null", reply)
	}
}

func TestHandlerMultiExecQueuesAndRunsAtomically(t *testing.T) {
	h, _ := testHandler()
	conn, _ := dialHandler(t, h)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("MULTI")))
	if reply.Str != "ok" {
		t.Fatalf("MULTI reply = %+v", reply)
	}

	reply = sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("SET"), wire.NewBulkString("a"), wire.NewBulkString("1")))
	if reply.Str != "QUEUED" {
		t.Fatalf("queued SET reply = %+v, want QUEUED", reply)
	}

	reply = sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("EXEC")))
	if reply.Type != wire.Array || len(reply.Items) != 1 {
		t.Fatalf("EXEC reply = %+v, want 1-element array", reply)
	}
	if reply.Items[0].Str != "ok" {
		t.Fatalf("EXEC[0] = %+v, want +ok", reply.Items[0])
	}
}

func TestHandlerWriteRejectedOnFollower(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := store.New()
	repl := newReplState(false, logger)
	h := NewHandler(logger, ks, repl, nil, nil, 0)

	conn, _ := dialHandler(t, h)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("SET"), wire.NewBulkString("a"), wire.NewBulkString("1")))
	if reply.Type != wire.Simple || reply.Str == "" {
		t.Fatalf("expected an error reply on follower, got %+v", reply)
	}
}

func TestHandlerPsyncRejectedOnFollower(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := store.New()
	repl := newReplState(false, logger)
	h := NewHandler(logger, ks, repl, nil, nil, 0)

	conn, _ := dialHandler(t, h)
	defer conn.Close()
	br := bufio.NewReader(conn)

	reply := sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("PSYNC"), wire.NewBulkString("?"), wire.NewBulkString("-1")))
	if reply.Type != wire.Simple || reply.Str != "PSYNC ON SLAVE IS NOT ALLOWED" {
		t.Fatalf("reply = %+v, want +PSYNC ON SLAVE IS NOT ALLOWED", reply)
	}

	// The connection must still be usable for ordinary commands afterward.
	reply = sendAndRecv(t, conn, br, wire.NewArray(wire.NewBulkString("PING")))
	if reply.Str != "PONG" {
		t.Fatalf("PING after rejected PSYNC = %+v, want +PONG", reply)
	}
}

func TestHandlerCloseOnContextCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ks := store.New()
	repl := newReplState(true, logger)
	h := NewHandler(logger, ks, repl, nil, nil, 0)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.HandleConnection(ctx, serverConn)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConnection did not return after context cancellation")
	}
}
