// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/nbkv/internal/wire"
)

// replState is the server-wide single-leader replication state. It
// satisfies command.Replication so the command Engine can query role,
// offset and identity, and fan writes out to followers, without depending
// on internal/server itself.
//
// Grounded on the teacher's agent/control_channel.go reconnect bookkeeping,
// generalized from a single backup-agent link to an arbitrary fan-out set
// of follower connections.
type replState struct {
	mu        sync.Mutex
	isLeader  bool
	replID    string
	offset    atomic.Int64
	followers map[*follower]struct{}
	pending   map[*handshakeBuffer]struct{}
	logger    *slog.Logger
}

// follower is one connected replica's outbound write pipe, registered once
// its FULLRESYNC snapshot has been sent.
type follower struct {
	w    io.Writer
	mu   *sync.Mutex // shared with the connection's own reply path
	addr string
}

func newReplState(leader bool, logger *slog.Logger) *replState {
	return &replState{
		isLeader:  leader,
		replID:    generateReplID(),
		followers: make(map[*follower]struct{}),
		pending:   make(map[*handshakeBuffer]struct{}),
		logger:    logger,
	}
}

func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is effectively unrecoverable; fall back to a
		// fixed-but-valid-shaped id rather than panic mid-handshake.
		return "0000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(b)
}

func (r *replState) IsLeader() bool  { return r.isLeader }
func (r *replState) ReplID() string  { return r.replID }
func (r *replState) Offset() int64   { return r.offset.Load() }
func (r *replState) AddOffset(n int) { r.offset.Add(int64(n)) }

func (r *replState) ConnectedFollowers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.followers)
}

// Propagate writes the encoded frame to every attached follower and to
// every handshake buffer currently capturing writes for a follower that is
// still mid-handshake. Both maps are walked under the same lock so a write
// can never be delivered to neither (it always reaches either the
// follower's live pipe or its handshake buffer, never both).
func (r *replState) Propagate(f wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	encoded := wire.Encode(f)

	for buf := range r.pending {
		buf.record(encoded)
	}

	for fol := range r.followers {
		fol.mu.Lock()
		_, err := fol.w.Write(encoded)
		fol.mu.Unlock()
		if err != nil {
			r.logger.Warn("dropping follower after write error", "addr", fol.addr, "error", err)
			delete(r.followers, fol)
		}
	}
}

// beginHandshake registers a handshakeBuffer that captures every write
// propagated from this instant until endHandshake is called, so writes
// accepted while a new follower is still receiving its snapshot are not
// lost. Must be called before the snapshot is generated.
func (r *replState) beginHandshake() *handshakeBuffer {
	buf := &handshakeBuffer{}
	r.mu.Lock()
	r.pending[buf] = struct{}{}
	r.mu.Unlock()
	return buf
}

// endHandshake stops capturing into buf and attaches fol for live fan-out,
// as a single atomic step: any frames captured into buf since the caller
// last drained it are written to fol first, and fol is in r.followers
// before r.pending drops buf, so nothing Propagated can be missed by fol.
// If writing those frames fails, fol is not attached.
func (r *replState) endHandshake(buf *handshakeBuffer, fol *follower) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, buf)
	for _, encoded := range buf.drain() {
		fol.mu.Lock()
		_, err := fol.w.Write(encoded)
		fol.mu.Unlock()
		if err != nil {
			r.logger.Warn("dropping follower after write error", "addr", fol.addr, "error", err)
			return
		}
	}
	r.followers[fol] = struct{}{}
}

// abortHandshake stops capturing into buf without attaching any follower,
// for a PSYNC attempt that fails before the snapshot transfer completes.
func (r *replState) abortHandshake(buf *handshakeBuffer) {
	r.mu.Lock()
	delete(r.pending, buf)
	r.mu.Unlock()
}

func (r *replState) detach(fol *follower) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.followers, fol)
}

// handshakeBuffer accumulates encoded write frames propagated while a
// follower is still in its PSYNC handshake (receiving FULLRESYNC + the
// snapshot body) so they can be replayed to it, in order, immediately
// afterward and before it joins live fan-out.
type handshakeBuffer struct {
	mu     sync.Mutex
	frames [][]byte
}

func (b *handshakeBuffer) record(encoded []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, append([]byte(nil), encoded...))
}

func (b *handshakeBuffer) drain() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	return out
}
