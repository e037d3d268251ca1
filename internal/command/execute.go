// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package command

import (
	"fmt"
	"strconv"

	"github.com/nishisan-dev/nbkv/internal/store"
	"github.com/nishisan-dev/nbkv/internal/wire"
)

// ErrDisallowWriteOnSlave is returned (never wrapped) when a non-replication
// connection sends a write command to a follower node.
var ErrDisallowWriteOnSlave = fmt.Errorf("DISALLOW WRITE ON SLAVE")

// Config is the subset of server configuration CONFIG GET can report.
type Config interface {
	Dir() string
	DBFilename() string
	MaxMemory() string
}

// Metrics is the subset of system metrics INFO can report beyond
// replication. A nil Metrics degrades those fields to empty text.
type Metrics interface {
	Snapshot() MetricsSnapshot
}

// MetricsSnapshot is a point-in-time read of host resource usage, filled in
// by internal/metrics.Monitor.
type MetricsSnapshot struct {
	CPUPercent    float64
	MemUsedBytes  uint64
	MemTotalBytes uint64
	DiskUsedBytes uint64
	LoadAvg1      float64
}

// Engine executes parsed Commands against a Store and a Replication. It
// holds no per-connection state; callers own their own transaction buffer
// and pass ExecContext to say which connection a command arrived on.
type Engine struct {
	Store   *store.Keyspace
	Repl    Replication
	Config  Config
	Metrics Metrics
}

// ExecContext carries the per-call facts Execute needs but Command does
// not carry itself.
type ExecContext struct {
	// IsReplicaOrigin is true when this command is being applied because it
	// arrived on this node's connection to its own leader, rather than from
	// an ordinary client. Only such commands are let through write policy
	// on a follower, and only they advance a follower's offset.
	IsReplicaOrigin bool
}

// Execute runs one command to completion. isWrite reports whether a
// leader must propagate the original frame to followers; callers own that
// side effect, and offset accounting, so Execute stays free of any
// dependency on the connection that is asking.
func (e *Engine) Execute(cmd Command, ec ExecContext) (reply wire.Frame, isWrite bool, err error) {
	if cmd.IsWrite() && !e.Repl.IsLeader() && !ec.IsReplicaOrigin {
		return wire.NewError(ErrDisallowWriteOnSlave.Error()), false, nil
	}

	switch cmd.Kind {
	case Ping:
		return wire.NewSimple("PONG"), false, nil

	case Echo:
		return wire.NewBulk(cmd.EchoText), false, nil

	case Get:
		v, ok := e.Store.Get(cmd.Key)
		if !ok {
			return wire.NewNull(), false, nil
		}
		return wire.NewBulk(v), false, nil

	case Set:
		if cmd.HasTTL {
			e.Store.SetWithTTL(cmd.Key, cmd.Value, cmd.TTL)
		} else {
			e.Store.Set(cmd.Key, cmd.Value)
		}
		return wire.NewSimple("ok"), true, nil

	case Del:
		e.Store.Del(cmd.Key)
		return wire.NewSimple("ok"), true, nil

	case Keys:
		keys := e.Store.Keys()
		matched := keys
		if cmd.Pattern != "*" {
			matched = matched[:0]
			for _, k := range keys {
				if k == cmd.Pattern {
					matched = append(matched, k)
				}
			}
		}
		items := make([]wire.Frame, len(matched))
		for i, k := range matched {
			items[i] = wire.NewBulkString(k)
		}
		return wire.NewArray(items...), false, nil

	case TypeCmd:
		return wire.NewSimple(string(e.Store.Kind(cmd.Key))), false, nil

	case Info:
		return e.execInfo(cmd), false, nil

	case ConfigGet:
		return e.execConfigGet(cmd), false, nil

	case XAdd:
		id, addErr := e.Store.XAdd(cmd.Key, cmd.StreamIDRequest, cmd.Fields)
		if addErr != nil {
			return wire.NewError(addErr.Error()), false, nil
		}
		return wire.NewBulkString(id.String()), true, nil

	case XRange:
		return e.execXRange(cmd)

	case XRead:
		return e.execXRead(cmd)

	case Incr:
		return e.execIncr(cmd)

	case ReplConf:
		return e.execReplConf(cmd)

	case Psync:
		// The FULLRESYNC handshake and snapshot transfer are driven by
		// internal/server, which has the listener/socket and snapshot
		// writer; Execute only reports that a PSYNC was seen.
		return wire.NewSimple(fmt.Sprintf("FULLRESYNC %s %d", e.Repl.ReplID(), e.Repl.Offset())), false, nil

	case Multi, Exec, Discard:
		// Transaction buffering is connection-local state owned by
		// internal/server; by the time Execute sees MULTI/EXEC/DISCARD the
		// connection handler has already decided to run it rather than
		// queue it.
		return wire.NewSimple("ok"), false, nil

	default:
		return wire.NewError("ERR unknown command '" + cmd.Verb + "'"), false, nil
	}
}

func (e *Engine) execInfo(cmd Command) wire.Frame {
	switch cmd.InfoSection {
	case "memory", "server":
		if e.Metrics == nil {
			return wire.NewBulkString("")
		}
		m := e.Metrics.Snapshot()
		text := fmt.Sprintf(
			"cpu_percent:%.2f\r\nmem_used_bytes:%d\r\nmem_total_bytes:%d\r\ndisk_used_bytes:%d\r\nload1:%.2f\r\n",
			m.CPUPercent, m.MemUsedBytes, m.MemTotalBytes, m.DiskUsedBytes, m.LoadAvg1,
		)
		return wire.NewBulkString(text)
	default:
		role := "slave"
		if e.Repl.IsLeader() {
			role = "master"
		}
		text := fmt.Sprintf(
			"role:%s\r\nconnected_slaves:%d\r\nmaster_replid:%s\r\nmaster_repl_offset:%d\r\n",
			role, e.Repl.ConnectedFollowers(), e.Repl.ReplID(), e.Repl.Offset(),
		)
		return wire.NewBulkString(text)
	}
}

func (e *Engine) execConfigGet(cmd Command) wire.Frame {
	var value string
	if e.Config != nil {
		switch cmd.ConfigParam {
		case "dir":
			value = e.Config.Dir()
		case "dbfilename":
			value = e.Config.DBFilename()
		case "maxmemory":
			value = e.Config.MaxMemory()
		}
	}
	return wire.NewArray(wire.NewBulkString(cmd.ConfigParam), wire.NewBulkString(value))
}

func (e *Engine) execXRange(cmd Command) (wire.Frame, bool, error) {
	start, err := store.ParseStreamID(cmd.RangeStart)
	if err != nil {
		return wire.NewError(err.Error()), false, nil
	}
	end, err := store.ParseStreamID(cmd.RangeEnd)
	if err != nil {
		return wire.NewError(err.Error()), false, nil
	}

	entries := e.Store.XRange(cmd.Key, start, end)
	return encodeEntries(entries), false, nil
}

func (e *Engine) execXRead(cmd Command) (wire.Frame, bool, error) {
	queries := make([]store.StreamQuery, len(cmd.ReadQueries))
	for i, q := range cmd.ReadQueries {
		id, err := store.ParseStreamID(q.Start)
		if err != nil {
			return wire.NewError(err.Error()), false, nil
		}
		queries[i] = store.StreamQuery{Key: q.Key, Start: id}
	}

	// Blocking XREAD is driven by internal/server, which owns the
	// connection's context for cancellation on close and calls
	// Store.XRead directly; Execute only ever performs the immediate,
	// non-blocking read.
	results := e.Store.XReadNow(queries)

	if len(results) == 0 {
		return wire.NewNull(), false, nil
	}

	items := make([]wire.Frame, len(results))
	for i, r := range results {
		items[i] = wire.NewArray(wire.NewBulkString(r.Key), encodeEntries(r.Entries))
	}
	return wire.NewArray(items...), false, nil
}

func encodeEntries(entries []store.Entry) wire.Frame {
	items := make([]wire.Frame, len(entries))
	for i, e := range entries {
		fields := make([]wire.Frame, 0, len(e.Fields)*2)
		for _, fv := range e.Fields {
			fields = append(fields, wire.NewBulkString(fv.Field), wire.NewBulkString(fv.Value))
		}
		items[i] = wire.NewArray(wire.NewBulkString(e.ID.String()), wire.NewArray(fields...))
	}
	return wire.NewArray(items...)
}

func (e *Engine) execIncr(cmd Command) (wire.Frame, bool, error) {
	v, ok := e.Store.Get(cmd.Key)
	cur := int64(0)
	if ok {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return wire.NewError("ERR value is not an integer or out of range"), false, nil
		}
		cur = n
	}
	cur++
	e.Store.Set(cmd.Key, []byte(strconv.FormatInt(cur, 10)))
	return wire.NewSimple(strconv.FormatInt(cur, 10)), true, nil
}

func (e *Engine) execReplConf(cmd Command) (wire.Frame, bool, error) {
	if cmd.ReplConfSub == "GETACK" {
		return wire.NewArray(
			wire.NewBulkString("REPLCONF"),
			wire.NewBulkString("ACK"),
			wire.NewBulkString(strconv.FormatInt(e.Repl.Offset(), 10)),
		), false, nil
	}
	if cmd.ReplConfSub == "ACK" {
		// Follower heartbeats carry no reply.
		return wire.Frame{}, false, nil
	}
	return wire.NewSimple("OK"), false, nil
}
