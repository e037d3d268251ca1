// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package command

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/nbkv/internal/store"
	"github.com/nishisan-dev/nbkv/internal/wire"
)

// ErrBadCommand is returned for frames that cannot be parsed as a command
// at all: not an Array, an empty Array, or an Array with a non-Bulk verb or
// argument. It corresponds to the BadCommand error class.
var ErrBadCommand = errors.New("ERR protocol error: expected array of bulk strings")

// Parse converts a decoded frame into a Command. Parse is total and pure:
// it never consults the Store or replication state, and the same input
// frame always parses to an equal Command.
func Parse(f wire.Frame) (Command, error) {
	if f.Type != wire.Array || len(f.Items) == 0 {
		return Command{}, ErrBadCommand
	}

	args := make([]string, len(f.Items))
	for i, item := range f.Items {
		if item.Type != wire.Bulk {
			return Command{}, ErrBadCommand
		}
		args[i] = item.BulkText()
	}

	verb := strings.ToUpper(args[0])
	cmd := Command{Frame: f, Verb: args[0]}

	switch verb {
	case "PING":
		cmd.Kind = Ping
	case "ECHO":
		if len(args) != 2 {
			return Command{}, errWrongArgs("ECHO")
		}
		cmd.Kind = Echo
		cmd.EchoText = []byte(args[1])
	case "GET":
		if len(args) != 2 {
			return Command{}, errWrongArgs("GET")
		}
		cmd.Kind = Get
		cmd.Key = args[1]
	case "SET":
		return parseSet(cmd, args)
	case "DEL":
		if len(args) != 2 {
			return Command{}, errWrongArgs("DEL")
		}
		cmd.Kind = Del
		cmd.Key = args[1]
	case "KEYS":
		if len(args) != 2 {
			return Command{}, errWrongArgs("KEYS")
		}
		cmd.Kind = Keys
		cmd.Pattern = args[1]
	case "TYPE":
		if len(args) != 2 {
			return Command{}, errWrongArgs("TYPE")
		}
		cmd.Kind = TypeCmd
		cmd.Key = args[1]
	case "INFO":
		cmd.Kind = Info
		cmd.InfoSection = "replication"
		if len(args) >= 2 {
			cmd.InfoSection = strings.ToLower(args[1])
		}
	case "CONFIG":
		return parseConfig(cmd, args)
	case "XADD":
		return parseXAdd(cmd, args)
	case "XRANGE":
		if len(args) != 4 {
			return Command{}, errWrongArgs("XRANGE")
		}
		cmd.Kind = XRange
		cmd.Key = args[1]
		cmd.RangeStart = args[2]
		cmd.RangeEnd = args[3]
	case "XREAD":
		return parseXRead(cmd, args)
	case "INCR":
		if len(args) != 2 {
			return Command{}, errWrongArgs("INCR")
		}
		cmd.Kind = Incr
		cmd.Key = args[1]
	case "MULTI":
		cmd.Kind = Multi
	case "EXEC":
		cmd.Kind = Exec
	case "DISCARD":
		cmd.Kind = Discard
	case "REPLCONF":
		if len(args) < 2 {
			return Command{}, errWrongArgs("REPLCONF")
		}
		cmd.Kind = ReplConf
		cmd.ReplConfSub = strings.ToUpper(args[1])
		if len(args) >= 3 {
			cmd.ReplConfArg = args[2]
		}
	case "PSYNC":
		cmd.Kind = Psync
		cmd.PsyncArgs = args[1:]
	default:
		cmd.Kind = Unknown
		cmd.Verb = args[0]
	}

	return cmd, nil
}

func errWrongArgs(verb string) error {
	return errors.New("ERR wrong number of arguments for '" + strings.ToLower(verb) + "' command")
}

func millis(n int64) time.Duration { return time.Duration(n) * time.Millisecond }
func seconds(n int64) time.Duration { return time.Duration(n) * time.Second }

func parseSet(cmd Command, args []string) (Command, error) {
	if len(args) != 3 && len(args) != 5 {
		return Command{}, errWrongArgs("SET")
	}
	cmd.Kind = Set
	cmd.Key = args[1]
	cmd.Value = []byte(args[2])

	if len(args) == 5 {
		opt := strings.ToUpper(args[3])
		n, err := strconv.ParseInt(args[4], 10, 64)
		if err != nil || n < 0 {
			return Command{}, errors.New("ERR value is not an integer or out of range")
		}
		switch opt {
		case "PX":
			cmd.HasTTL = true
			cmd.TTL = millis(n)
		case "EX":
			cmd.HasTTL = true
			cmd.TTL = seconds(n)
		default:
			return Command{}, errors.New("ERR syntax error")
		}
	}
	return cmd, nil
}

func parseConfig(cmd Command, args []string) (Command, error) {
	if len(args) != 3 || strings.ToUpper(args[1]) != "GET" {
		return Command{}, errors.New("ERR syntax error")
	}
	cmd.Kind = ConfigGet
	cmd.ConfigParam = strings.ToLower(args[2])
	return cmd, nil
}

func parseXAdd(cmd Command, args []string) (Command, error) {
	// XADD key id field value [field value ...]
	if len(args) < 4 || (len(args)-3)%2 != 0 {
		return Command{}, errWrongArgs("XADD")
	}
	cmd.Kind = XAdd
	cmd.Key = args[1]
	cmd.StreamIDRequest = args[2]

	rest := args[3:]
	fields := make([]store.FieldValue, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		fields = append(fields, store.FieldValue{Field: rest[i], Value: rest[i+1]})
	}
	cmd.Fields = fields
	return cmd, nil
}

func parseXRead(cmd Command, args []string) (Command, error) {
	cmd.Kind = XRead
	i := 1

	if i < len(args) && strings.ToUpper(args[i]) == "BLOCK" {
		if i+1 >= len(args) {
			return Command{}, errors.New("ERR syntax error")
		}
		ms, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil || ms < 0 {
			return Command{}, errors.New("ERR value is not an integer or out of range")
		}
		cmd.BlockMs = &ms
		i += 2
	}

	if i >= len(args) || strings.ToUpper(args[i]) != "STREAMS" {
		return Command{}, errors.New("ERR syntax error")
	}
	i++

	remaining := args[i:]
	if len(remaining) == 0 || len(remaining)%2 != 0 {
		return Command{}, errors.New("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified")
	}

	n := len(remaining) / 2
	keys := remaining[:n]
	ids := remaining[n:]
	cmd.ReadQueries = make([]ReadQuery, n)
	for j := 0; j < n; j++ {
		cmd.ReadQueries[j] = ReadQuery{Key: keys[j], Start: ids[j]}
	}
	return cmd, nil
}
