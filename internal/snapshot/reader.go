// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package snapshot implements the on-disk RDB-like binary format nbkv loads
// at startup and can export to on a schedule: a magic header, a sequence of
// op-byte-led sections, and a two-bit length-mode encoding shared by every
// length and string field.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/nishisan-dev/nbkv/internal/store"
)

const (
	opMetadata  = 0xFA
	opSelectDB  = 0xFE
	opHashSizes = 0xFB
	opExpireMS  = 0xFC
	opExpireSec = 0xFD
	opEOF       = 0xFF

	typeString = 0x00
)

var magic = [5]byte{'R', 'E', 'D', 'I', 'S'}

// ErrBadMagic is returned when the first 5 bytes are not "REDIS".
var ErrBadMagic = errors.New("snapshot: bad magic header")

// Load parses a full snapshot from r into a map of live string entries,
// keyed as store.Keyspace.LoadString expects them. If r is already a
// *bufio.Reader it is used as-is; any other reader is wrapped in a new
// one, which may read ahead past the snapshot's end. The replication
// follower, which decodes streamed commands right after the snapshot body,
// therefore passes an io.LimitReader capped at the announced length.
func Load(r io.Reader) (map[string]store.SnapshotEntry, error) {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	var hdr [9]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	if [5]byte(hdr[:5]) != magic {
		return nil, ErrBadMagic
	}

	entries := make(map[string]store.SnapshotEntry)

	for {
		op, err := br.ReadByte()
		if err != nil {
			return nil, err
		}

		switch op {
		case opMetadata:
			if _, err := readEncodedString(br); err != nil {
				return nil, err
			}
			if _, err := readEncodedString(br); err != nil {
				return nil, err
			}

		case opSelectDB:
			if _, err := readLength(br); err != nil {
				return nil, err
			}

		case opHashSizes:
			if err := readHashTable(br, entries); err != nil {
				return nil, err
			}

		case opEOF:
			var crc [8]byte
			if _, err := io.ReadFull(br, crc[:]); err != nil {
				return nil, err
			}
			return entries, nil

		default:
			return nil, ErrMalformed
		}
	}
}

func readHashTable(br *bufio.Reader, entries map[string]store.SnapshotEntry) error {
	nonExpiring, err := readLength(br)
	if err != nil {
		return err
	}
	expiring, err := readLength(br)
	if err != nil {
		return err
	}

	for i := uint64(0); i < nonExpiring; i++ {
		if err := readStringRecord(br, entries, nil); err != nil {
			return err
		}
	}

	for i := uint64(0); i < expiring; i++ {
		opByte, err := br.ReadByte()
		if err != nil {
			return err
		}

		var at time.Time
		switch opByte {
		case opExpireMS:
			var buf [8]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return err
			}
			at = time.UnixMilli(int64(binary.LittleEndian.Uint64(buf[:])))
		case opExpireSec:
			var buf [4]byte
			if _, err := io.ReadFull(br, buf[:]); err != nil {
				return err
			}
			at = time.Unix(int64(binary.LittleEndian.Uint32(buf[:])), 0)
		default:
			return ErrMalformed
		}

		if err := readStringRecord(br, entries, &at); err != nil {
			return err
		}
	}
	return nil
}

func readStringRecord(br *bufio.Reader, entries map[string]store.SnapshotEntry, expireAt *time.Time) error {
	typeByte, err := br.ReadByte()
	if err != nil {
		return err
	}
	if typeByte != typeString {
		return ErrMalformed
	}

	key, err := readEncodedString(br)
	if err != nil {
		return err
	}
	value, err := readEncodedString(br)
	if err != nil {
		return err
	}

	entries[key] = store.SnapshotEntry{Value: []byte(value), ExpireAt: expireAt}
	return nil
}
