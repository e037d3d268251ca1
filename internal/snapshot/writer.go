// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package snapshot

import (
	"encoding/binary"
	"io"

	"github.com/nishisan-dev/nbkv/internal/store"
)

// version is the 4-byte version field following the magic header. It has
// no bearing on decoding; this writer and Load agree on one format.
var version = [4]byte{'0', '0', '1', '1'}

// Write serializes entries as a full snapshot: header, one 0xFB section
// holding every string key split into non-expiring and expiring buckets,
// and a trailing 0xFF with an unchecked CRC placeholder.
func Write(w io.Writer, entries map[string]store.SnapshotEntry) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}
	if _, err := w.Write(version[:]); err != nil {
		return err
	}

	var nonExpiring, expiring []string
	for k, e := range entries {
		if e.ExpireAt != nil {
			expiring = append(expiring, k)
		} else {
			nonExpiring = append(nonExpiring, k)
		}
	}

	if err := writeByte(w, opHashSizes); err != nil {
		return err
	}
	if err := writeLength(w, uint64(len(nonExpiring))); err != nil {
		return err
	}
	if err := writeLength(w, uint64(len(expiring))); err != nil {
		return err
	}

	for _, k := range nonExpiring {
		if err := writeStringRecord(w, k, entries[k]); err != nil {
			return err
		}
	}
	for _, k := range expiring {
		e := entries[k]
		if err := writeByte(w, opExpireMS); err != nil {
			return err
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(e.ExpireAt.UnixMilli()))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
		if err := writeStringRecord(w, k, e); err != nil {
			return err
		}
	}

	if err := writeByte(w, opEOF); err != nil {
		return err
	}
	var crc [8]byte // unchecked by readers, per the on-disk format
	_, err := w.Write(crc[:])
	return err
}

func writeStringRecord(w io.Writer, key string, e store.SnapshotEntry) error {
	if err := writeByte(w, typeString); err != nil {
		return err
	}
	if err := writeString(w, key); err != nil {
		return err
	}
	return writeString(w, string(e.Value))
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}
