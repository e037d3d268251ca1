// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package snapshot

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/nishisan-dev/nbkv/internal/store"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	expireAt := time.UnixMilli(1_700_000_000_000)
	entries := map[string]store.SnapshotEntry{
		"a": {Value: []byte("1")},
		"b": {Value: []byte("hello world")},
		"c": {Value: []byte("expiring"), ExpireAt: &expireAt},
	}

	var buf bytes.Buffer
	if err := Write(&buf, entries); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for k, want := range entries {
		g, ok := got[k]
		if !ok {
			t.Fatalf("missing key %q", k)
		}
		if string(g.Value) != string(want.Value) {
			t.Fatalf("key %q value = %q, want %q", k, g.Value, want.Value)
		}
		if (g.ExpireAt == nil) != (want.ExpireAt == nil) {
			t.Fatalf("key %q ExpireAt nil mismatch", k)
		}
		if want.ExpireAt != nil && !g.ExpireAt.Equal(*want.ExpireAt) {
			t.Fatalf("key %q ExpireAt = %v, want %v", k, g.ExpireAt, want.ExpireAt)
		}
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	_, err := Load(bytes.NewBufferString("NOTRDB\x00\x00\x00"))
	if err != ErrBadMagic {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestLoadEmptyKeyspace(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, map[string]store.SnapshotEntry{}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Load(&buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0", len(got))
	}
}

func TestLengthEncodingModes(t *testing.T) {
	// Exercise all three plain length modes: 6-bit, 14-bit, 32-bit.
	for _, n := range []uint64{0, 10, 63, 64, 1000, 16383, 16384, 1 << 20} {
		var buf bytes.Buffer
		if err := writeLength(&buf, n); err != nil {
			t.Fatalf("writeLength(%d): %v", n, err)
		}
		br := bufio.NewReader(&buf)
		got, err := readLength(br)
		if err != nil {
			t.Fatalf("readLength(%d): %v", n, err)
		}
		if got != n {
			t.Fatalf("readLength roundtrip = %d, want %d", got, n)
		}
	}
}
