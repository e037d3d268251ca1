// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestNewThrottledWriterBypassesWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	w := newThrottledWriter(context.Background(), &buf, 0)
	if w != io.Writer(&buf) {
		t.Fatal("expected bypass writer to be the original writer when rate is 0")
	}
}

func TestThrottledWriterWritesAllBytes(t *testing.T) {
	var buf bytes.Buffer
	w := newThrottledWriter(context.Background(), &buf, 1<<20)

	payload := bytes.Repeat([]byte("x"), 4096)
	n, err := w.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}
	if buf.Len() != len(payload) {
		t.Fatalf("buf has %d bytes, want %d", buf.Len(), len(payload))
	}
}

func TestThrottledWriterRespectsContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newThrottledWriter(ctx, &buf, 1)
	_, err := w.Write(bytes.Repeat([]byte("x"), 1<<20))
	if err == nil {
		t.Fatal("expected error from a canceled context")
	}
}
