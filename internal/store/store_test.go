// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	ks := New()
	ks.Set("foo", []byte("bar"))

	v, ok := ks.Get("foo")
	if !ok || string(v) != "bar" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if ks.Kind("foo") != KindString {
		t.Fatalf("Kind = %v", ks.Kind("foo"))
	}
}

func TestExpiryMonotonicity(t *testing.T) {
	ks := New()
	ks.SetWithTTL("k", []byte("v"), 100*time.Millisecond)

	if _, ok := ks.Get("k"); !ok {
		t.Fatal("expected value before ttl expires")
	}

	time.Sleep(150 * time.Millisecond)

	if _, ok := ks.Get("k"); ok {
		t.Fatal("expected absent value after ttl expires")
	}
	if ks.Kind("k") != KindNone {
		t.Fatalf("Kind after expiry = %v", ks.Kind("k"))
	}
}

func TestDel(t *testing.T) {
	ks := New()
	ks.Set("k", []byte("v"))
	if !ks.Del("k") {
		t.Fatal("expected Del to report existing key")
	}
	if _, ok := ks.Get("k"); ok {
		t.Fatal("expected key gone after Del")
	}
	if ks.Del("k") {
		t.Fatal("expected Del on absent key to report false")
	}
}

func TestKindNoneForMissingKey(t *testing.T) {
	ks := New()
	if ks.Kind("missing") != KindNone {
		t.Fatalf("Kind = %v", ks.Kind("missing"))
	}
}

func TestXAdd_ExplicitMonotonic(t *testing.T) {
	ks := New()
	id, err := ks.XAdd("s", "1-1", []FieldValue{{Field: "f", Value: "v"}})
	if err != nil {
		t.Fatalf("first XAdd: %v", err)
	}
	if id.String() != "1-1" {
		t.Fatalf("id = %s", id)
	}

	_, err = ks.XAdd("s", "1-1", []FieldValue{{Field: "f", Value: "v"}})
	if err != ErrIDNotIncreasing {
		t.Fatalf("err = %v, want ErrIDNotIncreasing", err)
	}
}

func TestXAdd_ZeroIDRejected(t *testing.T) {
	ks := New()
	_, err := ks.XAdd("s", "0-0", nil)
	if err != ErrZeroID {
		t.Fatalf("err = %v, want ErrZeroID", err)
	}
}

func TestXAdd_WildcardSeq(t *testing.T) {
	ks := New()
	id1, err := ks.XAdd("s", "5-*", nil)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id1.String() != "5-0" {
		t.Fatalf("id1 = %s, want 5-0", id1)
	}

	id2, err := ks.XAdd("s", "5-*", nil)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id2.String() != "5-1" {
		t.Fatalf("id2 = %s, want 5-1", id2)
	}

	id3, err := ks.XAdd("s", "0-*", nil)
	// ms 0 is below the last id's ms 5, so the wildcard resolves to 0-2,
	// which is not greater than 5-1 and must be rejected.
	_ = id3
	if err == nil {
		t.Fatalf("expected id monotonicity error when 0-* follows 5-*")
	}
}

func TestXAdd_WildcardSeq_ZeroMSOnEmptyStream(t *testing.T) {
	ks := New()
	id, err := ks.XAdd("s", "0-*", nil)
	if err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if id.String() != "0-1" {
		t.Fatalf("id = %s, want 0-1", id)
	}
}

func TestStreamMonotonicity(t *testing.T) {
	ks := New()
	var last StreamID
	for i := 0; i < 50; i++ {
		id, err := ks.XAdd("s", "*", []FieldValue{{Field: "i", Value: "x"}})
		if err != nil {
			t.Fatalf("XAdd %d: %v", i, err)
		}
		if i > 0 && !last.Less(id) {
			t.Fatalf("ids not strictly increasing: %s then %s", last, id)
		}
		last = id
	}
}

func TestXRange_Inclusive(t *testing.T) {
	ks := New()
	ks.XAdd("s", "1-1", []FieldValue{{Field: "a", Value: "1"}})
	ks.XAdd("s", "2-1", []FieldValue{{Field: "a", Value: "2"}})
	ks.XAdd("s", "3-1", []FieldValue{{Field: "a", Value: "3"}})

	entries := ks.XRange("s", MinStreamID, MaxStreamID)
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}

	entries = ks.XRange("s", StreamID{MS: 2, Seq: 1}, StreamID{MS: 2, Seq: 1})
	if len(entries) != 1 || entries[0].ID.String() != "2-1" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestXRead_StrictlyGreaterThanStart(t *testing.T) {
	ks := New()
	ks.XAdd("s", "1-1", nil)
	ks.XAdd("s", "1-2", nil)

	results := ks.XReadNow([]StreamQuery{{Key: "s", Start: StreamID{MS: 1, Seq: 1}}})
	if len(results) != 1 || len(results[0].Entries) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Entries[0].ID.String() != "1-2" {
		t.Fatalf("got %s, want 1-2", results[0].Entries[0].ID)
	}
}

func TestXRead_BlockZero_WakesOnXAdd(t *testing.T) {
	ks := New()
	ctx := context.Background()

	done := make(chan []StreamResult, 1)
	go func() {
		blockMs := int64(0)
		results, err := ks.XRead(ctx, []StreamQuery{{Key: "s", Start: StreamID{MS: 0, Seq: 0}}}, &blockMs)
		if err != nil {
			t.Errorf("XRead: %v", err)
		}
		done <- results
	}()

	time.Sleep(20 * time.Millisecond) // let the reader register its waiter
	if _, err := ks.XAdd("s", "1-1", []FieldValue{{Field: "f", Value: "v"}}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	select {
	case results := <-done:
		if len(results) != 1 || len(results[0].Entries) != 1 {
			t.Fatalf("results = %+v", results)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("XRead BLOCK 0 never woke up")
	}
}

func TestXRead_BlockZero_CancelUnblocks(t *testing.T) {
	ks := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		blockMs := int64(0)
		_, err := ks.XRead(ctx, []StreamQuery{{Key: "s", Start: StreamID{}}}, &blockMs)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation never unblocked XRead")
	}
}

func TestKeysSnapshot(t *testing.T) {
	ks := New()
	ks.Set("a", []byte("1"))
	ks.Set("b", []byte("2"))
	ks.XAdd("s", "*", nil)

	keys := ks.Keys()
	if len(keys) != 3 {
		t.Fatalf("keys = %v", keys)
	}
}
