// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package store implements the in-memory data model: an expiring string
// keyspace and append-only ordered streams, sharing a single keyspace so a
// key can be at most one of the two shapes at a time.
package store

import (
	"sync"
	"time"
)

// Kind is the discriminant reported by the TYPE command.
type Kind string

const (
	KindString Kind = "string"
	KindStream Kind = "stream"
	KindNone   Kind = "none"
)

type stringEntry struct {
	value     []byte
	expireAt  time.Time
	hasExpiry bool
}

func (e *stringEntry) expired(now time.Time) bool {
	return e.hasExpiry && !e.expireAt.After(now)
}

// Keyspace is the process-wide shared store. The Keyspace and its streams
// sit behind a single mutex; callers must never hold it across socket I/O.
type Keyspace struct {
	mu      sync.Mutex
	strings map[string]*stringEntry
	streams map[string]*stream

	waiters []*waiter
}

// New creates an empty Keyspace.
func New() *Keyspace {
	return &Keyspace{
		strings: make(map[string]*stringEntry),
		streams: make(map[string]*stream),
	}
}

// Get returns the value for k, or ok=false if absent or lazily expired.
func (ks *Keyspace) Get(k string) (value []byte, ok bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e, found := ks.strings[k]
	if !found {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(ks.strings, k)
		return nil, false
	}
	return e.value, true
}

// Set overwrites k with v and clears any expiry.
func (ks *Keyspace) Set(k string, v []byte) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.strings[k] = &stringEntry{value: v}
	delete(ks.streams, k)
}

// SetWithTTL overwrites k with v and an expiry deadline of now+ttl.
func (ks *Keyspace) SetWithTTL(k string, v []byte, ttl time.Duration) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.strings[k] = &stringEntry{value: v, expireAt: time.Now().Add(ttl), hasExpiry: true}
	delete(ks.streams, k)
}

// Del removes any mapping (string or stream) for k. Returns whether a key
// was actually present.
func (ks *Keyspace) Del(k string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, isString := ks.strings[k]
	_, isStream := ks.streams[k]
	delete(ks.strings, k)
	delete(ks.streams, k)
	return isString || isStream
}

// Keys returns a snapshot of current keys; order is unspecified. Lazily
// expired string keys are excluded and reaped as a side effect.
func (ks *Keyspace) Keys() []string {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	keys := make([]string, 0, len(ks.strings)+len(ks.streams))
	for k, e := range ks.strings {
		if e.expired(now) {
			delete(ks.strings, k)
			continue
		}
		keys = append(keys, k)
	}
	for k := range ks.streams {
		keys = append(keys, k)
	}
	return keys
}

// Kind reports the discriminant of k; an expired string reports KindNone.
func (ks *Keyspace) Kind(k string) Kind {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if e, ok := ks.strings[k]; ok {
		if e.expired(time.Now()) {
			delete(ks.strings, k)
			return KindNone
		}
		return KindString
	}
	if _, ok := ks.streams[k]; ok {
		return KindStream
	}
	return KindNone
}

// LoadString seeds k directly from a snapshot record, bypassing the normal
// write path. Used by internal/server for the startup snapshot and by
// internal/replica for the snapshot received from a leader.
func (ks *Keyspace) LoadString(k string, v []byte, expireAt *time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	e := &stringEntry{value: v}
	if expireAt != nil {
		e.expireAt = *expireAt
		e.hasExpiry = true
	}
	ks.strings[k] = e
}

// Snapshot returns a point-in-time copy of every live string entry, for the
// export scheduler. Expired entries are excluded and reaped as a side
// effect, exactly as Keys()/Get() would.
func (ks *Keyspace) Snapshot() map[string]SnapshotEntry {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	out := make(map[string]SnapshotEntry, len(ks.strings))
	for k, e := range ks.strings {
		if e.expired(now) {
			delete(ks.strings, k)
			continue
		}
		entry := SnapshotEntry{Value: append([]byte(nil), e.value...)}
		if e.hasExpiry {
			at := e.expireAt
			entry.ExpireAt = &at
		}
		out[k] = entry
	}
	return out
}

// SnapshotEntry is a point-in-time copy of one string entry.
type SnapshotEntry struct {
	Value    []byte
	ExpireAt *time.Time
}
