// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package store

import (
	"context"
	"time"
)

// waiter is a one-shot signal registered by a blocked XREAD caller. It is
// appended to the Keyspace's waiter list and consumed (closed, then removed)
// on the next successful XADD. Grounded on the same park-and-broadcast shape
// as a sync.Cond, but modeled as an explicit list so a single waiter can be
// unregistered without waking the others when its owning connection closes.
type waiter struct {
	ch chan struct{}
}

// registerWaiter appends a new waiter to the list and returns it.
func (ks *Keyspace) registerWaiter() *waiter {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	w := &waiter{ch: make(chan struct{})}
	ks.waiters = append(ks.waiters, w)
	return w
}

// unregisterWaiter removes w from the list if it is still present (it may
// already have been drained by a concurrent XADD).
func (ks *Keyspace) unregisterWaiter(w *waiter) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	for i, other := range ks.waiters {
		if other == w {
			ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
			return
		}
	}
}

// signalWaitersLocked wakes every registered waiter and clears the list.
// Callers must hold ks.mu.
func (ks *Keyspace) signalWaitersLocked() {
	for _, w := range ks.waiters {
		close(w.ch)
	}
	ks.waiters = nil
}

// XRead performs XREAD across queries, honoring the BLOCK semantics: a nil
// blockMs reads once and returns immediately; blockMs == 0 parks until the
// next XADD anywhere in the Keyspace signals a waiter; blockMs > 0 sleeps
// for that long before reading once. ctx cancellation (connection close)
// always unblocks early with whatever ctx.Err() reports.
func (ks *Keyspace) XRead(ctx context.Context, queries []StreamQuery, blockMs *int64) ([]StreamResult, error) {
	if blockMs == nil {
		return ks.XReadNow(queries), nil
	}

	if *blockMs > 0 {
		timer := time.NewTimer(time.Duration(*blockMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return ks.XReadNow(queries), nil
	}

	// BLOCK 0: if data is already available, return it without waiting —
	// only register a waiter when the initial read comes back empty.
	for {
		if results := ks.XReadNow(queries); len(results) > 0 {
			return results, nil
		}

		w := ks.registerWaiter()
		select {
		case <-w.ch:
			// signaled by an XADD; loop to re-check all requested keys.
		case <-ctx.Done():
			ks.unregisterWaiter(w)
			return nil, ctx.Err()
		}
	}
}
