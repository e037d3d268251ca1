// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package command

import "github.com/nishisan-dev/nbkv/internal/wire"

// Replication is the slice of server-wide replication state that command
// execution needs: whether this node is currently a leader or a follower,
// its identity/offset for INFO, and the ability to fan a write out to
// connected followers. internal/server implements this; internal/command
// only depends on the interface, so there is no import cycle.
type Replication interface {
	IsLeader() bool
	ReplID() string
	Offset() int64
	AddOffset(n int)
	ConnectedFollowers() int
	Propagate(f wire.Frame)
}
