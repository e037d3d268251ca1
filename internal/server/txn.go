// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"github.com/nishisan-dev/nbkv/internal/command"
)

// txnBuffer is the per-connection MULTI/EXEC queue. A nil *txnBuffer on a
// conn means no transaction is open; once MULTI opens one, every
// subsequent command except EXEC/DISCARD is appended rather than run.
type txnBuffer struct {
	queued []command.Command
}

func (b *txnBuffer) add(cmd command.Command) {
	b.queued = append(b.queued, cmd)
}
