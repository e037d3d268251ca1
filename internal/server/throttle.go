// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps how many bytes a single Write call releases at once,
// so a large snapshot or a burst of propagated writes doesn't reserve an
// enormous token bucket allowance in one shot.
const maxBurstSize = 256 * 1024

// throttledWriter is an io.Writer with token-bucket rate limiting, used to
// cap the byte rate of the snapshot transfer and fan-out stream sent to one
// follower when --replica-rate-limit is set.
type throttledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// newThrottledWriter wraps w with a bytesPerSec cap. bytesPerSec <= 0
// disables throttling and returns w unchanged.
func newThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &throttledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write splits p into burst-sized chunks, waiting for tokens between each
// so the long-run byte rate never exceeds the configured limit.
func (tw *throttledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
