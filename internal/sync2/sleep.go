// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"time"
)

// Sleep pauses for the duration or until the context is canceled. It
// returns false when the context ended the wait early.
func Sleep(ctx context.Context, duration time.Duration) bool {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
