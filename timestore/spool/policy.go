// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import "time"

// Thresholds configure when a dataset's spool should flush.
type Thresholds struct {
	MaxRows  int64
	MaxBytes int64
	MaxAgeMs int64
	// EagerWhenBytesOnly flushes anything staged while only the byte
	// ceiling is configured, instead of letting small datasets sit in the
	// spool until they reach it.
	EagerWhenBytesOnly bool
}

// WithOverrides folds per-dataset overrides into the thresholds. Nil keeps
// the configured value; negative values clamp to zero.
func (thresholds Thresholds) WithOverrides(maxRows, maxBytes, maxAgeMs *int64) Thresholds {
	apply := func(target, override *int64) {
		if override == nil {
			return
		}
		value := *override
		if value < 0 {
			value = 0
		}
		*target = value
	}
	apply(&thresholds.MaxRows, maxRows)
	apply(&thresholds.MaxBytes, maxBytes)
	apply(&thresholds.MaxAgeMs, maxAgeMs)
	return thresholds
}

// ShouldFlush reports whether the staged state crosses any threshold. With
// every threshold zero, anything staged flushes immediately.
func ShouldFlush(summary *DatasetSummary, thresholds Thresholds, now time.Time) bool {
	if summary == nil || (summary.PendingBatchCount == 0 && summary.PendingRowCount == 0) {
		return false
	}
	if thresholds.MaxRows == 0 && thresholds.MaxBytes == 0 && thresholds.MaxAgeMs == 0 {
		return true
	}
	if thresholds.MaxRows > 0 && summary.PendingRowCount >= thresholds.MaxRows {
		return true
	}
	if thresholds.MaxBytes > 0 && summary.OnDiskBytes >= thresholds.MaxBytes {
		return true
	}
	if thresholds.MaxAgeMs > 0 && summary.OldestStagedAt != nil &&
		now.Sub(*summary.OldestStagedAt) >= time.Duration(thresholds.MaxAgeMs)*time.Millisecond {
		return true
	}
	if thresholds.EagerWhenBytesOnly && thresholds.MaxRows == 0 && thresholds.MaxAgeMs == 0 {
		return true
	}
	return false
}
