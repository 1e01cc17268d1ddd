// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package spool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldFlush(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-time.Minute)

	summary := func(rows, bytes int64, oldestStagedAt *time.Time) *DatasetSummary {
		return &DatasetSummary{
			PendingBatchCount: 1,
			PendingRowCount:   rows,
			OnDiskBytes:       bytes,
			OldestStagedAt:    oldestStagedAt,
		}
	}

	// nothing staged never flushes
	require.False(t, ShouldFlush(nil, Thresholds{}, now))
	require.False(t, ShouldFlush(&DatasetSummary{}, Thresholds{}, now))

	// all thresholds disabled flushes anything staged
	require.True(t, ShouldFlush(summary(1, 10, &oldest), Thresholds{}, now))

	// row threshold, boundary included
	thresholds := Thresholds{MaxRows: 100}
	require.False(t, ShouldFlush(summary(99, 0, &oldest), thresholds, now))
	require.True(t, ShouldFlush(summary(100, 0, &oldest), thresholds, now))

	// byte threshold
	thresholds = Thresholds{MaxBytes: 4096}
	require.False(t, ShouldFlush(summary(1, 4095, &oldest), thresholds, now))
	require.True(t, ShouldFlush(summary(1, 4096, &oldest), thresholds, now))

	// age threshold
	thresholds = Thresholds{MaxAgeMs: 60_000}
	require.True(t, ShouldFlush(summary(1, 0, &oldest), thresholds, now))
	recent := now.Add(-time.Second)
	require.False(t, ShouldFlush(summary(1, 0, &recent), thresholds, now))
	require.False(t, ShouldFlush(summary(1, 0, nil), thresholds, now))

	// bytes-only config with eager flushing drains small datasets
	thresholds = Thresholds{MaxBytes: 1 << 30, EagerWhenBytesOnly: true}
	require.True(t, ShouldFlush(summary(1, 10, &oldest), thresholds, now))

	// eager does not apply once another threshold is configured
	thresholds = Thresholds{MaxRows: 100, MaxBytes: 1 << 30, EagerWhenBytesOnly: true}
	require.False(t, ShouldFlush(summary(1, 10, &oldest), thresholds, now))
}

func TestThresholdOverrides(t *testing.T) {
	base := Thresholds{MaxRows: 100, MaxBytes: 4096, MaxAgeMs: 60_000}

	// nil overrides keep the configured values
	require.Equal(t, base, base.WithOverrides(nil, nil, nil))

	rows, age := int64(10), int64(-5)
	overridden := base.WithOverrides(&rows, nil, &age)
	require.EqualValues(t, 10, overridden.MaxRows)
	require.EqualValues(t, 4096, overridden.MaxBytes)
	// negative overrides clamp to zero, disabling the threshold
	require.EqualValues(t, 0, overridden.MaxAgeMs)
}
