// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package partstore

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/apphub/timestore/timestore/partstore/bloomfilter"
	"github.com/apphub/timestore/timestore/schema"
)

// IndexConfig controls which per-partition column indexes are built.
type IndexConfig struct {
	Columns                []string
	HistogramBins          int
	BloomFalsePositiveRate float64
}

// Enabled returns whether any column is configured for indexing.
func (cfg IndexConfig) Enabled() bool { return len(cfg.Columns) > 0 }

// ColumnStats summarizes the values of one column within a partition, used
// by query planners to prune partitions.
type ColumnStats struct {
	Min           any     `json:"min,omitempty"`
	Max           any     `json:"max,omitempty"`
	NullCount     int64   `json:"nullCount"`
	DistinctCount int64   `json:"distinctCount"`
	Histogram     []int64 `json:"histogram,omitempty"`
	HistogramMin  float64 `json:"histogramMin,omitempty"`
	HistogramMax  float64 `json:"histogramMax,omitempty"`
}

// BuildIndex computes column statistics and bloom filters for the configured
// columns. Bloom filters are returned base64 encoded, keyed by column name.
func BuildIndex(fields schema.Fields, rows []map[string]any, cfg IndexConfig) (map[string]ColumnStats, map[string]string) {
	if !cfg.Enabled() || len(rows) == 0 {
		return nil, nil
	}

	fpRate := cfg.BloomFalsePositiveRate
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	bins := cfg.HistogramBins
	if bins <= 0 {
		bins = 16
	}

	stats := make(map[string]ColumnStats)
	blooms := make(map[string]string)

	for _, column := range cfg.Columns {
		field, ok := fields.ByName(column)
		if !ok {
			continue
		}

		var (
			nullCount int64
			distinct  = make(map[string]struct{})
			numeric   []float64
			minStr    string
			maxStr    string
			seenStr   bool
			filter    = bloomfilter.NewOptimal(len(rows), fpRate)
		)

		for _, row := range rows {
			value, ok := row[column]
			if !ok || value == nil {
				nullCount++
				continue
			}
			coerced, err := field.Coerce(value)
			if err != nil || coerced == nil {
				nullCount++
				continue
			}

			key := valueKey(coerced)
			distinct[key] = struct{}{}
			filter.Add([]byte(key))

			if num, ok := numericValue(coerced); ok {
				numeric = append(numeric, num)
			} else if s, ok := coerced.(string); ok {
				if !seenStr || s < minStr {
					minStr = s
				}
				if !seenStr || s > maxStr {
					maxStr = s
				}
				seenStr = true
			}
		}

		col := ColumnStats{
			NullCount:     nullCount,
			DistinctCount: int64(len(distinct)),
		}

		switch {
		case len(numeric) > 0:
			lo, hi := numeric[0], numeric[0]
			for _, v := range numeric {
				if v < lo {
					lo = v
				}
				if v > hi {
					hi = v
				}
			}
			col.Min, col.Max = statValue(field, lo), statValue(field, hi)
			col.Histogram = histogram(numeric, lo, hi, bins)
			col.HistogramMin, col.HistogramMax = lo, hi
		case seenStr:
			col.Min, col.Max = minStr, maxStr
		}

		stats[column] = col
		blooms[column] = base64.StdEncoding.EncodeToString(filter.Bytes())
	}

	if len(stats) == 0 {
		return nil, nil
	}
	return stats, blooms
}

// valueKey canonicalizes a value for distinct counting and bloom hashing.
func valueKey(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return strconv.FormatInt(v.UnixMilli(), 10)
	}
	return ""
}

// numericValue maps numeric and timestamp values onto the histogram axis.
func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case time.Time:
		return float64(v.UnixMilli()), true
	}
	return 0, false
}

// statValue renders min/max in a reader friendly form.
func statValue(field schema.Field, v float64) any {
	switch field.Type {
	case schema.TypeTimestamp:
		return time.UnixMilli(int64(v)).UTC().Format(time.RFC3339Nano)
	case schema.TypeInteger:
		return int64(v)
	}
	return v
}

func histogram(values []float64, lo, hi float64, bins int) []int64 {
	counts := make([]int64, bins)
	if hi <= lo {
		counts[0] = int64(len(values))
		return counts
	}
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		idx := int((v - lo) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}
	return counts
}
