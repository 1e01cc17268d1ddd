// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package bloomfilter_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub/timestore/timestore/partstore/bloomfilter"
)

func TestFilter_NoFalseNegatives(t *testing.T) {
	filter := bloomfilter.NewOptimal(1000, 0.01)

	for i := 0; i < 1000; i++ {
		filter.Add([]byte(fmt.Sprintf("device-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		require.True(t, filter.Contains([]byte(fmt.Sprintf("device-%d", i))))
	}
}

func TestFilter_FalsePositiveRate(t *testing.T) {
	filter := bloomfilter.NewOptimal(1000, 0.01)

	for i := 0; i < 1000; i++ {
		filter.Add([]byte(fmt.Sprintf("device-%d", i)))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if filter.Contains([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	// generous bound, sizing targets 1%
	require.Less(t, float64(falsePositives)/probes, 0.05)
}

func TestFilter_RoundTrip(t *testing.T) {
	filter := bloomfilter.NewOptimal(100, 0.05)
	filter.Add([]byte("sensor-a"))
	filter.Add([]byte("sensor-b"))

	parsed, err := bloomfilter.Parse(filter.Bytes())
	require.NoError(t, err)

	require.True(t, parsed.Contains([]byte("sensor-a")))
	require.True(t, parsed.Contains([]byte("sensor-b")))

	_, err = bloomfilter.Parse([]byte{99, 0, 1, 0})
	require.Error(t, err)

	_, err = bloomfilter.Parse([]byte{1})
	require.Error(t, err)
}
