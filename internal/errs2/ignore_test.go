// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package errs2_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"

	"github.com/apphub/timestore/internal/errs2"
)

func TestIsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	testClass := errs.Class("test")

	require.True(t, errs2.IsCanceled(ctx.Err()))
	require.True(t, errs2.IsCanceled(errs.Wrap(ctx.Err())))
	require.True(t, errs2.IsCanceled(testClass.Wrap(context.DeadlineExceeded)))
	require.False(t, errs2.IsCanceled(errs.New("boom")))
	require.False(t, errs2.IsCanceled(nil))
}

func TestIgnoreCanceled(t *testing.T) {
	require.NoError(t, errs2.IgnoreCanceled(context.Canceled))
	require.NoError(t, errs2.IgnoreCanceled(nil))

	boom := errs.New("boom")
	require.Equal(t, boom, errs2.IgnoreCanceled(boom))
}
