// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package errs2

import (
	"context"
	"errors"

	"github.com/zeebo/errs"
)

// IsCanceled returns true when the error is caused by a canceled context or
// deadline expiry.
func IsCanceled(err error) bool {
	return errs.IsFunc(err, func(err error) bool {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	})
}

// IgnoreCanceled returns nil when the error is caused by a canceled
// context, otherwise the error itself.
func IgnoreCanceled(err error) error {
	if IsCanceled(err) {
		return nil
	}
	return err
}
