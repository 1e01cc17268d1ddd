// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

//go:build !unix

package spool

import "os"

const flockSupported = false

func flock(fh *os.File) error { return nil }
