// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package partstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// localTargetConfig is the per-target configuration accepted by the
// local-file driver.
type localTargetConfig struct {
	Root string `json:"root"`
}

// LocalDriver writes partitions to a directory tree on the local
// filesystem. Files become visible atomically via write-then-rename.
type LocalDriver struct {
	log  *zap.Logger
	root string
}

// NewLocalDriver creates a local-file driver rooted at root.
func NewLocalDriver(log *zap.Logger, root string) *LocalDriver {
	return &LocalDriver{log: log, root: root}
}

// Kind implements Driver.
func (driver *LocalDriver) Kind() string { return KindLocalFile }

// WritePartition implements Driver.
func (driver *LocalDriver) WritePartition(ctx context.Context, req WriteRequest) (_ WriteResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return WriteResult{}, err
	}

	root := driver.root
	if len(req.TargetConfig) > 0 {
		var cfg localTargetConfig
		if err := json.Unmarshal(req.TargetConfig, &cfg); err != nil {
			return WriteResult{}, ErrPermanent.New("invalid target config: %v", err)
		}
		if cfg.Root != "" {
			root = cfg.Root
		}
	}
	if root == "" {
		return WriteResult{}, ErrPermanent.New("storage root not configured")
	}

	relative := filepath.Join(req.DatasetSlug, req.PartitionID.String()+"."+FormatParquet)
	final := filepath.Join(root, relative)
	if err := os.MkdirAll(filepath.Dir(final), 0700); err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}

	// the partial file keeps readers from ever observing a half written
	// partition; rename publishes it
	partial := final + ".partial"
	fh, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = fh.Close()
			_ = os.Remove(partial)
		}
	}()

	hasher := sha256.New()
	out := io.MultiWriter(fh, hasher)

	rowCount := req.RowCount
	if req.SpoolFile != "" {
		src, err := os.Open(req.SpoolFile)
		if err != nil {
			return WriteResult{}, ErrTransient.Wrap(err)
		}
		_, err = io.Copy(out, src)
		if err != nil {
			return WriteResult{}, ErrTransient.Wrap(errs.Combine(err, src.Close()))
		}
		if err := src.Close(); err != nil {
			return WriteResult{}, ErrTransient.Wrap(err)
		}
	} else {
		rowCount, err = EncodeParquet(out, req.TableName, req.Schema, req.Rows)
		if err != nil {
			return WriteResult{}, err
		}
	}

	if err := fh.Sync(); err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}
	info, err := fh.Stat()
	if err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}
	if err := os.Rename(partial, final); err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}

	driver.log.Debug("partition written",
		zap.String("dataset", req.DatasetSlug),
		zap.Stringer("partition", req.PartitionID),
		zap.Int64("rows", rowCount),
		zap.Int64("bytes", info.Size()))

	return WriteResult{
		RelativePath:  relative,
		FileFormat:    FormatParquet,
		FileSizeBytes: info.Size(),
		RowCount:      rowCount,
		Checksum:      hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}
