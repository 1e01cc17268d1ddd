// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package partstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// objectTargetConfig is the per-target configuration accepted by the
// object-store driver.
type objectTargetConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
	Region    string `json:"region"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
}

func (cfg *objectTargetConfig) verify() error {
	switch {
	case cfg.Endpoint == "":
		return ErrPermanent.New("object store endpoint missing")
	case cfg.Bucket == "":
		return ErrPermanent.New("object store bucket missing")
	}
	return nil
}

// ObjectDriver writes partitions to an S3 compatible object store. Object
// puts are atomic on the backend, so no rename step is needed.
type ObjectDriver struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[string]*minio.Client
}

// NewObjectDriver creates an object-store driver. Clients are created per
// endpoint on first use and reused.
func NewObjectDriver(log *zap.Logger) *ObjectDriver {
	return &ObjectDriver{
		log:     log,
		clients: make(map[string]*minio.Client),
	}
}

// Kind implements Driver.
func (driver *ObjectDriver) Kind() string { return KindObjectStore }

func (driver *ObjectDriver) client(cfg objectTargetConfig) (*minio.Client, error) {
	driver.mu.Lock()
	defer driver.mu.Unlock()

	key := cfg.Endpoint + "\x00" + cfg.AccessKey
	if client, ok := driver.clients[key]; ok {
		return client, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, ErrPermanent.New("object store client: %v", err)
	}
	driver.clients[key] = client
	return client, nil
}

// WritePartition implements Driver.
func (driver *ObjectDriver) WritePartition(ctx context.Context, req WriteRequest) (_ WriteResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := req.Verify(); err != nil {
		return WriteResult{}, err
	}

	var cfg objectTargetConfig
	if len(req.TargetConfig) == 0 {
		return WriteResult{}, ErrPermanent.New("object store target has no config")
	}
	if err := json.Unmarshal(req.TargetConfig, &cfg); err != nil {
		return WriteResult{}, ErrPermanent.New("invalid target config: %v", err)
	}
	if err := cfg.verify(); err != nil {
		return WriteResult{}, err
	}

	client, err := driver.client(cfg)
	if err != nil {
		return WriteResult{}, err
	}

	var buf bytes.Buffer
	rowCount := req.RowCount
	if req.SpoolFile != "" {
		src, err := os.Open(req.SpoolFile)
		if err != nil {
			return WriteResult{}, ErrTransient.Wrap(err)
		}
		_, err = io.Copy(&buf, src)
		if err != nil {
			_ = src.Close()
			return WriteResult{}, ErrTransient.Wrap(err)
		}
		if err := src.Close(); err != nil {
			return WriteResult{}, ErrTransient.Wrap(err)
		}
	} else {
		rowCount, err = EncodeParquet(&buf, req.TableName, req.Schema, req.Rows)
		if err != nil {
			return WriteResult{}, err
		}
	}

	digest := sha256.Sum256(buf.Bytes())
	relative := path.Join(cfg.Prefix, req.DatasetSlug, req.PartitionID.String()+"."+FormatParquet)

	metadata := make(map[string]string, len(req.PartitionKey))
	for key, value := range req.PartitionKey {
		metadata["pk-"+key] = value
	}

	_, err = client.PutObject(ctx, cfg.Bucket, relative,
		bytes.NewReader(buf.Bytes()), int64(buf.Len()),
		minio.PutObjectOptions{
			ContentType:  "application/octet-stream",
			UserMetadata: metadata,
		})
	if err != nil {
		return WriteResult{}, ErrTransient.Wrap(err)
	}

	driver.log.Debug("partition uploaded",
		zap.String("dataset", req.DatasetSlug),
		zap.Stringer("partition", req.PartitionID),
		zap.String("bucket", cfg.Bucket),
		zap.Int("bytes", buf.Len()))

	return WriteResult{
		RelativePath:  relative,
		FileFormat:    FormatParquet,
		FileSizeBytes: int64(buf.Len()),
		RowCount:      rowCount,
		Checksum:      hex.EncodeToString(digest[:]),
	}, nil
}
