// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/apphub/timestore/internal/process"
	"github.com/apphub/timestore/timestore"
	"github.com/apphub/timestore/timestore/ingest"
	"github.com/apphub/timestore/timestore/manifest"
	"github.com/apphub/timestore/timestore/partstore"
	"github.com/apphub/timestore/timestore/spool"
)

// RunConfig is the full configuration of the timestore binary.
type RunConfig struct {
	Log process.LogConfig

	timestore.Config `mapstructure:",squash"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "timestore",
		Short: "Timestore",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the timestore peer",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	diagCmd = &cobra.Command{
		Use:         "diag",
		Short:       "Print dataset, spool and queue diagnostics",
		RunE:        cmdDiag,
		Annotations: map[string]string{"type": "helper"},
	}

	confDir string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", ".", "main directory for timestore configuration")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(diagCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx()
	defer cancel()

	var config RunConfig
	if err := process.LoadConfig(confDir, &config, cmd.Flags()); err != nil {
		return err
	}

	log, err := process.NewLogger(config.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := config.Verify(); err != nil {
		log.Error("Invalid configuration.", zap.Error(err))
		return err
	}

	db, err := manifest.Open(ctx, log.Named("db"), config.Metadata.Path)
	if err != nil {
		return errs.New("error opening metadata store: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating metadata store: %+v", err)
	}

	peer, err := timestore.New(log, db, config.Config)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	configFile := filepath.Join(setupDir, process.ConfigName)
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("timestore configuration already exists (%v)", configFile)
	} else if !os.IsNotExist(err) {
		return err
	}

	return os.WriteFile(configFile, []byte(defaultConfig(setupDir)), 0600)
}

func cmdDiag(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx()
	defer cancel()

	var config RunConfig
	if err := process.LoadConfig(confDir, &config, cmd.Flags()); err != nil {
		return err
	}
	if err := config.Verify(); err != nil {
		return err
	}

	db, err := manifest.Open(ctx, zap.L().Named("db"), config.Metadata.Path)
	if err != nil {
		return errs.New("error opening metadata store: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := diagDatasets(ctx, db, config); err != nil {
		return err
	}
	if config.Queue.Mode == timestore.QueueModeDistributed {
		if err := diagFailedJobs(ctx, config); err != nil {
			return err
		}
	}
	if config.Storage.Driver == partstore.KindLocalFile {
		return diagOrphans(ctx, db, config.Storage.Root)
	}
	return nil
}

// diagDatasets prints one row per dataset: the latest published manifest
// totals plus the staged state of its spool.
func diagDatasets(ctx context.Context, db *manifest.DB, config RunConfig) (err error) {
	datasets, err := db.ListDatasets(ctx)
	if err != nil {
		return err
	}

	staged := map[string]*spool.DatasetSummary{}
	if config.Staging.Enabled {
		manager := spool.NewManager(zap.L().Named("spool"), config.Staging.Spool)
		defer func() { err = errs.Combine(err, manager.Close()) }()

		slugs, err := manager.ListDatasets(ctx)
		if err != nil {
			return err
		}
		for _, slug := range slugs {
			summary, err := manager.GetDatasetSummary(ctx, slug)
			if err != nil {
				return err
			}
			staged[slug] = summary
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	defer func() { err = errs.Combine(err, w.Flush()) }()

	fmt.Fprint(w, "Dataset\tManifest\tShard\tPartitions\tRows\tBytes\tStaged Batches\tStaged Rows\n")
	for _, dataset := range datasets {
		var (
			version, partitions, rows, bytes int64
			shard                            string
		)
		latest, err := db.GetLatestPublishedManifest(ctx, dataset.ID, manifest.GetLatestPublishedOptions{})
		switch {
		case err == nil:
			version = latest.Version
			shard = latest.ShardKey
			partitions = latest.Summary.PartitionCount
			rows = latest.Summary.TotalRows
			bytes = latest.Summary.TotalBytes
		case !manifest.ErrNotFound.Has(err):
			return err
		}

		var stagedBatches, stagedRows int64
		if summary := staged[dataset.Slug]; summary != nil {
			stagedBatches = summary.PendingBatchCount
			stagedRows = summary.PendingRowCount
		}

		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\t%v\t%v\n",
			dataset.Slug, version, shard, partitions, rows, bytes, stagedBatches, stagedRows)
	}
	return nil
}

// diagFailedJobs prints the terminally failed jobs of the distributed
// queue.
func diagFailedJobs(ctx context.Context, config RunConfig) (err error) {
	queue, err := ingest.NewRedisQueue(zap.L().Named("queue"), nil, config.Queue.RedisQueueConfig())
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, queue.Close()) }()

	jobs, err := queue.FailedJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight|tabwriter.Debug)
	defer func() { err = errs.Combine(err, w.Flush()) }()

	fmt.Fprint(w, "Failed Job\tKind\tDataset\tAttempts\tLast Error\n")
	for _, job := range jobs {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n",
			job.ID, job.Kind, job.DatasetSlug, job.Attempts, job.LastError)
	}
	return nil
}

// diagOrphans lists partition files on local storage that no manifest
// references: leftovers of commits interrupted between the storage write
// and the metadata transaction. Cleanup is left to an operator or an
// external janitor.
func diagOrphans(ctx context.Context, db *manifest.DB, root string) error {
	referenced, err := db.ListPartitionFiles(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(referenced))
	for _, path := range referenced {
		known[filepath.FromSlash(path)] = struct{}{}
	}

	var orphans []string
	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		if !strings.HasSuffix(path, "."+partstore.FormatParquet) {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if _, ok := known[relative]; !ok {
			orphans = append(orphans, relative)
		}
		return nil
	})
	if os.IsNotExist(err) {
		// nothing written yet
		return nil
	}
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	fmt.Printf("\n%d orphan partition file(s) under %s:\n", len(orphans), root)
	for _, orphan := range orphans {
		fmt.Println("  " + orphan)
	}
	return nil
}

// defaultConfig renders the initial configuration with data directories
// rooted under dir.
func defaultConfig(dir string) string {
	return fmt.Sprintf(`# timestore configuration.
# every key can be overridden with a TIMESTORE_* environment variable,
# for example TIMESTORE_METADATA_PATH.

log:
  level: info
  development: false
  encoding: console

storage:
  # local-file or object-store
  driver: local-file
  root: %[1]s/partitions
  target: default
  # object:
  #   endpoint: s3.example.com
  #   bucket: timestore
  #   accesskey: ""
  #   secretkey: ""

metadata:
  path: %[1]s/metadata.db
  cachettl: 30s

staging:
  enabled: true
  flushinterval: 10s
  spool:
    directory: %[1]s/staging
    maxdatasetbytes: 1073741824
    maxtotalbytes: 10737418240
    maxpendingperdataset: 64
    flush:
      maxrows: 500000
      maxbytes: 268435456
      maxagems: 300000

queue:
  # inline or distributed
  mode: inline
  # redisurl: redis://127.0.0.1:6379
  # concurrency: 4

streaming:
  enabled: false
  # brokers:
  #   - 127.0.0.1:9092
  # batchers:
  #   - connectorid: sensors
  #     topic: sensor-events
  #     groupid: timestore-sensors
  #     datasetslug: sensors
  #     timefield: ts
  #     windowseconds: 60
  #     maxrowsperpartition: 100000
  #     schema:
  #       - name: ts
  #         type: timestamp
  #       - name: value
  #         type: double

connectors:
  enabled: false
  # checkpointpath: %[1]s/connectors.db
  # streaming:
  #   - connectorid: tail-events
  #     path: /var/log/events.jsonl
  #     startatoldest: true
  # bulk:
  #   - connectorid: bulk-events
  #     directory: /var/spool/timestore

events:
  # log or redis
  mode: log
  # redisurl: redis://127.0.0.1:6379
  # channelprefix: timestore

partitionindex:
  columns: []
  histogrambins: 16
  bloomfalsepositiverate: 0.01
`, dir)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
