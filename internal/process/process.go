// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

// Package process implements the shared bootstrap of timestore binaries:
// a signal aware root context, logger construction and configuration
// loading.
package process

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the default process errs class.
var Error = errs.Class("process")

// ConfigName is the configuration file looked up inside the config
// directory.
const ConfigName = "config.yaml"

// Ctx returns a root context canceled by SIGINT or SIGTERM. After the
// first signal the handler is removed, so a second signal terminates the
// process.
func Ctx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		signal.Stop(signals)
		cancel()
	}()

	return ctx, cancel
}

// LoadConfig reads the configuration file from dir, folds TIMESTORE_*
// environment overrides and any bound command line flags over it and
// unmarshals the result into target. A missing file is not an error, so
// a peer can run on environment overrides alone.
func LoadConfig(dir string, target any, flags *pflag.FlagSet) error {
	vip := viper.New()
	if flags != nil {
		if err := vip.BindPFlags(flags); err != nil {
			return Error.Wrap(err)
		}
	}
	vip.SetEnvPrefix("timestore")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()

	path := filepath.Join(os.ExpandEnv(dir), ConfigName)
	switch _, err := os.Stat(path); {
	case err == nil:
		vip.SetConfigFile(path)
		if err := vip.ReadInConfig(); err != nil {
			return Error.Wrap(err)
		}
	case !os.IsNotExist(err):
		return Error.Wrap(err)
	}

	return Error.Wrap(vip.Unmarshal(target))
}
