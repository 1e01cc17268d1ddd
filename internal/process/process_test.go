// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package process_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/apphub/timestore/internal/process"
)

type testConfig struct {
	Name     string
	Interval time.Duration
	Nested   struct {
		Value int
	}
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, process.ConfigName), []byte(content), 0600))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "name: alpha\ninterval: 15s\nnested:\n  value: 7\n")

	var config testConfig
	require.NoError(t, process.LoadConfig(dir, &config, nil))
	require.Equal(t, "alpha", config.Name)
	require.Equal(t, 15*time.Second, config.Interval)
	require.Equal(t, 7, config.Nested.Value)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "name: alpha\nnested:\n  value: 7\n")
	t.Setenv("TIMESTORE_NAME", "beta")
	t.Setenv("TIMESTORE_NESTED_VALUE", "9")

	var config testConfig
	require.NoError(t, process.LoadConfig(dir, &config, nil))
	require.Equal(t, "beta", config.Name)
	require.Equal(t, 9, config.Nested.Value)
}

func TestLoadConfigFlagOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "name: alpha\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("name", "", "")
	require.NoError(t, flags.Set("name", "gamma"))

	var config testConfig
	require.NoError(t, process.LoadConfig(dir, &config, flags))
	require.Equal(t, "gamma", config.Name)
}

func TestLoadConfigMissingFile(t *testing.T) {
	var config testConfig
	require.NoError(t, process.LoadConfig(t.TempDir(), &config, nil))
	require.Empty(t, config.Name)
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "name: [unclosed\n")

	var config testConfig
	require.Error(t, process.LoadConfig(dir, &config, nil))
}

func TestNewLogger(t *testing.T) {
	log, err := process.NewLogger(process.LogConfig{})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = process.NewLogger(process.LogConfig{Development: true})
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = process.NewLogger(process.LogConfig{Level: "warn"})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))

	_, err = process.NewLogger(process.LogConfig{Level: "shouting"})
	require.Error(t, err)
}
