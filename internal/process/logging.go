// Copyright (C) 2026 AppHub, Inc.
// See LICENSE for copying information.

package process

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level to log.
	Level string
	// Development enables stack traces and the debug default level.
	Development bool
	// Encoding is console or json.
	Encoding string
}

// NewLogger creates the process logger.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Development {
		level = zapcore.DebugLevel
	}
	if config.Level != "" {
		parsed, err := zapcore.ParseLevel(config.Level)
		if err != nil {
			return nil, Error.New("invalid log level %q: %v", config.Level, err)
		}
		level = parsed
	}

	encoding := config.Encoding
	if encoding == "" {
		encoding = "console"
	}

	logger, err := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       config.Development,
		DisableCaller:     !config.Development,
		DisableStacktrace: !config.Development,
		Encoding:          encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			CallerKey:      "C",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return logger, nil
}
