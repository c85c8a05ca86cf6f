// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging provides shared logging utilities for all winpxe binaries.
// Packages log through log/slog; the records are handled by a zap logger
// bridged through logr.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables the human-readable console encoder.
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level

	// Output defaults to os.Stderr so that command output on stdout stays
	// clean.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Level:  slog.LevelInfo,
		Output: os.Stderr,
	}
}

// ParseLevel parses "debug", "info", "warn" or "error".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New builds the slog logger described by opts.
func New(opts Options) (*slog.Logger, logr.Logger) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(encCfg)
	if opts.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(opts.Output), zapLevel(opts.Level))
	zl := zap.New(core)
	if opts.Development {
		zl = zl.WithOptions(zap.Development())
	}

	lr := zapr.NewLogger(zl)
	return slog.New(logr.ToSlogHandler(lr)), lr
}

// Setup installs the logger described by opts as the slog default.
// This must be called early in main() before using any logging.
func Setup(opts Options) *slog.Logger {
	logger, _ := New(opts)
	slog.SetDefault(logger)
	return logger
}

// SetupDefault sets up logging with default options.
func SetupDefault() *slog.Logger {
	return Setup(DefaultOptions())
}

// zapLevel maps a slog level onto zap. logr has no warn level, so slog warn
// records reach zap at info level and Warn filters like Info.
func zapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		// slog debug (-4) becomes logr V(4), which zap sees as level -4.
		return zapcore.Level(level)
	}
}
