// Copyright 2025 Google LLC
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

package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Syslog severity levels. TRACE sits below slog's DEBUG so per-request wire
// traffic can be silenced independently of debug output.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

// Config controls the process-wide logger.
type Config struct {
	// Severity: one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	Severity string

	// Format: "text" or "json".
	Format string

	// FilePath, when non-empty, sends output to a rotated log file instead
	// of stderr.
	FilePath string

	// Rotation limits, used only when FilePath is set.
	MaxSizeMB  int
	MaxBackups int
}

var (
	programLevel  = new(slog.LevelVar)
	defaultLogger = slog.New(newHandler(os.Stderr, "text"))
)

// Init replaces the process-wide logger according to cfg. Call once at
// startup, before any goroutines log.
func Init(cfg Config) {
	var w io.Writer = os.Stderr
	if cfg.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}
	setLoggingLevel(cfg.Severity)
	defaultLogger = slog.New(newHandler(w, cfg.Format))
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: programLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Render the custom TRACE level by name rather than "DEBUG-4".
			if a.Key == slog.LevelKey {
				if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func setLoggingLevel(severity string) {
	switch severity {
	case "TRACE":
		programLevel.Set(LevelTrace)
	case "DEBUG":
		programLevel.Set(LevelDebug)
	case "WARNING":
		programLevel.Set(LevelWarn)
	case "ERROR":
		programLevel.Set(LevelError)
	case "OFF":
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

func logf(level slog.Level, format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

func Tracef(format string, v ...interface{}) {
	logf(LevelTrace, format, v...)
}

func Debugf(format string, v ...interface{}) {
	logf(LevelDebug, format, v...)
}

func Infof(format string, v ...interface{}) {
	logf(LevelInfo, format, v...)
}

func Warnf(format string, v ...interface{}) {
	logf(LevelWarn, format, v...)
}

func Errorf(format string, v ...interface{}) {
	logf(LevelError, format, v...)
}

// Fatal logs at ERROR and exits with a nonzero status.
func Fatal(format string, v ...interface{}) {
	logf(LevelError, format, v...)
	os.Exit(1)
}
