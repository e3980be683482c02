// Copyright (c) 2026 ToeiRei
// dbsession - namespaced database session registry
// This source code is licensed under the MIT license found in the LICENSE file.

// Package logging holds the process-wide logger and the namespace-scoped
// Logger that the session registry reports through.
package logging

import (
	"fmt"
	"os"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger. Callers should use the helper functions
// below for compatibility with existing calls.
var L = clog.NewWithOptions(os.Stderr, clog.Options{ReportTimestamp: true})

// SetDebug switches L between debug and info level.
func SetDebug(enabled bool) {
	if enabled {
		L.SetLevel(clog.DebugLevel)
		return
	}
	L.SetLevel(clog.InfoLevel)
}

// SetLevel parses a level name ("debug", "info", "warn", "error") and applies it to L.
func SetLevel(level string) error {
	lvl, err := clog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	L.SetLevel(lvl)
	return nil
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}

// Logger receives diagnostics tagged with the namespace they concern.
// Nothing in the registry depends on what a Logger does with them.
type Logger interface {
	Info(namespace, msg string)
	Warn(namespace, msg string)
	Error(namespace, msg string)
}

type nsLogger struct {
	l *clog.Logger
}

// New returns a Logger writing to l. A nil l resolves to the package-level
// L at call time, so tests that swap L are honoured.
func New(l *clog.Logger) Logger {
	return nsLogger{l: l}
}

// Default returns a Logger backed by L.
func Default() Logger {
	return nsLogger{}
}

func (n nsLogger) logger() *clog.Logger {
	if n.l != nil {
		return n.l
	}
	return L
}

func (n nsLogger) Info(namespace, msg string)  { n.logger().Info(msg, "namespace", namespace) }
func (n nsLogger) Warn(namespace, msg string)  { n.logger().Warn(msg, "namespace", namespace) }
func (n nsLogger) Error(namespace, msg string) { n.logger().Error(msg, "namespace", namespace) }

type nopLogger struct{}

func (nopLogger) Info(string, string)  {}
func (nopLogger) Warn(string, string)  {}
func (nopLogger) Error(string, string) {}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }
