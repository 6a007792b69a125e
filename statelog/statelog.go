// Copyright 2024 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package statelog is a thin wrapper around logrus used for all logging
// across the engine, giving every component a consistent
// Debug/Info/Warn/Error surface plus structured fields without coupling
// callers to logrus directly.
package statelog

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

// Fields aliases logrus.Fields.
type Fields = logrus.Fields

// Entry aliases logrus.Entry.
type Entry = logrus.Entry

// Logger is the interface components depend on.
type Logger interface {
	Debug(...interface{})
	Debugf(string, ...interface{})
	Info(...interface{})
	Infof(string, ...interface{})
	Warn(...interface{})
	Warnf(string, ...interface{})
	Error(...interface{})
	Errorf(string, ...interface{})

	WithField(key string, value interface{}) *Entry
	WithFields(Fields) *Entry
	WithContext(context.Context) Logger

	SetLevel(string) error
	SetOutput(io.Writer)
	SetJSONFormatter()
}

type logger struct {
	entry *logrus.Entry
}

// New creates a new logger with its own independent logrus instance.
func New() Logger {
	l := logrus.New()
	return logger{entry: logrus.NewEntry(l)}
}

func (l logger) WithContext(ctx context.Context) Logger {
	return logger{l.entry.WithContext(ctx)}
}

func (l logger) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l logger) Info(args ...interface{})                  { l.entry.Info(args...) }
func (l logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l logger) Warn(args ...interface{})                  { l.entry.Warn(args...) }
func (l logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l logger) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l logger) WithField(key string, value interface{}) *Entry { return l.entry.WithField(key, value) }
func (l logger) WithFields(fields Fields) *Entry                { return l.entry.WithFields(fields) }

func (l logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.entry.Logger.SetLevel(lvl)
	return nil
}

func (l logger) SetOutput(w io.Writer) { l.entry.Logger.SetOutput(w) }

func (l logger) SetJSONFormatter() { l.entry.Logger.SetFormatter(&logrus.JSONFormatter{}) }

var origLogger = logrus.New()
var globalLogger = logger{entry: logrus.NewEntry(origLogger)}

// Global returns the package-wide default logger.
func Global() Logger { return globalLogger }

// WithContext attaches ctx to the global logger.
func WithContext(ctx context.Context) Logger {
	return logger{globalLogger.entry.WithContext(ctx)}
}

// Debugf logs at debug level on the global logger.
func Debugf(format string, args ...interface{}) { globalLogger.entry.Debugf(format, args...) }

// Infof logs at info level on the global logger.
func Infof(format string, args ...interface{}) { globalLogger.entry.Infof(format, args...) }

// Warnf logs at warn level on the global logger.
func Warnf(format string, args ...interface{}) { globalLogger.entry.Warnf(format, args...) }

// Errorf logs at error level on the global logger.
func Errorf(format string, args ...interface{}) { globalLogger.entry.Errorf(format, args...) }

// SetLevel sets the global logger's level.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	origLogger.SetLevel(lvl)
	return nil
}

// SetJSONFormatter switches the global logger to JSON output, for
// production deployments that ship logs to a collector.
func SetJSONFormatter() { origLogger.SetFormatter(&logrus.JSONFormatter{}) }
