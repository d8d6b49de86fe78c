// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package clog is the printf-style logging facade shared by the link engine
// and the device drivers. The default provider writes through zap.
package clog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogProvider is the backend a Clog writes to.
type LogProvider interface {
	Critical(format string, v ...interface{})
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
}

// Clog is a prefix-scoped logger that can be embedded in a struct and
// switched on or off at runtime.
type Clog struct {
	provider LogProvider
	// has is 1 when output is enabled
	has *uint32
}

var (
	level    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	baseOnce sync.Once
	base     *zap.Logger
)

func baseLogger() *zap.Logger {
	baseOnce.Do(func() {
		config := zap.NewProductionConfig()
		config.Level = level
		config.Encoding = "console"
		config.EncoderConfig = zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.RFC3339TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		}
		l, err := config.Build(zap.AddCaller(), zap.AddCallerSkip(2))
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	})
	return base
}

// SetLevel changes the level of every logger using the default provider.
// Unknown names leave the level unchanged and return an error.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// NewLogger creates a logger whose messages are prefixed by prefix.
// Output is disabled until LogMode(true) is called.
func NewLogger(prefix string) Clog {
	return Clog{
		provider: zapProvider{baseLogger().Named(prefix).Sugar()},
		has:      new(uint32),
	}
}

// LogMode enables or disables output.
func (sf Clog) LogMode(enable bool) {
	if sf.has == nil {
		return
	}
	if enable {
		atomic.StoreUint32(sf.has, 1)
	} else {
		atomic.StoreUint32(sf.has, 0)
	}
}

// SetLogProvider replaces the backend. A nil provider is ignored.
func (sf *Clog) SetLogProvider(p LogProvider) {
	if p != nil {
		sf.provider = p
	}
}

func (sf Clog) enabled() bool {
	return sf.has != nil && sf.provider != nil && atomic.LoadUint32(sf.has) == 1
}

// Critical logs a message that needs immediate attention.
func (sf Clog) Critical(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Critical(format, v...)
	}
}

// Error logs an error message.
func (sf Clog) Error(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Error(format, v...)
	}
}

// Warn logs a warning.
func (sf Clog) Warn(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Warn(format, v...)
	}
}

// Info logs an informational message.
func (sf Clog) Info(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Info(format, v...)
	}
}

// Debug logs a debug message.
func (sf Clog) Debug(format string, v ...interface{}) {
	if sf.enabled() {
		sf.provider.Debug(format, v...)
	}
}

type zapProvider struct {
	s *zap.SugaredLogger
}

func (p zapProvider) Critical(format string, v ...interface{}) { p.s.Errorf("[CRITICAL] "+format, v...) }
func (p zapProvider) Error(format string, v ...interface{})    { p.s.Errorf(format, v...) }
func (p zapProvider) Warn(format string, v ...interface{})     { p.s.Warnf(format, v...) }
func (p zapProvider) Info(format string, v ...interface{})     { p.s.Infof(format, v...) }
func (p zapProvider) Debug(format string, v ...interface{})    { p.s.Debugf(format, v...) }
