// Copyright (c) 2016-2019 Uber Technologies, Inc.
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

// Package log wraps zap with the engine's config shape and exposes a default
// global logger for call sites that do not carry their own *zap.SugaredLogger.
package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines logger construction parameters.
type Config struct {
	Level       string   `yaml:"level"`
	Disable     bool     `yaml:"disable"`
	OutputPaths []string `yaml:"output_paths"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = []string{"stdout"}
	}
	return c
}

// New creates a new zap.Logger from config, with fields attached to every
// entry.
func New(config Config, fields map[string]interface{}) (*zap.Logger, error) {
	config = config.applyDefaults()

	if config.Disable {
		return zap.NewNop(), nil
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		return nil, fmt.Errorf("parse level: %s", err)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = config.OutputPaths

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap config: %s", err)
	}

	for k, v := range fields {
		logger = logger.With(zap.Any(k, v))
	}
	return logger, nil
}

var (
	mu  sync.RWMutex
	std = zap.NewNop().Sugar()
)

// SetGlobal installs l as the package-level default logger.
func SetGlobal(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	std = l.Sugar()
}

func global() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// With returns the default logger annotated with the given key/value pairs.
func With(args ...interface{}) *zap.SugaredLogger {
	return global().With(args...)
}

// Infof logs at info level using the default logger.
func Infof(format string, args ...interface{}) {
	global().Infof(format, args...)
}

// Errorf logs at error level using the default logger.
func Errorf(format string, args ...interface{}) {
	global().Errorf(format, args...)
}

// Error logs args at error level using the default logger.
func Error(args ...interface{}) {
	global().Error(args...)
}

// Fatalf logs at fatal level using the default logger, then exits.
func Fatalf(format string, args ...interface{}) {
	global().Fatalf(format, args...)
}

// Fatal logs args at fatal level using the default logger, then exits.
func Fatal(args ...interface{}) {
	global().Fatal(args...)
}

// Warnf logs at warn level using the default logger.
func Warnf(format string, args ...interface{}) {
	global().Warnf(format, args...)
}
