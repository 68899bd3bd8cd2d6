// Copyright 2020, Google Inc.
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

// Package logs provides the levelled logging sinks used by the harness and
// every plugin. The logger plugin installs the process-wide logger at init
// time; until then messages go to a stderr fallback.
package logs

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	messageKey  = "message"
	severityKey = "severity"
	timeKey     = "timestamp"

	// logFileName is the file created under logging_folder.
	logFileName = "mysqlrouter.log"

	// maxFileSizeMB caps a single log file before lumberjack rotates it.
	maxFileSizeMB = 100
	maxBackups    = 5
)

type StructuredLogger interface {
	Errorf(format string, v ...any)
	Warningf(format string, v ...any)
	Infof(format string, v ...any)
	Debugf(format string, v ...any)
}

type ZapStructuredLogger struct {
	logger *zap.SugaredLogger
}

func severityEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var severity string

	switch level {
	case zapcore.ErrorLevel:
		severity = "ERROR"
	case zapcore.WarnLevel:
		severity = "WARNING"
	case zapcore.InfoLevel:
		severity = "INFO"
	case zapcore.DebugLevel:
		severity = "DEBUG"
	default:
		severity = "DEFAULT"
	}
	enc.AppendString(severity)
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = messageKey
	cfg.LevelKey = severityKey
	cfg.TimeKey = timeKey
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.EncodeLevel = severityEncoder
	return cfg
}

// New returns a logger writing to <loggingFolder>/mysqlrouter.log with
// rotation. An empty loggingFolder selects stderr, which is what the
// --console flag requests.
func New(loggingFolder string) *ZapStructuredLogger {
	if loggingFolder == "" {
		return Default()
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(loggingFolder, logFileName),
		MaxSize:    maxFileSizeMB,
		MaxBackups: maxBackups,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), w, zap.DebugLevel)
	return &ZapStructuredLogger{logger: zap.New(core).Sugar()}
}

// Default logs to stderr.
func Default() *ZapStructuredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig()),
		zapcore.Lock(os.Stderr),
		zap.DebugLevel,
	)
	return &ZapStructuredLogger{logger: zap.New(core).Sugar()}
}

// DiscardLogger returns a logger backed by an in-memory observer, for tests
// that assert on logged output.
func DiscardLogger() (*ZapStructuredLogger, *observer.ObservedLogs) {
	observedZapCore, observedLogs := observer.New(zap.DebugLevel)
	observedLogger := zap.New(observedZapCore)
	return &ZapStructuredLogger{logger: observedLogger.Sugar()}, observedLogs
}

func (f ZapStructuredLogger) Errorf(format string, v ...any) {
	f.logger.Errorf(format, v...)
}

func (f ZapStructuredLogger) Warningf(format string, v ...any) {
	f.logger.Warnf(format, v...)
}

func (f ZapStructuredLogger) Infof(format string, v ...any) {
	f.logger.Infof(format, v...)
}

func (f ZapStructuredLogger) Debugf(format string, v ...any) {
	f.logger.Debugf(format, v...)
}

// The process-wide logger. Plugins log through the package-level functions
// so the sink can be swapped once by the logger plugin.
var global atomic.Pointer[ZapStructuredLogger]

func init() {
	global.Store(Default())
}

// SetGlobal installs l as the process-wide logger.
func SetGlobal(l *ZapStructuredLogger) {
	global.Store(l)
}

func Errorf(format string, v ...any)   { global.Load().Errorf(format, v...) }
func Warningf(format string, v ...any) { global.Load().Warningf(format, v...) }
func Infof(format string, v ...any)    { global.Load().Infof(format, v...) }
func Debugf(format string, v ...any)   { global.Load().Debugf(format, v...) }
