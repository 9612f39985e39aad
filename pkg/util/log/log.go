// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Iotistica (https://www.iotistic.cloud/).
// Copyright 2024-present Iotistica, Inc.

// Package log implements the agent-wide leveled logger. A single global
// logger writes line-delimited JSON to stdout; additional sinks (such as the
// cloud log uploader) can be registered at runtime and receive every record
// that passes the level gate. All messages and field values are scrubbed for
// credentials before leaving this package.
package log

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the agent log level. Ordering is debug < info < warn < error.
type Level int8

// Supported levels.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// ParseLevel returns the level named by s.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug, true
	case "info", "":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "critical":
		return LevelError, true
	}
	return LevelInfo, false
}

// Component identifies the subsystem emitting a record. The set is closed;
// new subsystems add a constant here.
type Component string

// Known components.
const (
	ComponentAgent            Component = "agent"
	ComponentAPI              Component = "api"
	ComponentContainerManager Component = "container-manager"
	ComponentStateReconciler  Component = "state-reconciler"
	ComponentCloudSync        Component = "cloud-sync"
	ComponentMQTT             Component = "mqtt"
	ComponentProvisioning     Component = "provisioning"
	ComponentDatabase         Component = "database"
	ComponentAnomaly          Component = "anomaly"
	ComponentAdapter          Component = "adapter"
	ComponentLogUpload        Component = "log-upload"
)

// Record is the structured form of a log line handed to additional sinks.
type Record struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"-"`
	LevelName string            `json:"level"`
	Component Component         `json:"component"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sink receives records that passed the level gate, after scrubbing. Sinks
// must not block; slow delivery is the sink's problem to solve.
type Sink interface {
	Write(Record)
	Flush()
}

type agentLogger struct {
	inner *zap.Logger
	level Level
	extra map[string]Sink
	l     sync.RWMutex
}

var (
	logger *agentLogger

	// Lines logged before SetupLogger runs are buffered and replayed once
	// the logger exists. The buffer should be very short lived: setup is
	// one of the first things the agent does.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
)

// SetupLogger configures the global logger to write line-delimited JSON to w
// at the given minimum level, then replays any buffered pre-init lines.
func SetupLogger(w io.Writer, level string) {
	lvl, ok := ParseLevel(level)
	if !ok {
		lvl = LevelInfo
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), zapcore.DebugLevel)

	logger = &agentLogger{
		inner: zap.New(core),
		level: lvl,
		extra: make(map[string]Sink),
	}

	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	buffered := logsBuffer
	logsBuffer = nil
	bufferMutex.Unlock()
	for _, line := range buffered {
		line()
	}
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()
	if bufferLogsBeforeInit {
		logsBuffer = append(logsBuffer, logHandle)
	}
}

func (al *agentLogger) shouldLog(level Level) bool {
	al.l.RLock()
	defer al.l.RUnlock()
	return level >= al.level
}

func (al *agentLogger) write(rec Record) {
	zfields := make([]zap.Field, 0, len(rec.Fields)+1)
	zfields = append(zfields, zap.String("component", string(rec.Component)))
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zfields = append(zfields, zap.String(k, rec.Fields[k]))
	}

	al.l.RLock()
	defer al.l.RUnlock()
	switch rec.Level {
	case LevelDebug:
		al.inner.Debug(rec.Message, zfields...)
	case LevelInfo:
		al.inner.Info(rec.Message, zfields...)
	case LevelWarn:
		al.inner.Warn(rec.Message, zfields...)
	case LevelError:
		al.inner.Error(rec.Message, zfields...)
	}
	for _, s := range al.extra {
		s.Write(rec)
	}
}

func logRecord(level Level, c Component, msg string, fields map[string]string, buffered func()) {
	if logger == nil {
		addLogToBuffer(buffered)
		return
	}
	if !logger.shouldLog(level) {
		return
	}
	rec := Record{
		Timestamp: time.Now().UTC(),
		Level:     level,
		LevelName: level.String(),
		Component: c,
		Message:   ScrubLine(msg),
		Fields:    scrubFields(fields),
	}
	logger.write(rec)
}

func scrubFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if isSensitiveKey(k) {
			out[k] = redacted
		} else {
			out[k] = ScrubLine(v)
		}
	}
	return out
}

// ComponentLogger scopes the global logger to one component.
type ComponentLogger struct {
	c Component
}

// ForComponent returns a logger tagged with the given component.
func ForComponent(c Component) *ComponentLogger {
	return &ComponentLogger{c: c}
}

// Debugf logs with format at the debug level.
func (cl *ComponentLogger) Debugf(format string, params ...interface{}) {
	msg := fmt.Sprintf(format, params...)
	logRecord(LevelDebug, cl.c, msg, nil, func() { cl.Debugf(format, params...) })
}

// Infof logs with format at the info level.
func (cl *ComponentLogger) Infof(format string, params ...interface{}) {
	msg := fmt.Sprintf(format, params...)
	logRecord(LevelInfo, cl.c, msg, nil, func() { cl.Infof(format, params...) })
}

// Warnf logs with format at the warn level and returns an error carrying the
// formatted message.
func (cl *ComponentLogger) Warnf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	logRecord(LevelWarn, cl.c, msg, nil, func() { cl.Warnf(format, params...) }) //nolint:errcheck
	return errors.New(ScrubLine(msg))
}

// Errorf logs with format at the error level and returns an error carrying
// the formatted message.
func (cl *ComponentLogger) Errorf(format string, params ...interface{}) error {
	msg := fmt.Sprintf(format, params...)
	logRecord(LevelError, cl.c, msg, nil, func() { cl.Errorf(format, params...) }) //nolint:errcheck
	return errors.New(ScrubLine(msg))
}

// Debugw logs a message with structured fields at the debug level.
func (cl *ComponentLogger) Debugw(msg string, fields map[string]string) {
	logRecord(LevelDebug, cl.c, msg, fields, func() { cl.Debugw(msg, fields) })
}

// Infow logs a message with structured fields at the info level.
func (cl *ComponentLogger) Infow(msg string, fields map[string]string) {
	logRecord(LevelInfo, cl.c, msg, fields, func() { cl.Infow(msg, fields) })
}

// Warnw logs a message with structured fields at the warn level.
func (cl *ComponentLogger) Warnw(msg string, fields map[string]string) {
	logRecord(LevelWarn, cl.c, msg, fields, func() { cl.Warnw(msg, fields) })
}

// Errorw logs a message with structured fields at the error level.
func (cl *ComponentLogger) Errorw(msg string, fields map[string]string) {
	logRecord(LevelError, cl.c, msg, fields, func() { cl.Errorw(msg, fields) })
}

var defaultLogger = ForComponent(ComponentAgent)

// Debugf logs with format at the debug level under the agent component.
func Debugf(format string, params ...interface{}) {
	defaultLogger.Debugf(format, params...)
}

// Infof logs with format at the info level under the agent component.
func Infof(format string, params ...interface{}) {
	defaultLogger.Infof(format, params...)
}

// Warnf logs at the warn level under the agent component and returns an
// error containing the formatted message.
func Warnf(format string, params ...interface{}) error {
	return defaultLogger.Warnf(format, params...)
}

// Errorf logs at the error level under the agent component and returns an
// error containing the formatted message.
func Errorf(format string, params ...interface{}) error {
	return defaultLogger.Errorf(format, params...)
}

// RegisterAdditionalLogger registers a named secondary sink.
func RegisterAdditionalLogger(name string, s Sink) error {
	if logger == nil {
		return errors.New("cannot register: logger not initialized")
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	if _, ok := logger.extra[name]; ok {
		return errors.New("logger already registered with that name")
	}
	logger.extra[name] = s
	return nil
}

// UnregisterAdditionalLogger removes a previously registered sink.
func UnregisterAdditionalLogger(name string) error {
	if logger == nil {
		return errors.New("cannot unregister: logger not initialized")
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	delete(logger.extra, name)
	return nil
}

// GetLogLevel returns the current minimum level.
func GetLogLevel() (Level, error) {
	if logger == nil {
		return LevelInfo, errors.New("cannot get loglevel: logger not initialized")
	}
	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level, nil
}

// ChangeLogLevel changes the minimum level at runtime.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	lvl, ok := ParseLevel(level)
	if !ok {
		return fmt.Errorf("bad log level %q", level)
	}
	logger.l.Lock()
	defer logger.l.Unlock()
	logger.level = lvl
	return nil
}

// Flush flushes the local writer and every registered sink. Sinks are
// flushed outside the logger lock: a sink's Flush may itself log or touch
// the logger's settings.
func Flush() {
	if logger == nil {
		return
	}
	logger.l.RLock()
	logger.inner.Sync() //nolint:errcheck
	sinks := make([]Sink, 0, len(logger.extra))
	for _, s := range logger.extra {
		sinks = append(sinks, s)
	}
	logger.l.RUnlock()
	for _, s := range sinks {
		s.Flush()
	}
}
