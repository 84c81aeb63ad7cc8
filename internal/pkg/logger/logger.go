// Package logger provides process-wide structured JSON logging backed by zap,
// with PII redaction of email addresses switched on by default.
package logger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap logger with optional PII redaction.
type Logger struct {
	mu        sync.RWMutex
	zl        *zap.Logger
	redactPII bool
}

var defaultLogger = &Logger{zl: mustBuild("info"), redactPII: true}

// Configure replaces the default logger's level ("debug", "info", "warn",
// "error") and redaction setting.
func Configure(level string, redactPII bool) error {
	zl, err := build(level)
	if err != nil {
		return err
	}
	defaultLogger.mu.Lock()
	defaultLogger.zl = zl
	defaultLogger.redactPII = redactPII
	defaultLogger.mu.Unlock()
	return nil
}

// Sync flushes buffered entries.
func Sync() error {
	defaultLogger.mu.RLock()
	defer defaultLogger.mu.RUnlock()
	return defaultLogger.zl.Sync()
}

// Debug emits a DEBUG-level structured log entry.
func Debug(msg string, fields ...interface{}) { defaultLogger.log(zapcore.DebugLevel, msg, fields...) }

// Info emits an INFO-level structured log entry.
func Info(msg string, fields ...interface{}) { defaultLogger.log(zapcore.InfoLevel, msg, fields...) }

// Warn emits a WARN-level structured log entry.
func Warn(msg string, fields ...interface{}) { defaultLogger.log(zapcore.WarnLevel, msg, fields...) }

// Error emits an ERROR-level structured log entry.
func Error(msg string, fields ...interface{}) { defaultLogger.log(zapcore.ErrorLevel, msg, fields...) }

func (l *Logger) log(level zapcore.Level, msg string, fields ...interface{}) {
	l.mu.RLock()
	zl, redact := l.zl, l.redactPII
	l.mu.RUnlock()

	ce := zl.Check(level, msg)
	if ce == nil {
		return
	}
	ce.Write(toFields(redact, fields)...)
}

// toFields converts alternating key/value pairs into zap fields. A trailing
// key without a value is dropped.
func toFields(redact bool, kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		switch v := kv[i+1].(type) {
		case string:
			if redact {
				v = redactPIIValue(key, v)
			}
			out = append(out, zap.String(key, v))
		case error:
			s := v.Error()
			if redact {
				s = redactPIIValue(key, s)
			}
			out = append(out, zap.String(key, s))
		case fmt.Stringer:
			s := v.String()
			if redact {
				s = redactPIIValue(key, s)
			}
			out = append(out, zap.String(key, s))
		default:
			out = append(out, zap.Any(key, v))
		}
	}
	return out
}

func build(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.TimeKey = "time"
	cfg.DisableStacktrace = true
	cfg.Sampling = nil

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	case "", "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return cfg.Build(zap.AddCallerSkip(2))
}

func mustBuild(level string) *zap.Logger {
	zl, err := build(level)
	if err != nil {
		return zap.NewNop()
	}
	return zl
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "email") {
		return RedactEmail(val)
	}
	// Redact any embedded emails in generic fields
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
