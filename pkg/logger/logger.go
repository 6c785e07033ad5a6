package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Logger wraps logrus.Logger and carries a set of context fields that are
// attached to every entry it writes.
type Logger struct {
	*logrus.Logger
	fields logrus.Fields
}

// Config holds logger configuration
type Config struct {
	Level  string
	Format string
	Output string
	File   string
}

// New creates a new logger instance with the given configuration
func New(config Config) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}
	base.SetLevel(level)

	switch config.Format {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		})
	default:
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	}

	var output io.Writer
	switch config.Output {
	case "stderr":
		output = os.Stderr
	case "file":
		if config.File == "" {
			config.File = "region-router.log"
		}

		if err := os.MkdirAll(filepath.Dir(config.File), 0755); err != nil {
			return nil, err
		}

		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, err
		}
		output = file
	default:
		output = os.Stdout
	}
	base.SetOutput(output)

	return &Logger{
		Logger: base,
		fields: make(logrus.Fields),
	}, nil
}

// NewWithWriter builds a logger writing JSON entries to w. Tests use it with
// io.Discard or a buffer they inspect afterwards.
func NewWithWriter(w io.Writer, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	base.SetOutput(w)
	return &Logger{Logger: base, fields: make(logrus.Fields)}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(io.Discard, logrus.PanicLevel)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(logrus.Fields{key: value})
}

// WithFields adds multiple fields to the logger context
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	merged := make(logrus.Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	return &Logger{
		Logger: l.Logger,
		fields: merged,
	}
}

// WithError adds an error field to the logger context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Fields returns a copy of the context fields.
func (l *Logger) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

func (l *Logger) Debug(args ...interface{}) {
	l.Logger.WithFields(l.fields).Debug(args...)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Debugf(format, args...)
}

func (l *Logger) Info(args ...interface{}) {
	l.Logger.WithFields(l.fields).Info(args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Infof(format, args...)
}

func (l *Logger) Warn(args ...interface{}) {
	l.Logger.WithFields(l.fields).Warn(args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Warnf(format, args...)
}

func (l *Logger) Error(args ...interface{}) {
	l.Logger.WithFields(l.fields).Error(args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(args ...interface{}) {
	l.Logger.WithFields(l.fields).Fatal(args...)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Logger.WithFields(l.fields).Fatalf(format, args...)
}

// RequestLogger creates a logger for one admin API request
func (l *Logger) RequestLogger(requestID, method, path, remoteAddr string) *Logger {
	return l.WithFields(logrus.Fields{
		"request_id":  requestID,
		"method":      method,
		"path":        path,
		"remote_addr": remoteAddr,
		"component":   "admin_request",
	})
}

// PipelineLogger creates a logger scoped to one logical operation going
// through the gateway pipeline.
func (l *Logger) PipelineLogger(activityID, operation, resource string) *Logger {
	return l.WithFields(logrus.Fields{
		"activity_id": activityID,
		"operation":   operation,
		"resource":    resource,
		"component":   "pipeline",
	})
}

// EndpointLogger creates a logger with regional endpoint fields
func (l *Logger) EndpointLogger(region, endpointURL string) *Logger {
	return l.WithFields(logrus.Fields{
		"region":       region,
		"endpoint_url": endpointURL,
		"component":    "endpoint_manager",
	})
}

// RefreshLogger creates a logger for topology refresh work
func (l *Logger) RefreshLogger() *Logger {
	return l.WithField("component", "topology_refresh")
}

// CacheLogger creates a logger for a named metadata cache
func (l *Logger) CacheLogger(name string) *Logger {
	return l.WithFields(logrus.Fields{
		"component": "cache",
		"cache":     name,
	})
}

// FailoverLogger creates a logger for partition-level failover
func (l *Logger) FailoverLogger() *Logger {
	return l.WithField("component", "partition_failover")
}

// AdminLogger creates a logger for the diagnostics server
func (l *Logger) AdminLogger() *Logger {
	return l.WithField("component", "admin")
}

// MiddlewareLogger creates a logger with middleware specific fields
func (l *Logger) MiddlewareLogger(middlewareName string) *Logger {
	return l.WithFields(logrus.Fields{
		"component":  "middleware",
		"middleware": middlewareName,
	})
}
