// Package logging provides structured logging with trace/connector propagation.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to propagate log fields.
type ContextKey string

const (
	// TraceIDKey is the context key for a request/run trace ID.
	TraceIDKey ContextKey = "trace_id"
	// OrgKey is the context key for the organization key.
	OrgKey ContextKey = "org_key"
	// ConnectorKey is the context key for the connector name.
	ConnectorKey ContextKey = "connector"
	// ConnectorInstanceKey is the context key for the connector instance key.
	ConnectorInstanceKey ContextKey = "connector_instance"
)

// Logger wraps logrus.Logger with component-scoped fields.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component.
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a logger from LOG_LEVEL / LOG_FORMAT, defaulting to
// info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry enriched with any trace/org/connector fields
// present on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(OrgKey); v != nil {
		entry = entry.WithField("org_key", v)
	}
	if v := ctx.Value(ConnectorKey); v != nil {
		entry = entry.WithField("connector", v)
	}
	if v := ctx.Value(ConnectorInstanceKey); v != nil {
		entry = entry.WithField("connector_instance", v)
	}

	return entry
}

// WithFields is a convenience wrapper keeping the component field attached.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}
