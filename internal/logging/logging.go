// internal/logging/logging.go
package logging

import (
	"io"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// New builds the process logger. Production gets JSON lines, everything else text.
func New(environment string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if environment == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
		logger.SetLevel(logrus.InfoLevel)
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

// InitSentry enables error capture. An empty DSN leaves Sentry disabled and
// every capture call becomes a no-op.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

// Flush waits for buffered Sentry events before shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// LogError logs err with structured context and reports it to Sentry.
func LogError(log logrus.FieldLogger, errorType string, err error, fields logrus.Fields) {
	entry := log.WithFields(fields).WithFields(logrus.Fields{
		"error_type": errorType,
		"error":      err.Error(),
	})
	entry.Error("error occurred")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", errorType)
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

// LogEvent logs an informational event and leaves a Sentry breadcrumb for context.
func LogEvent(log logrus.FieldLogger, eventType string, fields logrus.Fields) {
	log.WithFields(fields).WithField("event_type", eventType).Info("event occurred")

	sentry.AddBreadcrumb(&sentry.Breadcrumb{
		Type:      "info",
		Category:  eventType,
		Data:      fields,
		Timestamp: time.Now(),
	})
}

// Discard is a logger for tests and tools that should stay quiet.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
