package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus entry bound to a component field.
type Logger struct {
	*logrus.Entry
}

// Init configures the process-wide logrus defaults.
func Init(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
}

// New returns a logger tagged with the given component name.
func New(component string) *Logger {
	return &Logger{Entry: logrus.WithField("component", component)}
}

// WithScan returns a child logger carrying the scan id.
func (l *Logger) WithScan(scanID string) *Logger {
	return &Logger{Entry: l.Entry.WithField("scan_id", scanID)}
}

// WithError returns a child logger carrying an error field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{Entry: l.Entry.WithError(err)}
}
