package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus behind the printf-style interface the leaf packages
// consume, so tests can swap in a no-op implementation.
type Logger struct {
	log *logrus.Logger
}

// New creates a logger at the given level ("debug", "info", "warn", "error").
// An unparseable level falls back to info.
func New(level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if parsed, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(parsed)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	return &Logger{log: l}
}

func (l *Logger) Info(format string, v ...interface{})  { l.log.Infof(format, v...) }
func (l *Logger) Debug(format string, v ...interface{}) { l.log.Debugf(format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.log.Warnf(format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.log.Errorf(format, v...) }
