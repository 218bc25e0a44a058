// Package logger hands out the process-wide logrus logger.
package logger

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log  *logrus.Logger
	once sync.Once
)

// Get returns the shared logger. Level comes from ZIBRA_LOGLEVEL
// (debug, info, warn, error) and format from ZIBRA_LOGFORMAT (text, json).
func Get() *logrus.Logger {
	once.Do(func() {
		log = New(os.Getenv("ZIBRA_LOGLEVEL"), os.Getenv("ZIBRA_LOGFORMAT"))
	})
	return log
}

// New builds a standalone logger.
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	l.Level = ParseLevel(level)
	if strings.EqualFold(format, "json") {
		l.Formatter = &logrus.JSONFormatter{}
	} else {
		l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}
	return l
}

// ParseLevel falls back to info for anything it does not know.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "debug":
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// WithPrefix is the entry each package logs through.
func WithPrefix(prefix string) *logrus.Entry {
	return Get().WithField("prefix", prefix)
}
