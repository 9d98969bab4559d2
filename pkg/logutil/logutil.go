// Package logutil provides per-package loggers on top of one shared logrus logger.
package logutil

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu   sync.Mutex
	root = newRootLogger()
)

func newRootLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000000",
	})
	return l
}

// NewPackageLogger returns a logger whose lines carry the package name.
// All package loggers share the root logger's level, output and formatter.
func NewPackageLogger(pkg string) *logrus.Entry {
	return root.WithField("pkg", pkg)
}

// Root returns the shared logger.
func Root() *logrus.Logger {
	return root
}

// SetLevel sets the level of every package logger.
func SetLevel(lvl logrus.Level) {
	mu.Lock()
	root.SetLevel(lvl)
	mu.Unlock()
}

// SetOutput redirects every package logger.
func SetOutput(w io.Writer) {
	mu.Lock()
	root.SetOutput(w)
	mu.Unlock()
}

// SetFormatter replaces the formatter, e.g. with &logrus.JSONFormatter{}.
func SetFormatter(f logrus.Formatter) {
	mu.Lock()
	root.SetFormatter(f)
	mu.Unlock()
}

// ParseLevel accepts "debug", "info", "warn", "error" (case-insensitive).
func ParseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("logutil: unknown log level %q", s)
	}
}
