package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _log = logrus.New()

// Init initializes the global logger with output writer and level.
// Debug logs are human-readable text, anything else is JSON.
// An unknown level falls back to info.
func Init(level string, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	_log.SetOutput(out)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	_log.SetLevel(lvl)
	if lvl >= logrus.DebugLevel {
		_log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		_log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// RotatingOutput returns a writer that tees to stdout and a rotating log file.
// If the log directory cannot be created, stdout alone is returned.
func RotatingOutput(logFile string) io.Writer {
	if logFile == "" {
		return os.Stdout
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return os.Stdout
	}
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotator)
}

// Log returns a standard logger entry to use across packages.
func Log() *logrus.Entry {
	return logrus.NewEntry(_log)
}

// WithFields returns a logger entry with provided fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log().WithFields(fields)
}
