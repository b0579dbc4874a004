package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	// Read LOG_LEVEL from environment
	if level, ok := ParseLevel(os.Getenv("LOG_LEVEL")); ok {
		SetLevel(level)
	} else {
		SetLevel(LevelInfo)
	}
}

// ParseLevel converts a level name into a LogLevel
func ParseLevel(s string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// SetLevel changes the level of the process logger
func SetLevel(level LogLevel) {
	switch level {
	case LevelDebug:
		base.SetLevel(logrus.DebugLevel)
	case LevelInfo:
		base.SetLevel(logrus.InfoLevel)
	case LevelWarn:
		base.SetLevel(logrus.WarnLevel)
	default:
		base.SetLevel(logrus.ErrorLevel)
	}
}

// SetFormat switches between "text" and "json" output
func SetFormat(format string) {
	if strings.EqualFold(format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
}

// SetOutput redirects log output
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// Component returns a child logger tagged with the component name
func Component(name string) logrus.FieldLogger {
	return base.WithField("component", name)
}
