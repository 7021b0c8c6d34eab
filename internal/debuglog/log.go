package debuglog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disables all logging
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a string into a LogLevel
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "OFF":
		return LevelOff
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelWarn:
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

var (
	mu           sync.RWMutex
	currentLevel = LevelOff
	logger       = newDiscardLogger()
	logFile      *os.File
)

func newDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Setup configures the logging system with the specified level and optional file path.
// An empty path or "-" logs to stderr in text form; files get JSON lines.
func Setup(level LogLevel, filePath ...string) error {
	mu.Lock()
	defer mu.Unlock()

	currentLevel = level
	closeFileLocked()

	l := logrus.New()
	if level == LevelOff {
		l.SetOutput(io.Discard)
		logger = l
		return nil
	}
	l.SetLevel(level.logrus())

	var logPath string
	if len(filePath) > 0 {
		logPath = filePath[0]
	}

	if logPath == "" || logPath == "-" {
		l.SetOutput(os.Stderr)
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger = l
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logFile = f
	l.SetOutput(f)
	l.SetFormatter(&logrus.JSONFormatter{})
	logger = l
	return nil
}

// SetOutput redirects log output, used by tests to capture entries.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger.SetOutput(w)
}

// SetLevel changes the current logging level
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	if level != LevelOff {
		logger.SetLevel(level.logrus())
	}
}

// GetLevel returns the current logging level
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// Close closes the log file if open
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	err := closeFileLocked()
	logger = newDiscardLogger()
	currentLevel = LevelOff
	return err
}

func closeFileLocked() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func entry(fields logrus.Fields) (*logrus.Entry, bool) {
	mu.RLock()
	defer mu.RUnlock()
	if currentLevel == LevelOff {
		return nil, false
	}
	return logger.WithFields(fields), true
}

func Debugf(format string, args ...any) {
	if e, ok := entry(nil); ok {
		e.Debugf(format, args...)
	}
}

func Infof(format string, args ...any) {
	if e, ok := entry(nil); ok {
		e.Infof(format, args...)
	}
}

func Warnf(format string, args ...any) {
	if e, ok := entry(nil); ok {
		e.Warnf(format, args...)
	}
}

func Errorf(format string, args ...any) {
	if e, ok := entry(nil); ok {
		e.Errorf(format, args...)
	}
}

// FieldLogger carries structured fields attached to every message.
type FieldLogger struct {
	fields logrus.Fields
}

// WithFields returns a new logger with the specified fields
func WithFields(fields map[string]any) *FieldLogger {
	return &FieldLogger{fields: logrus.Fields(fields)}
}

// With returns a copy of fl with one more field.
func (fl *FieldLogger) With(key string, value any) *FieldLogger {
	fields := make(logrus.Fields, len(fl.fields)+1)
	for k, v := range fl.fields {
		fields[k] = v
	}
	fields[key] = value
	return &FieldLogger{fields: fields}
}

func (fl *FieldLogger) Debugf(format string, args ...any) {
	if e, ok := entry(fl.fields); ok {
		e.Debugf(format, args...)
	}
}

func (fl *FieldLogger) Infof(format string, args ...any) {
	if e, ok := entry(fl.fields); ok {
		e.Infof(format, args...)
	}
}

func (fl *FieldLogger) Warnf(format string, args ...any) {
	if e, ok := entry(fl.fields); ok {
		e.Warnf(format, args...)
	}
}

func (fl *FieldLogger) Errorf(format string, args ...any) {
	if e, ok := entry(fl.fields); ok {
		e.Errorf(format, args...)
	}
}
