package debuglog

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelOff, "OFF"},
		{LogLevel(42), "UNKNOWN"},
	}

	for _, test := range tests {
		if got := test.level.String(); got != test.expected {
			t.Errorf("LogLevel.String() = %q, want %q", got, test.expected)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"DEBUG", LevelDebug},
		{"debug", LevelDebug},
		{" info ", LevelInfo},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"off", LevelOff},
		{"INVALID", LevelInfo},
		{"", LevelInfo},
	}

	for _, test := range tests {
		if got := ParseLogLevel(test.input); got != test.expected {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", test.input, got, test.expected)
		}
	}
}

func TestSetupWithLevel(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "test.log")

	require.NoError(t, Setup(LevelInfo, logPath))
	require.Equal(t, LevelInfo, GetLevel())

	Debugf("debug message")
	Infof("info message")
	Warnf("warn message")
	Errorf("error message")

	require.NoError(t, Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	logContent := string(content)
	require.NotContains(t, logContent, "debug message")
	require.Contains(t, logContent, "info message")
	require.Contains(t, logContent, "warn message")
	require.Contains(t, logContent, "error message")
}

func TestSetupWithLevelOff(t *testing.T) {
	require.NoError(t, Setup(LevelOff))
	require.Equal(t, LevelOff, GetLevel())

	var buf bytes.Buffer
	SetOutput(&buf)
	Errorf("error message")
	require.Zero(t, buf.Len())
}

func TestFieldLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "field_test.log")
	require.NoError(t, Setup(LevelDebug, logPath))
	defer Close()

	logger := WithFields(map[string]any{
		"component": "test",
		"count":     42,
	}).With("bookmark_id", 7)

	logger.Infof("test message with fields")
	require.NoError(t, Close())

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)

	line := strings.TrimSpace(string(content))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	require.Equal(t, "test message with fields", entry["msg"])
	require.Equal(t, "test", entry["component"])
	require.EqualValues(t, 42, entry["count"])
	require.EqualValues(t, 7, entry["bookmark_id"])
}

func TestSetLevel(t *testing.T) {
	require.NoError(t, Setup(LevelInfo, "-"))
	defer Close()

	var buf bytes.Buffer
	SetOutput(&buf)

	Debugf("hidden")
	require.NotContains(t, buf.String(), "hidden")

	SetLevel(LevelDebug)
	require.Equal(t, LevelDebug, GetLevel())
	Debugf("visible")
	require.Contains(t, buf.String(), "visible")
}
