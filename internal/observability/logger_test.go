// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scenepilot/internal/config"
)

// bufferSink adapts a bytes.Buffer to a WriteSyncer.
func bufferSink() (*bytes.Buffer, zapcore.WriteSyncer) {
	var buf bytes.Buffer
	return &buf, zapcore.AddSync(&buf)
}

func TestNewLogger(t *testing.T) {
	t.Run("console format colorizes levels", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := NewLogger(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "green"},
		}, sink)

		logger.Info("This is a test message.")
		require.NoError(t, logger.Sync())

		output := buf.String()
		assert.Contains(t, output, "INFO")
		assert.Contains(t, output, "This is a test message.")
		assert.Contains(t, output, colorGreen)
		assert.Contains(t, output, colorReset)
		assert.Contains(t, output, "TestService.")
	})

	t.Run("unknown color leaves level plain", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := NewLogger(config.LoggerConfig{Level: "info", Format: "console", Colors: config.ColorConfig{Warn: "plaid"}}, sink)

		logger.Warn("plain")
		require.NoError(t, logger.Sync())
		assert.NotContains(t, buf.String(), colorReset)
		assert.Contains(t, buf.String(), "WARN")
	})

	t.Run("json format", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := NewLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)

		logger.Warn("This is a JSON message.", zap.String("key", "value"))
		require.NoError(t, logger.Sync())

		var logEntry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry), "Log output should be valid JSON")
		assert.Equal(t, "warn", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("level filtering", func(t *testing.T) {
		buf, sink := bufferSink()
		logger := NewLogger(config.LoggerConfig{Level: "warn", Format: "json"}, sink)

		logger.Info("dropped")
		require.NoError(t, logger.Sync())
		assert.Empty(t, buf.String())
	})

	t.Run("writes rotated file when configured", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "scenepilot.log")
		_, sink := bufferSink()
		logger := NewLogger(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logFile, MaxSize: 1}, sink)

		logger.Error("This should go to the file.")
		require.NoError(t, logger.Sync())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
	})
}

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("only the first call takes effect", func(t *testing.T) {
		ResetForTest()
		buf, sink := bufferSink()

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, sink)
		logger1 := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, sink)
		logger2 := GetLogger()

		assert.Same(t, logger1, logger2)
		logger2.Info("test")
		Sync()

		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("returns a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("returns the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		_, sink := bufferSink()
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}, sink)

		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
