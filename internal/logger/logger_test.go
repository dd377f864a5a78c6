package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/mcu-studio/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestBuildWritesRotatingFiles(t *testing.T) {
	dir := t.TempDir()
	l, modules, err := build(&config.LogConfig{
		Level:   "debug",
		Format:  "json",
		Output:  "file",
		File:    config.LogFileConfig{Path: dir, Filename: "test.log", MaxSize: 1},
		Modules: map[string]string{"serial": "warn"},
	})
	require.NoError(t, err)
	require.Contains(t, modules, "serial")

	l.Info("hello")
	l.Error("boom")
	_ = l.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")

	errData, err := os.ReadFile(filepath.Join(dir, "error.log"))
	require.NoError(t, err)
	assert.Contains(t, string(errData), "boom")
	assert.NotContains(t, string(errData), "hello")
}

func TestSetLevel(t *testing.T) {
	SetLevel("error")
	assert.Equal(t, zapcore.ErrorLevel, level.Level())
	SetLevel("info")
	assert.Equal(t, zapcore.InfoLevel, level.Level())
}

func TestUninitializedLoggerIsSafe(t *testing.T) {
	assert.NotPanics(t, func() {
		WithModule("channel").Info("nothing configured")
		LogExchange("print(1)", "1\r\n", "data", 0, nil)
	})
}
