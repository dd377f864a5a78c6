package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/mcu-studio/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address())
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, "\r\n", cfg.Channel.LineEnding)
	assert.Equal(t, []string{"> ", ">> "}, cfg.Channel.Prompts)
	assert.Equal(t, "stdin:1: open a file first\r\n", cfg.Channel.ErrorSentinel)
	assert.Equal(t, 500*time.Millisecond, cfg.Channel.QuiescenceTimeout)
	assert.Equal(t, 10*time.Second, cfg.Channel.MaxWait)
	require.NotNil(t, cfg.Channel.ExpectEcho)
	assert.True(t, *cfg.Channel.ExpectEcho)
	assert.Equal(t, "mock://nodemcu", cfg.Serial.MockPortName)
	assert.False(t, cfg.Serial.AutoReconnect)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
serial:
  port: /dev/ttyUSB0
  mock_mode: true
  baud_rate: 9600
channel:
  quiescence_timeout: 250ms
  max_wait: 3s
  prompts: ["> "]
  expect_echo: false
log:
  level: debug
  modules:
    channel: debug
`))
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	assert.True(t, cfg.Serial.MockMode)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.QuiescenceTimeout)
	assert.Equal(t, 3*time.Second, cfg.Channel.MaxWait)
	assert.Equal(t, []string{"> "}, cfg.Channel.Prompts)
	require.NotNil(t, cfg.Channel.ExpectEcho)
	assert.False(t, *cfg.Channel.ExpectEcho)
	assert.Equal(t, "debug", cfg.Log.Modules["channel"])
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "channel:\n  quiescence_timeout: 2s\n  max_wait: 1s\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigValidate))

	_, err = Load(writeConfig(t, "serial:\n  baud_rate: 0\n"))
	assert.True(t, errors.Is(err, errors.ErrConfigValidate))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfigLoad))
}
