package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/mcu-studio/internal/config"
)

func newTestConsole(t *testing.T) *console {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Serial.MockMode = true
	return newConsole(cfg)
}

func TestCloseWithFullEventQueue(t *testing.T) {
	c := newTestConsole(t)
	require.NoError(t, c.ch.Open("mock://nodemcu"))
	require.True(t, c.ch.IsOpen())

	// 主循环已经停止，events 被填满
	for full := false; !full; {
		select {
		case c.events <- func() {}:
		default:
			full = true
		}
	}

	done := make(chan struct{})
	go func() {
		c.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close blocked on a full event queue")
	}
	assert.False(t, c.ch.IsOpen())
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "init.lua", baseName("/tmp/init.lua"))
	assert.Equal(t, "init.lua", baseName(`C:\lua\init.lua`))
	assert.Equal(t, "init.lua", baseName("init.lua"))
}
