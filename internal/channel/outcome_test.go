package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wfunc/mcu-studio/internal/config"
)

func TestClassify(t *testing.T) {
	c := Classifier{LineEnding: "\r\n", Sentinel: "stdin:1: open a file first\r\n"}

	tests := []struct {
		name string
		text string
		want Kind
	}{
		{"bare terminator", "\r\n", KindNoResult},
		{"sentinel", "stdin:1: open a file first\r\n", KindNoResult},
		{"empty response", "", KindData},
		{"single line", "hello\r\n", KindData},
		{"other firmware error", "stdin:1: attempt to call a nil value\r\n", KindData},
		{"sentinel without terminator", "stdin:1: open a file first", KindData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.text))
		})
	}
}

// 已知边界：任何恰好两个字符的响应都会被判为无结果，
// 例如合法输出 "ok"。这是为兼容现有固件保留的规则。
func TestClassifyKnownEdgeCaseTwoCharacterResponse(t *testing.T) {
	c := Classifier{LineEnding: "\r\n", Sentinel: "stdin:1: open a file first\r\n"}
	assert.Equal(t, KindNoResult, c.Classify("ok"))
	assert.Equal(t, KindNoResult, c.Classify("7\n"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "data", KindData.String())
	assert.Equal(t, "no_result", KindNoResult.String())
	assert.Equal(t, "unknown", Kind(9).String())
}

func TestOptionsFrom(t *testing.T) {
	opts := OptionsFrom(config.ChannelConfig{Prompts: []string{"$ "}})
	assert.Equal(t, []string{"$ "}, opts.Prompts)
	assert.Equal(t, "\r\n", opts.LineEnding)
	assert.Equal(t, DefaultOptions().MaxWait, opts.MaxWait)
	assert.True(t, opts.ExpectEcho)

	off := false
	opts = OptionsFrom(config.ChannelConfig{ExpectEcho: &off})
	assert.False(t, opts.ExpectEcho)
}
