package channel

import (
	"time"

	"github.com/wfunc/mcu-studio/internal/config"
)

// Kind 响应分类
type Kind int

const (
	// KindData 有数据（包括空响应）
	KindData Kind = iota
	// KindNoResult 固件没有给出结果：裸行结束符或“未打开文件”哨兵
	KindNoResult
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindNoResult:
		return "no_result"
	default:
		return "unknown"
	}
}

// Response 一次命令的响应
type Response struct {
	Command string        `json:"command"`
	Text    string        `json:"text"`
	Kind    Kind          `json:"-"`
	Partial bool          `json:"partial"`
	Elapsed time.Duration `json:"elapsed"`
}

// NoResult 循环终止判断
func (r Response) NoResult() bool {
	return r.Kind == KindNoResult
}

// Classifier 失败分类规则。
// 响应长度等于行结束符长度（两个字符）即视为无结果，
// 合法的两字符响应（如 "ok"）也会被判为无结果，这是固件兼容行为。
type Classifier struct {
	LineEnding string
	Sentinel   string
}

// Classify 分类响应文本
func (c Classifier) Classify(text string) Kind {
	if len(text) == len(c.LineEnding) {
		return KindNoResult
	}
	if c.Sentinel != "" && text == c.Sentinel {
		return KindNoResult
	}
	return KindData
}

// Options 通道参数
type Options struct {
	LineEnding        string
	Prompts           []string
	ErrorSentinel     string
	QuiescenceTimeout time.Duration
	MaxWait           time.Duration
	ExpectEcho        bool // 固件会回显输入；关闭后没有回显也按提示符结束
}

// DefaultOptions NodeMCU 默认参数
func DefaultOptions() Options {
	return Options{
		LineEnding:        "\r\n",
		Prompts:           []string{"> ", ">> "},
		ErrorSentinel:     "stdin:1: open a file first\r\n",
		QuiescenceTimeout: 500 * time.Millisecond,
		MaxWait:           10 * time.Second,
		ExpectEcho:        true,
	}
}

// OptionsFrom 从配置构建通道参数
func OptionsFrom(c config.ChannelConfig) Options {
	opts := DefaultOptions()
	if c.LineEnding != "" {
		opts.LineEnding = c.LineEnding
	}
	if len(c.Prompts) > 0 {
		opts.Prompts = c.Prompts
	}
	if c.ErrorSentinel != "" {
		opts.ErrorSentinel = c.ErrorSentinel
	}
	if c.QuiescenceTimeout > 0 {
		opts.QuiescenceTimeout = c.QuiescenceTimeout
	}
	if c.MaxWait > 0 {
		opts.MaxWait = c.MaxWait
	}
	if c.ExpectEcho != nil {
		opts.ExpectEcho = *c.ExpectEcho
	}
	return opts
}
