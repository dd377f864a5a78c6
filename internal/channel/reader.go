package channel

import (
	"strings"
	"sync"
	"time"

	"github.com/wfunc/mcu-studio/internal/errors"
)

// Capture 一次交换捕获到的原始文本
type Capture struct {
	Text     string
	Partial  bool // 超时结束，未见到提示符
	EchoSeen bool
}

type pendingExchange struct {
	cmd      string
	buf      strings.Builder
	echoEnd  int // 回显结束位置，-1 表示尚未见到回显
	lastData time.Time
	done     chan struct{}
	finished bool
	capture  Capture
	err      error
}

// ResponseReader 响应读取器：由传输层的数据回调喂数据，按回显和提示符切分出一次命令的响应
type ResponseReader struct {
	lineEnding  string
	prompts     []string
	expectEcho  bool // 为 true 时回显之前的提示符不结束交换
	unsolicited func(string)

	mu         sync.Mutex
	quiescence time.Duration
	maxWait    time.Duration
	pending    *pendingExchange
}

// NewResponseReader 创建读取器；unsolicited 接收没有命令等待时到达的数据
func NewResponseReader(opts Options, unsolicited func(string)) *ResponseReader {
	if unsolicited == nil {
		unsolicited = func(string) {}
	}
	return &ResponseReader{
		lineEnding:  opts.LineEnding,
		prompts:     append([]string(nil), opts.Prompts...),
		expectEcho:  opts.ExpectEcho,
		unsolicited: unsolicited,
		quiescence:  opts.QuiescenceTimeout,
		maxWait:     opts.MaxWait,
	}
}

// SetTimeouts 更新静默超时与最长等待
func (r *ResponseReader) SetTimeouts(quiescence, maxWait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if quiescence > 0 {
		r.quiescence = quiescence
	}
	if maxWait > 0 {
		r.maxWait = maxWait
	}
}

// Timeouts 当前超时设置
func (r *ResponseReader) Timeouts() (quiescence, maxWait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiescence, r.maxWait
}

// Begin 在写命令之前登记等待，保证不会错过回显
func (r *ResponseReader) Begin(cmd string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil && !r.pending.finished {
		r.pending.finish(Capture{}, errors.New(errors.ErrCanceled, "被新的命令取代"))
	}
	r.pending = &pendingExchange{
		cmd:      cmd,
		echoEnd:  -1,
		lastData: time.Now(),
		done:     make(chan struct{}),
	}
}

// Cancel 放弃当前等待（写入失败时）
func (r *ResponseReader) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil && !r.pending.finished {
		r.pending.finish(Capture{}, errors.New(errors.ErrCanceled))
	}
	r.pending = nil
}

// Abort 连接丢失时立即结束等待
func (r *ResponseReader) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	if p == nil || p.finished {
		return
	}
	p.finish(r.partialCapture(p), err)
}

// Feed 传输层数据回调
func (r *ResponseReader) Feed(chunk []byte) {
	r.mu.Lock()
	p := r.pending
	if p == nil || p.finished {
		r.mu.Unlock()
		r.unsolicited(string(chunk))
		return
	}

	p.buf.Write(chunk)
	p.lastData = time.Now()
	text, ok, stray := r.complete(p)
	if stray != "" {
		// 先交出回显之前的数据，再结束交换
		r.mu.Unlock()
		r.unsolicited(stray)
		r.mu.Lock()
	}
	if ok && !p.finished {
		p.finish(Capture{Text: text, EchoSeen: p.echoEnd >= 0}, nil)
	}
	r.mu.Unlock()
}

// Await 等待当前交换结束：见到提示符、静默超时或达到最长等待
func (r *ResponseReader) Await() (Capture, error) {
	r.mu.Lock()
	p := r.pending
	quiescence, maxWait := r.quiescence, r.maxWait
	r.mu.Unlock()

	if p == nil {
		return Capture{}, errors.New(errors.ErrUnexpectedFault, "没有等待中的命令")
	}
	defer r.release(p)

	ceiling := time.NewTimer(maxWait)
	defer ceiling.Stop()
	idle := time.NewTimer(quiescence)
	defer idle.Stop()

	for {
		select {
		case <-p.done:
			return p.capture, p.err

		case <-idle.C:
			r.mu.Lock()
			quiet := time.Since(p.lastData)
			if quiet >= quiescence {
				r.expire(p)
				r.mu.Unlock()
				continue
			}
			r.mu.Unlock()
			// 期间有新数据，按最后一次数据重新计时
			idle.Reset(quiescence - quiet)

		case <-ceiling.C:
			r.mu.Lock()
			r.expire(p)
			r.mu.Unlock()
		}
	}
}

func (r *ResponseReader) release(p *pendingExchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == p {
		r.pending = nil
	}
}

// expire 超时结束：见到回显则返回部分响应，否则返回已捕获的文本和超时错误
func (r *ResponseReader) expire(p *pendingExchange) {
	if p.finished {
		return
	}
	capture := r.partialCapture(p)
	if capture.EchoSeen {
		p.finish(capture, nil)
		return
	}
	p.finish(capture, errors.Newf(errors.ErrResponseTimeout, "命令 %q 无响应", p.cmd))
}

func (r *ResponseReader) partialCapture(p *pendingExchange) Capture {
	s := p.buf.String()
	if p.echoEnd >= 0 {
		return Capture{Text: s[p.echoEnd:], Partial: true, EchoSeen: true}
	}
	return Capture{Text: s, Partial: true}
}

// complete 判断响应是否结束，返回回显之后、提示符之前的文本。
// 要求回显时，回显之前的数据（开机信息、上一条命令迟到的输出）作为 stray 返回
func (r *ResponseReader) complete(p *pendingExchange) (text string, ok bool, stray string) {
	s := p.buf.String()

	if p.echoEnd < 0 {
		start, end := r.findEcho(s, p.cmd)
		switch {
		case end >= 0:
			p.echoEnd = end
			if r.expectEcho {
				stray = s[:start]
			}
		case r.expectEcho:
			return "", false, ""
		}
	}

	body := s
	if p.echoEnd >= 0 {
		body = s[p.echoEnd:]
	}

	for _, prompt := range r.prompts {
		if !strings.HasSuffix(body, prompt) {
			continue
		}
		before := body[:len(body)-len(prompt)]
		// 提示符必须在行首
		if before == "" || strings.HasSuffix(before, "\n") {
			return before, true, stray
		}
	}
	return "", false, stray
}

// findEcho 查找回显行，返回回显的起始位置和回显（含行结束符）之后的位置，未找到时为 -1
func (r *ResponseReader) findEcho(s, cmd string) (start, end int) {
	idx := strings.Index(s, cmd)
	if idx < 0 {
		return -1, -1
	}
	end = idx + len(cmd)
	rest := s[end:]
	switch {
	case strings.HasPrefix(rest, r.lineEnding):
		return idx, end + len(r.lineEnding)
	case strings.HasPrefix(rest, "\n"):
		return idx, end + 1
	case rest == "" || strings.HasPrefix(r.lineEnding, rest):
		// 行结束符还没收全
		return -1, -1
	}
	return idx, end
}

func (p *pendingExchange) finish(c Capture, err error) {
	p.capture = c
	p.err = err
	p.finished = true
	close(p.done)
}
