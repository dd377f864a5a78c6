package hardware

import (
	stderrors "errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	mockBanner         = "\r\nNodeMCU (mcu-studio mock) build 0.9.6\r\n> "
	mockPrompt         = "> "
	mockContinuePrompt = ">> "
	mockCRLF           = "\r\n"

	// 固件在没有打开文件时的错误输出
	mockNoFileError = "stdin:1: open a file first"
)

var (
	reOpen      = regexp.MustCompile(`^print\(file\.open\("((?:[^"\\]|\\.)*)", "([rwa]\+?)"\) and "ok" or ""\)$`)
	reReadLine  = regexp.MustCompile(`^_l = file\.readline\(\) print\(_l and \("\|" \.\. _l\) or ""\)$`)
	reWriteLine = regexp.MustCompile(`^file\.writeline\("((?:[^"\\]|\\.)*)"\)$`)
	reWrite     = regexp.MustCompile(`^file\.write\("((?:[^"\\]|\\.)*)"\)$`)
	reRemove    = regexp.MustCompile(`^file\.remove\("((?:[^"\\]|\\.)*)"\)$`)
	rePrint     = regexp.MustCompile(`^(?:print\((.*)\)|=(.*))$`)
	reAssign    = regexp.MustCompile(`^[A-Za-z_][\w.]*\s*=[^=]`)
	reString    = regexp.MustCompile(`^"((?:[^"\\]|\\.)*)"$`)
	reNumber    = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

const (
	stmtClose    = "file.close()"
	stmtListInit = "_fl = file.list() _fk = nil"
	stmtListNext = `_fk = next(_fl, _fk) print(_fk and (_fk .. "\t" .. _fl[_fk]) or "")`
)

// MockStore 模拟设备的文件系统（多次打开端口共享）
type MockStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMockStore 创建空文件系统
func NewMockStore() *MockStore {
	return &MockStore{files: make(map[string][]byte)}
}

// Put 写入文件
func (s *MockStore) Put(name, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = []byte(content)
}

// Get 读取文件
func (s *MockStore) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return string(data), ok
}

// Names 按名称排序的文件列表
func (s *MockStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *MockStore) size(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return len(data), ok
}

func (s *MockStore) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
}

func (s *MockStore) update(name string, fn func([]byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = fn(s.files[name])
}

// MockHook 拦截一行输入；返回回显之后的全部输出（包括提示符）
type MockHook func(line string) (reply string, handled bool)

// MockOption 模拟REPL选项
type MockOption func(*MockREPL)

// WithMockStore 共享文件系统
func WithMockStore(store *MockStore) MockOption {
	return func(m *MockREPL) { m.store = store }
}

// WithBanner 打开后立即输出启动信息（非请求数据）
func WithBanner(banner string) MockOption {
	return func(m *MockREPL) { m.output = append(m.output, banner...) }
}

// WithDelay 每行处理前的延迟
func WithDelay(d time.Duration) MockOption {
	return func(m *MockREPL) { m.delay = d }
}

// WithoutEcho 不回显输入（部分固件关闭了回显）
func WithoutEcho() MockOption {
	return func(m *MockREPL) { m.noEcho = true }
}

// WithHook 注入自定义应答
func WithHook(hook MockHook) MockOption {
	return func(m *MockREPL) { m.hook = hook }
}

type mockHandle struct {
	name string
	pos  int
}

// MockREPL 模拟 NodeMCU 的 Lua 交互解释器：回显每一行，输出结果，再输出提示符
type MockREPL struct {
	store  *MockStore
	delay  time.Duration
	noEcho bool
	hook   MockHook

	mu      sync.Mutex
	input   []byte
	output  []byte
	failure error
	silent  bool
	notify  chan struct{}
	closed  chan struct{}
	queue   chan string
	once    sync.Once

	pending  int
	overlaps int
	history  []string

	// 解释器状态（仅工作协程访问）
	handle   *mockHandle
	listing  []string
	listNext int
	depth    int
}

var _ Port = (*MockREPL)(nil)

// NewMockREPL 创建模拟REPL
func NewMockREPL(opts ...MockOption) *MockREPL {
	m := &MockREPL{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
		queue:  make(chan string, 1024),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMockStore()
	}
	go m.run()
	return m
}

// Store 文件系统
func (m *MockREPL) Store() *MockStore {
	return m.store
}

// Read 阻塞直到有输出、断开或关闭
func (m *MockREPL) Read(p []byte) (int, error) {
	for {
		m.mu.Lock()
		if len(m.output) > 0 {
			n := copy(p, m.output)
			m.output = m.output[n:]
			m.mu.Unlock()
			return n, nil
		}
		failure := m.failure
		m.mu.Unlock()

		if failure != nil {
			return 0, failure
		}
		select {
		case <-m.closed:
			return 0, os.ErrClosed
		case <-m.notify:
		}
	}
}

// Write 接收输入，按行交给解释器
func (m *MockREPL) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, os.ErrClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return 0, m.failure
	}

	m.input = append(m.input, p...)
	for {
		idx := strings.IndexByte(string(m.input), '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSuffix(string(m.input[:idx]), "\r")
		m.input = m.input[idx+1:]

		// 上一行还没输出提示符就收到新行，说明调用方没有串行化
		if m.pending > 0 {
			m.overlaps++
		}
		m.pending++
		m.history = append(m.history, line)
		m.queue <- line
	}
	return len(p), nil
}

// Close 关闭端口
func (m *MockREPL) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// Emit 输出非请求数据（模拟设备主动打印）
func (m *MockREPL) Emit(text string) {
	m.mu.Lock()
	m.output = append(m.output, text...)
	m.mu.Unlock()
	m.wake()
}

// Disconnect 模拟USB拔出
func (m *MockREPL) Disconnect() {
	m.mu.Lock()
	m.failure = stderrors.New("read /dev/ttyUSB0: input/output error")
	m.mu.Unlock()
	m.wake()
}

// SetSilent 设备无响应（不回显也不输出提示符）
func (m *MockREPL) SetSilent(silent bool) {
	m.mu.Lock()
	m.silent = silent
	m.mu.Unlock()
}

// History 收到的全部输入行
func (m *MockREPL) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.history))
	copy(out, m.history)
	return out
}

// Overlaps 交错写入次数（串行化正确时应为0）
func (m *MockREPL) Overlaps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overlaps
}

func (m *MockREPL) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// run 解释器工作协程，按顺序处理输入行
func (m *MockREPL) run() {
	for {
		select {
		case <-m.closed:
			return
		case line := <-m.queue:
			if m.delay > 0 {
				time.Sleep(m.delay)
			}
			reply := m.respond(line)

			m.mu.Lock()
			if !m.silent {
				if !m.noEcho {
					m.output = append(m.output, (line + mockCRLF)...)
				}
				m.output = append(m.output, reply...)
			}
			m.pending--
			m.mu.Unlock()
			m.wake()
		}
	}
}

// respond 返回回显之后的输出（含提示符）
func (m *MockREPL) respond(line string) string {
	if m.hook != nil {
		if reply, ok := m.hook(line); ok {
			return reply
		}
	}

	out := m.eval(strings.TrimSpace(line))
	if m.depth > 0 {
		return out + mockContinuePrompt
	}
	return out + mockPrompt
}

// eval 执行一行 Lua，返回输出文本
func (m *MockREPL) eval(line string) string {
	// 代码块只跟踪嵌套层级，不执行
	if m.depth > 0 || opensBlock(line) {
		switch {
		case line == "end":
			m.depth--
		case opensBlock(line):
			m.depth++
		}
		return ""
	}

	switch {
	case line == "":
		return ""
	case line == stmtClose:
		m.handle = nil
		return ""
	case line == stmtListInit:
		m.listing = m.store.Names()
		m.listNext = 0
		return ""
	case line == stmtListNext:
		if m.listNext >= len(m.listing) {
			return printed("")
		}
		name := m.listing[m.listNext]
		m.listNext++
		size, _ := m.store.size(name)
		return printed(fmt.Sprintf("%s\t%d", name, size))
	case reReadLine.MatchString(line):
		return m.readLine()
	}

	if sub := reOpen.FindStringSubmatch(line); sub != nil {
		return m.open(unescapeLua(sub[1]), sub[2])
	}
	if sub := reWriteLine.FindStringSubmatch(line); sub != nil {
		return m.write(unescapeLua(sub[1]) + "\n")
	}
	if sub := reWrite.FindStringSubmatch(line); sub != nil {
		return m.write(unescapeLua(sub[1]))
	}
	if sub := reRemove.FindStringSubmatch(line); sub != nil {
		m.store.remove(unescapeLua(sub[1]))
		return ""
	}
	if sub := rePrint.FindStringSubmatch(line); sub != nil {
		expr := sub[1]
		if expr == "" {
			expr = sub[2]
		}
		return m.evalPrint(strings.TrimSpace(expr))
	}
	if reAssign.MatchString(line) {
		return ""
	}

	token := strings.Fields(line)[0]
	return fmt.Sprintf("stdin:1: unexpected symbol near '%s'%s", token, mockCRLF)
}

func (m *MockREPL) open(name, mode string) string {
	_, exists := m.store.size(name)
	switch mode[0] {
	case 'r':
		if !exists {
			return printed("")
		}
	case 'w':
		m.store.Put(name, "")
	case 'a':
		if !exists {
			m.store.Put(name, "")
		}
	}
	m.handle = &mockHandle{name: name}
	if mode[0] == 'a' {
		m.handle.pos, _ = m.store.size(name)
	}
	return printed("ok")
}

func (m *MockREPL) readLine() string {
	if m.handle == nil {
		return mockNoFileError + mockCRLF
	}
	content, ok := m.store.Get(m.handle.name)
	if !ok || m.handle.pos >= len(content) {
		return printed("")
	}
	rest := content[m.handle.pos:]
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[:idx+1]
	}
	m.handle.pos += len(rest)
	return printed("|" + rest)
}

func (m *MockREPL) write(data string) string {
	if m.handle == nil {
		return mockNoFileError + mockCRLF
	}
	name := m.handle.name
	m.store.update(name, func(b []byte) []byte { return append(b, data...) })
	m.handle.pos += len(data)
	return ""
}

func (m *MockREPL) evalPrint(expr string) string {
	switch {
	case expr == "":
		return printed("")
	case expr == "nil":
		return printed("nil")
	case expr == "node.heap()":
		return printed("40960")
	case expr == "node.chipid()":
		return printed("10066329")
	case reNumber.MatchString(expr):
		return printed(expr)
	}
	if sub := reString.FindStringSubmatch(expr); sub != nil {
		return printed(unescapeLua(sub[1]))
	}
	return fmt.Sprintf("stdin:1: attempt to call a nil value%s", mockCRLF)
}

// printed 模拟 print 的输出：UART 把 \n 转成 \r\n
func printed(s string) string {
	return strings.ReplaceAll(s, "\n", mockCRLF) + mockCRLF
}

func opensBlock(line string) bool {
	return strings.HasPrefix(line, "function ") ||
		strings.HasSuffix(line, " do") ||
		strings.HasSuffix(line, " then")
}

// unescapeLua 还原 Lua 字符串转义
func unescapeLua(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
			j := i
			for j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			v, _ := strconv.Atoi(s[i:j])
			b.WriteByte(byte(v))
			i = j - 1
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
