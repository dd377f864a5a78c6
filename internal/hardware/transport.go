package hardware

import (
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/wfunc/mcu-studio/internal/errors"
	"go.uber.org/zap"
)

// 连续未知读错误达到该次数视为设备断开
const maxUnknownReadErrors = 20

// DataHandler 收到数据回调（在读协程中调用，不要阻塞）
type DataHandler func(chunk []byte)

// StateEvent 端口状态变化
type StateEvent struct {
	Open  bool
	Port  string
	Cause error // 非nil表示意外断开
}

// StateHandler 状态变化回调
type StateHandler func(ev StateEvent)

// TransportOption 传输层选项
type TransportOption func(*Transport)

// WithOpener 替换端口打开函数（测试注入模拟端口）
func WithOpener(opener Opener) TransportOption {
	return func(t *Transport) { t.opener = opener }
}

// WithLister 替换端口枚举函数
func WithLister(lister PortLister) TransportOption {
	return func(t *Transport) { t.lister = lister }
}

// Transport 串口传输层：打开/关闭/写入，后台读协程推送数据
type Transport struct {
	config *PortConfig
	opener Opener
	lister PortLister
	logger *zap.Logger

	mu      sync.Mutex
	port    Port
	name    string
	opening bool // 打开过程中不持锁，占住位置防止并发打开
	stopCh  chan struct{}
	doneCh  chan struct{}

	writeMu sync.Mutex

	handlerMu     sync.RWMutex
	dataHandler   DataHandler
	stateHandlers []StateHandler
}

// NewTransport 创建传输层
func NewTransport(cfg *PortConfig, log *zap.Logger, opts ...TransportOption) *Transport {
	if cfg == nil {
		cfg = DefaultPortConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		config: cfg,
		opener: NewOpener(),
		lister: SystemPorts,
		logger: log,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetDataHandler 设置数据回调
func (t *Transport) SetDataHandler(h DataHandler) {
	t.handlerMu.Lock()
	t.dataHandler = h
	t.handlerMu.Unlock()
}

// AddStateHandler 追加状态回调
func (t *Transport) AddStateHandler(h StateHandler) {
	t.handlerMu.Lock()
	t.stateHandlers = append(t.stateHandlers, h)
	t.handlerMu.Unlock()
}

// ListPorts 列出可用串口
func (t *Transport) ListPorts() ([]string, error) {
	return listPorts(t.lister, t.config)
}

// Open 打开串口并启动读协程
func (t *Transport) Open(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New(errors.ErrConnection, "未指定串口")
	}

	t.mu.Lock()
	switch {
	case t.port != nil:
		current := t.name
		t.mu.Unlock()
		return errors.Newf(errors.ErrConnection, "串口已打开: %s", current)
	case t.opening:
		t.mu.Unlock()
		return errors.New(errors.ErrConnection, "串口正在打开")
	}
	t.opening = true
	t.mu.Unlock()

	// tcp:// 端口可能要等到拨号超时，期间 IsOpen/PortName 不能被阻塞
	port, err := t.opener(name, t.config)

	t.mu.Lock()
	t.opening = false
	if err != nil {
		t.mu.Unlock()
		t.logger.Error("打开串口失败", zap.String("port", name), zap.Error(err))
		return errors.Wrapf(err, errors.ErrConnection, "打开串口 %s 失败", name)
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	t.port = port
	t.name = name
	t.stopCh = stopCh
	t.doneCh = doneCh
	t.mu.Unlock()

	t.logger.Info("串口已打开",
		zap.String("port", name),
		zap.Int("baud", t.config.BaudRate))

	// 先通知打开，再启动读协程，保证状态事件有序
	t.notifyState(StateEvent{Open: true, Port: name})
	go t.readLoop(port, stopCh, doneCh)
	return nil
}

// Close 关闭串口（未打开时无操作）
func (t *Transport) Close() error {
	return t.closePort(nil, nil, true)
}

// closePort 关闭当前端口；expected 非nil时仅在仍是同一端口时关闭
func (t *Transport) closePort(expected Port, cause error, wait bool) error {
	t.mu.Lock()
	if t.port == nil || (expected != nil && t.port != expected) {
		t.mu.Unlock()
		return nil
	}
	port, name, stopCh, doneCh := t.port, t.name, t.stopCh, t.doneCh
	t.port = nil
	t.name = ""
	t.stopCh = nil
	t.doneCh = nil
	t.mu.Unlock()

	close(stopCh)
	err := port.Close()
	if wait {
		// 等待读协程退出（最多一个读超时周期）
		<-doneCh
	}

	if cause != nil {
		t.logger.Error("串口连接丢失", zap.String("port", name), zap.Error(cause))
	} else {
		t.logger.Info("串口已关闭", zap.String("port", name))
	}
	t.notifyState(StateEvent{Open: false, Port: name, Cause: cause})

	if err != nil && cause == nil {
		return errors.Wrapf(err, errors.ErrConnection, "关闭串口 %s 失败", name)
	}
	return nil
}

// Write 写入原始字节
func (t *Transport) Write(p []byte) error {
	t.mu.Lock()
	port, name := t.port, t.name
	t.mu.Unlock()

	if port == nil {
		return errors.New(errors.ErrConnection, "串口未打开")
	}

	t.writeMu.Lock()
	_, err := port.Write(p)
	t.writeMu.Unlock()

	if err != nil {
		if isDisconnectError(err) {
			t.closePort(port, err, false)
			return errors.Wrapf(err, errors.ErrConnectionLost, "写入 %s 时设备断开", name)
		}
		return errors.Wrapf(err, errors.ErrConnection, "写入 %s 失败", name)
	}
	return nil
}

// IsOpen 是否已打开
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// PortName 当前端口名
func (t *Transport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// readLoop 读取循环
func (t *Transport) readLoop(port Port, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	buffer := make([]byte, 1024)
	unknownErrors := 0

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		n, err := port.Read(buffer)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			t.logger.Debug("串口接收原始数据",
				zap.String("ascii", string(chunk)),
				zap.String("hex", fmt.Sprintf("% X", chunk)),
				zap.Int("bytes", n))
			t.emitData(chunk)
		}

		if err == nil {
			unknownErrors = 0
			continue
		}

		// 主动关闭导致的读错误
		select {
		case <-stopCh:
			return
		default:
		}

		switch {
		case isTransientError(err):
			// EOF不是致命错误，tarm/serial 读超时返回 EOF
			if n == 0 {
				time.Sleep(10 * time.Millisecond)
			}
			continue
		case isDisconnectError(err):
			go t.closePort(port, err, false)
			return
		}

		unknownErrors++
		t.logger.Debug("读取串口数据错误", zap.Error(err), zap.Int("count", unknownErrors))
		if unknownErrors >= maxUnknownReadErrors {
			go t.closePort(port, err, false)
			return
		}
		// 短暂休眠避免CPU占用过高
		time.Sleep(10 * time.Millisecond)
	}
}

func (t *Transport) emitData(chunk []byte) {
	t.handlerMu.RLock()
	h := t.dataHandler
	t.handlerMu.RUnlock()
	if h != nil {
		h(chunk)
	}
}

func (t *Transport) notifyState(ev StateEvent) {
	t.handlerMu.RLock()
	handlers := make([]StateHandler, len(t.stateHandlers))
	copy(handlers, t.stateHandlers)
	t.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func isTransientError(err error) bool {
	if stderrors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout")
}

// isDisconnectError 判断是否为设备断开类错误
func isDisconnectError(err error) bool {
	if stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, os.ErrClosed) ||
		stderrors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"device not configured",
		"broken pipe",
		"input/output error",
		"no such file or directory",
		"no such device",
		"bad file descriptor",
		"connection reset",
		"use of closed",
		"file already closed",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
