package channel

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/hardware"
	"github.com/wfunc/mcu-studio/internal/logger"
	"go.uber.org/zap"
)

// Session 持有通道锁期间可用的命令原语（由 Do 提供，不会重复加锁）
type Session interface {
	ExecuteAndWait(cmd string) (bool, error)
	ExecuteWaitAndRead(cmd string) (Response, error)
}

// Channel 命令通道：在带回显的异步字节流上实现同步的请求/响应。
// 同一时刻只有一个命令在执行；每次持锁对应一对 BusyChanged(true)/BusyChanged(false)。
type Channel struct {
	transport  *hardware.Transport
	reader     *ResponseReader
	classifier Classifier
	lineEnding string
	logger     *zap.Logger

	guard sync.Mutex
	busy  atomic.Bool

	observers observers
}

// New 创建命令通道并接管传输层的数据和状态回调
func New(t *hardware.Transport, opts Options, log *zap.Logger) *Channel {
	if log == nil {
		log = logger.WithModule("channel")
	}
	c := &Channel{
		transport: t,
		classifier: Classifier{
			LineEnding: opts.LineEnding,
			Sentinel:   opts.ErrorSentinel,
		},
		lineEnding: opts.LineEnding,
		logger:     log,
	}
	c.reader = NewResponseReader(opts, c.dataArrived)
	t.SetDataHandler(c.reader.Feed)
	t.AddStateHandler(c.stateChanged)
	return c
}

// Subscribe 订阅事件，返回取消订阅函数
func (c *Channel) Subscribe(obs Observer) func() {
	return c.observers.add(obs)
}

// ListPorts 列出可用串口
func (c *Channel) ListPorts() ([]string, error) {
	return c.transport.ListPorts()
}

// Open 打开串口
func (c *Channel) Open(name string) error {
	return c.transport.Open(name)
}

// Close 关闭串口；正在执行的命令以 ErrConnectionLost 结束
func (c *Channel) Close() error {
	return c.transport.Close()
}

// IsOpen 串口是否打开
func (c *Channel) IsOpen() bool {
	return c.transport.IsOpen()
}

// PortName 当前串口
func (c *Channel) PortName() string {
	return c.transport.PortName()
}

// IsBusy 是否有命令在执行
func (c *Channel) IsBusy() bool {
	return c.busy.Load()
}

// SetTimeouts 运行时调整超时（配置热更新）
func (c *Channel) SetTimeouts(quiescence, maxWait time.Duration) {
	c.reader.SetTimeouts(quiescence, maxWait)
	c.logger.Info("通道超时已更新",
		zap.Duration("quiescence", quiescence),
		zap.Duration("max_wait", maxWait))
}

// Timeouts 当前超时
func (c *Channel) Timeouts() (quiescence, maxWait time.Duration) {
	return c.reader.Timeouts()
}

// ExecuteAndWait 执行命令并等待结束；响应被判为无结果时返回 false
func (c *Channel) ExecuteAndWait(cmd string) (bool, error) {
	release := c.acquire()
	defer release()
	return c.executeAndWait(cmd)
}

// ExecuteWaitAndRead 执行命令并返回完整响应
func (c *Channel) ExecuteWaitAndRead(cmd string) (Response, error) {
	release := c.acquire()
	defer release()
	return c.exchange(cmd)
}

// Do 在一次持锁期间执行多步操作，其他调用方的命令不会插入其中。
// fn 内只能使用传入的 Session，直接调用 Channel 的方法会死锁。
func (c *Channel) Do(fn func(s Session) error) (err error) {
	release := c.acquire()
	defer release()
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, debug.Stack())
			err = errors.Newf(errors.ErrUnexpectedFault, "%v", r)
		}
	}()
	return fn(session{c})
}

// acquire 获取通道锁并通知忙碌，返回的函数恰好释放一次
func (c *Channel) acquire() func() {
	c.guard.Lock()
	c.busy.Store(true)
	c.observers.each(func(o Observer) { o.BusyChanged(true) })

	var once sync.Once
	return func() {
		once.Do(func() {
			c.busy.Store(false)
			c.observers.each(func(o Observer) { o.BusyChanged(false) })
			c.guard.Unlock()
		})
	}
}

func (c *Channel) executeAndWait(cmd string) (bool, error) {
	resp, err := c.exchange(cmd)
	if err != nil {
		return false, err
	}
	return !resp.NoResult(), nil
}

// exchange 写命令、等待响应并分类（调用方已持锁）
func (c *Channel) exchange(cmd string) (Response, error) {
	if strings.ContainsAny(cmd, "\r\n") {
		return Response{Command: cmd}, errors.New(errors.ErrInvalidParam, "命令必须是单行")
	}
	if !c.transport.IsOpen() {
		return Response{Command: cmd}, errors.New(errors.ErrConnection, "串口未打开")
	}

	start := time.Now()
	c.reader.Begin(cmd)
	if err := c.transport.Write([]byte(cmd + c.lineEnding)); err != nil {
		c.reader.Cancel()
		c.publish(Response{Command: cmd, Elapsed: time.Since(start)}, start, err)
		return Response{Command: cmd}, err
	}

	capture, err := c.reader.Await()
	resp := Response{
		Command: cmd,
		Text:    capture.Text,
		Kind:    c.classifier.Classify(capture.Text),
		Partial: capture.Partial,
		Elapsed: time.Since(start),
	}
	if capture.Partial && err == nil {
		c.logger.Warn("未等到提示符，返回部分响应",
			zap.String("command", cmd),
			zap.Int("bytes", len(capture.Text)))
	}
	c.publish(resp, start, err)
	return resp, err
}

func (c *Channel) publish(resp Response, start time.Time, err error) {
	logger.LogExchange(resp.Command, resp.Text, resp.Kind.String(), resp.Elapsed, err)

	ex := Exchange{
		Command:   resp.Command,
		Response:  resp.Text,
		Kind:      resp.Kind,
		Partial:   resp.Partial,
		Err:       err,
		StartedAt: start,
		Duration:  resp.Elapsed,
	}
	c.observers.each(func(o Observer) { o.ExchangeCompleted(ex) })
}

// dataArrived 没有命令等待时收到的数据
func (c *Channel) dataArrived(data string) {
	c.observers.each(func(o Observer) { o.DataArrived(data) })
}

// stateChanged 传输层状态变化；关闭时结束正在等待的命令
func (c *Channel) stateChanged(ev hardware.StateEvent) {
	if !ev.Open {
		cause := ev.Cause
		if cause == nil {
			cause = fmt.Errorf("串口 %s 已关闭", ev.Port)
		}
		c.reader.Abort(errors.Wrap(cause, errors.ErrConnectionLost))
	}
	c.observers.each(func(o Observer) { o.ConnectionChanged(ev.Open) })
}

// session 持锁期间的命令原语
type session struct {
	c *Channel
}

func (s session) ExecuteAndWait(cmd string) (bool, error) {
	return s.c.executeAndWait(cmd)
}

func (s session) ExecuteWaitAndRead(cmd string) (Response, error) {
	return s.c.exchange(cmd)
}
