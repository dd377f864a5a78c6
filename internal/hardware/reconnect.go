package hardware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PortWatcher 串口断线重连：意外断开后轮询端口列表，端口重新出现时重新打开。
// 只恢复连接，不重放命令。
type PortWatcher struct {
	transport   *Transport
	interval    time.Duration
	maxInterval time.Duration
	logger      *zap.Logger

	mu          sync.Mutex
	target      string // 等待重新打开的端口，空表示无需重连
	stopCh      chan struct{}
	reconnectCh chan struct{}
}

// NewPortWatcher 创建重连监控
func NewPortWatcher(t *Transport, interval, maxInterval time.Duration, log *zap.Logger) *PortWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxInterval < interval {
		maxInterval = interval
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &PortWatcher{
		transport:   t,
		interval:    interval,
		maxInterval: maxInterval,
		logger:      log,
		reconnectCh: make(chan struct{}, 1),
	}
	t.AddStateHandler(w.handleState)
	return w
}

// Start 启动重连循环
func (w *PortWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		return fmt.Errorf("重连监控已启动")
	}
	w.stopCh = make(chan struct{})
	go w.reconnectLoop(w.stopCh)
	return nil
}

// Stop 停止重连循环
func (w *PortWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
	w.target = ""
}

// Pending 正在等待重连的端口
func (w *PortWatcher) Pending() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.target
}

func (w *PortWatcher) handleState(ev StateEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ev.Open || ev.Cause == nil {
		// 打开成功或主动关闭，取消重连
		w.target = ""
		return
	}

	w.target = ev.Port
	w.logger.Warn("检测到串口断线，等待重连",
		zap.String("port", ev.Port),
		zap.Error(ev.Cause))

	select {
	case w.reconnectCh <- struct{}{}:
	default:
		// 已经有重连请求在队列中
	}
}

// reconnectLoop 重连循环
func (w *PortWatcher) reconnectLoop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-w.reconnectCh:
		}

		interval := w.interval
		retry := 0
		for {
			select {
			case <-stopCh:
				return
			case <-time.After(interval):
			}

			target := w.Pending()
			if target == "" || w.transport.IsOpen() {
				break
			}

			retry++
			if err := w.tryReopen(target); err != nil {
				w.logger.Debug("重连失败，等待重试",
					zap.String("port", target),
					zap.Int("retry", retry),
					zap.Duration("interval", interval),
					zap.Error(err))

				// 逐渐增加重连间隔
				interval *= 2
				if interval > w.maxInterval {
					interval = w.maxInterval
				}
				continue
			}

			w.logger.Info("串口重连成功",
				zap.String("port", target),
				zap.Int("retry_count", retry))
			break
		}
	}
}

func (w *PortWatcher) tryReopen(target string) error {
	ports, err := w.transport.ListPorts()
	if err != nil {
		return err
	}
	found := false
	for _, p := range ports {
		if p == target {
			found = true
			break
		}
	}
	// tcp:// 端口不会出现在枚举结果里，直接尝试
	if !found && !strings.HasPrefix(target, "tcp://") {
		return fmt.Errorf("端口 %s 尚未出现", target)
	}
	return w.transport.Open(target)
}
