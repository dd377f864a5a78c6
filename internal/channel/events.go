package channel

import (
	"runtime/debug"
	"sync"
	"time"

	"github.com/wfunc/mcu-studio/internal/logger"
)

// Observer 通道事件订阅者。回调在产生事件的协程上同步调用，不要阻塞。
type Observer interface {
	ConnectionChanged(open bool)
	BusyChanged(busy bool)
	DataArrived(data string)
	ExchangeCompleted(ex Exchange)
}

// Exchange 一次已完成的命令交换
type Exchange struct {
	Command   string
	Response  string
	Kind      Kind
	Partial   bool
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// ObserverFuncs 用函数实现 Observer，未设置的回调忽略
type ObserverFuncs struct {
	OnConnection func(open bool)
	OnBusy       func(busy bool)
	OnData       func(data string)
	OnExchange   func(ex Exchange)
}

func (f ObserverFuncs) ConnectionChanged(open bool) {
	if f.OnConnection != nil {
		f.OnConnection(open)
	}
}

func (f ObserverFuncs) BusyChanged(busy bool) {
	if f.OnBusy != nil {
		f.OnBusy(busy)
	}
}

func (f ObserverFuncs) DataArrived(data string) {
	if f.OnData != nil {
		f.OnData(data)
	}
}

func (f ObserverFuncs) ExchangeCompleted(ex Exchange) {
	if f.OnExchange != nil {
		f.OnExchange(ex)
	}
}

type subscription struct {
	id       int
	observer Observer
}

// observers 订阅者列表
type observers struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

func (o *observers) add(obs Observer) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, observer: obs})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// each 逐个通知；单个订阅者panic不影响其他订阅者和通道状态
func (o *observers) each(fn func(Observer)) {
	o.mu.RLock()
	subs := make([]subscription, len(o.subs))
	copy(subs, o.subs)
	o.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.LogPanic(r, debug.Stack())
				}
			}()
			fn(s.observer)
		}()
	}
}
