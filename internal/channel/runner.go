package channel

import (
	"runtime/debug"
	"sync"

	"github.com/wfunc/mcu-studio/internal/errors"
	"github.com/wfunc/mcu-studio/internal/logger"
	"go.uber.org/zap"
)

// Job 在后台协程上执行的设备操作
type Job func() (interface{}, error)

// Dispatcher 把完成回调交给调用方的调度方式（例如某个事件循环）
type Dispatcher func(func())

// InlineDispatcher 直接在工作协程上调用
func InlineDispatcher(fn func()) { fn() }

type task struct {
	job  Job
	done func(result interface{}, err error)
}

// Runner 单个工作协程按顺序执行设备操作，交互协程提交后立即返回
type Runner struct {
	jobs     chan task
	dispatch Dispatcher
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner 创建并启动工作协程
func NewRunner(queueSize int, dispatch Dispatcher, log *zap.Logger) *Runner {
	if queueSize <= 0 {
		queueSize = 32
	}
	if dispatch == nil {
		dispatch = InlineDispatcher
	}
	if log == nil {
		log = logger.WithModule("runner")
	}
	r := &Runner{
		jobs:     make(chan task, queueSize),
		dispatch: dispatch,
		logger:   log,
	}
	r.wg.Add(1)
	go r.work()
	return r
}

// Submit 提交任务；队列已满返回 ErrDeviceBusy，不会阻塞
func (r *Runner) Submit(job Job, done func(result interface{}, err error)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return errors.New(errors.ErrCanceled, "后台任务已停止")
	}
	select {
	case r.jobs <- task{job: job, done: done}:
		return nil
	default:
		return errors.Newf(errors.ErrDeviceBusy, "任务队列已满(%d)", cap(r.jobs))
	}
}

// Pending 排队中的任务数
func (r *Runner) Pending() int {
	return len(r.jobs)
}

// Close 执行完已排队的任务后停止
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.jobs)
	r.mu.Unlock()

	r.wg.Wait()
}

func (r *Runner) work() {
	defer r.wg.Done()
	for t := range r.jobs {
		result, err := r.run(t.job)
		if t.done != nil {
			done := t.done
			r.dispatch(func() { done(result, err) })
		}
	}
}

func (r *Runner) run(job Job) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(rec, debug.Stack())
			err = errors.Newf(errors.ErrUnexpectedFault, "%v", rec)
		}
	}()
	return job()
}
