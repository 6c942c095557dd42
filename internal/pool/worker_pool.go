package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 投递任务池。
//
// 邮件在 SMTP 会话内先被接收确认，投递在这里异步完成，
// 池的并发上限保证突发来信不会压垮 Telegram 发送侧。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	log        *zap.Logger
	wg         sync.WaitGroup
}

// NewWorkerPool 创建任务池。
//
// 参数:
//   - maxWorkers: 最大工作协程数
//   - queueSize: 等待队列长度
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log,
	}
}

// Start 启动工作协程。
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务。队列满时阻塞等待空位。
func (p *WorkerPool) Submit(task func()) {
	p.taskQueue <- task
}

// TrySubmit 尝试提交任务。队列满时立即返回 false。
func (p *WorkerPool) TrySubmit(task func()) bool {
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止任务池并等待在途任务结束。
func (p *WorkerPool) Stop() {
	close(p.taskQueue)
	p.wg.Wait()
}

// Pending 返回当前排队中的任务数。
func (p *WorkerPool) Pending() int {
	return len(p.taskQueue)
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

// run 执行单个任务并吸收 panic，单封邮件的失败不影响其他投递。
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("delivery task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	task()
}
