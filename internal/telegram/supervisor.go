package telegram

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	maxConsecutiveErrors = 5
	errorPause           = 5 * time.Second
	restartWait          = 10 * time.Second
)

// Supervisor 监督长轮询通道的健康状况。
//
// 每次轮询错误累加计数并短暂停顿；连续错误达到上限后
// 执行一次 停止 → 等待 → 重启 循环并清零计数。
// 重启本身失败被视为致命，没有更进一步的自愈层。
type Supervisor struct {
	restart func(ctx context.Context) error
	log     *zap.Logger

	maxErrors int
	pause     time.Duration
	wait      time.Duration
	sleep     func(ctx context.Context, d time.Duration) error

	// 读取方可能在别的协程（健康检查）
	consecutive atomic.Int32
}

// NewSupervisor 创建监督器。restart 负责重建通道（不含等待）。
func NewSupervisor(restart func(ctx context.Context) error, log *zap.Logger) *Supervisor {
	return &Supervisor{
		restart:   restart,
		log:       log,
		maxErrors: maxConsecutiveErrors,
		pause:     errorPause,
		wait:      restartWait,
		sleep:     sleepContext,
	}
}

// OnError 处理一次轮询错误。
//
// 返回非 nil 表示通道无法恢复，调用方应终止进程。
func (s *Supervisor) OnError(ctx context.Context, pollErr error) error {
	count := int(s.consecutive.Add(1))
	s.log.Error("control channel polling error",
		zap.Int("consecutive", count),
		zap.Int("max", s.maxErrors),
		zap.Error(pollErr),
	)

	if count < s.maxErrors {
		return s.sleep(ctx, s.pause)
	}

	s.log.Warn("too many polling errors, restarting control channel")
	if err := s.sleep(ctx, s.wait); err != nil {
		return err
	}
	if err := s.restart(ctx); err != nil {
		return fmt.Errorf("control channel restart: %w", err)
	}

	s.consecutive.Store(0)
	s.log.Info("control channel restarted")
	return nil
}

// ResetOnSuccess 在一次成功轮询后清零连续错误计数。
func (s *Supervisor) ResetOnSuccess() {
	s.consecutive.Store(0)
}

// ConsecutiveErrors 返回当前连续错误计数。
func (s *Supervisor) ConsecutiveErrors() int {
	return int(s.consecutive.Load())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
