package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWorkerPool_ExecutesSubmittedTasks(t *testing.T) {
	p := NewWorkerPool(4, 16, zap.NewNop())
	p.Start(context.Background())

	var done int32
	for i := 0; i < 10; i++ {
		p.Submit(func() { atomic.AddInt32(&done, 1) })
	}
	p.Stop()

	assert.Equal(t, int32(10), atomic.LoadInt32(&done))
}

func TestWorkerPool_TrySubmitFullQueue(t *testing.T) {
	// 不启动工作协程，队列容量即为可提交上限
	p := NewWorkerPool(1, 1, zap.NewNop())

	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	assert.Equal(t, 1, p.Pending())
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	p := NewWorkerPool(1, 4, zap.NewNop())
	p.Start(context.Background())

	var survived int32
	p.Submit(func() { panic("bad attachment") })
	p.Submit(func() { atomic.AddInt32(&survived, 1) })
	p.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&survived))
}

func TestWorkerPool_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewWorkerPool(2, 4, zap.NewNop())
	p.Start(ctx)

	cancel()

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after context cancellation")
	}
}
