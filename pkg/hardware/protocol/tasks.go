package protocol

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// taskGroup 连接范围内的后台任务。连接关闭时取消并等待全部任务
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newTaskGroup(parent context.Context, logger *zap.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(parent)
	return &taskGroup{ctx: ctx, cancel: cancel, logger: logger}
}

// Go 启动后台任务。任务返回错误或 panic 时记录日志并调用 onFailure。
// 任务组已关闭时返回 false
func (g *taskGroup) Go(name string, task func(ctx context.Context) error, onFailure func(err error)) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.logger.Warn("[Session] --- 会话已关闭，忽略后台任务", zap.String("task", name))
		return false
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		err := g.run(name, task)
		if err == nil {
			return
		}
		g.logger.Error("[Session] --- 后台任务失败", zap.String("task", name), zap.Error(err))
		if onFailure != nil {
			g.notify(name, onFailure, err)
		}
	}()
	return true
}

func (g *taskGroup) run(name string, task func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("[Session] --- 后台任务异常",
				zap.String("task", name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("%s panic: %v", name, p)
		}
	}()
	return task(g.ctx)
}

func (g *taskGroup) notify(name string, onFailure func(err error), err error) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("[Session] --- 发送失败通知异常", zap.String("task", name), zap.Any("panic", p))
		}
	}()
	onFailure(err)
}

// Close 取消所有任务，最多等待 timeout
func (g *taskGroup) Close(timeout time.Duration) bool {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		g.logger.Warn("[Session] --- 等待后台任务退出超时", zap.Duration("timeout", timeout))
		return false
	}
}
