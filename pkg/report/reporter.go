package report

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
	"github.com/code-100-precent/lingecho-device/pkg/manageapi"
	"go.uber.org/zap"
)

// DefaultQueueSize 上报队列容量，超出的上报直接丢弃
const DefaultQueueSize = 100

// Sink 对话上报的真实出口，manageapi.Client 实现了它
type Sink interface {
	Report(ctx context.Context, r *manageapi.ChatReport) json.RawMessage
}

// Reporter 异步对话上报：有界队列 + 单个工作协程
type Reporter struct {
	sink   Sink
	queue  chan *manageapi.ChatReport
	logger *zap.Logger
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	pending atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewReporter(sink Sink, queueSize int, logger *zap.Logger) *Reporter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reporter{
		sink:   sink,
		queue:  make(chan *manageapi.ChatReport, queueSize),
		logger: logger.Named("report"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// Enqueue 放入一条上报，不阻塞。队列满或已关闭时返回 false
func (r *Reporter) Enqueue(report *manageapi.ChatReport) bool {
	if report == nil || report.Content == "" {
		return false
	}
	if report.ReportTime == 0 {
		report.ReportTime = r.now().Unix()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.pending.Add(1)
	select {
	case r.queue <- report:
		return true
	default:
		r.pending.Add(-1)
		r.logger.Warn("[Report] --- 上报队列已满，丢弃本次上报",
			zap.String("session_id", report.SessionID),
			zap.Int("chat_type", report.ChatType))
		return false
	}
}

// EnqueueASR 上报用户语音识别结果，音频帧按顺序拼接
func (r *Reporter) EnqueueASR(macAddress, sessionID, text string, audio [][]byte) bool {
	return r.Enqueue(&manageapi.ChatReport{
		MacAddress: macAddress,
		SessionID:  sessionID,
		ChatType:   constants.ChatTypeUser,
		Content:    text,
		Audio:      bytes.Join(audio, nil),
	})
}

// EnqueueAgent 上报智能体回复
func (r *Reporter) EnqueueAgent(macAddress, sessionID, text string) bool {
	return r.Enqueue(&manageapi.ChatReport{
		MacAddress: macAddress,
		SessionID:  sessionID,
		ChatType:   constants.ChatTypeAgent,
		Content:    text,
	})
}

func (r *Reporter) worker() {
	defer r.wg.Done()
	for report := range r.queue {
		if r.ctx.Err() != nil {
			r.logger.Warn("[Report] --- 上报已取消，丢弃本次上报", zap.String("session_id", report.SessionID))
		} else {
			r.send(report)
		}
		r.pending.Add(-1)
	}
}

func (r *Reporter) send(report *manageapi.ChatReport) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("[Report] --- 上报任务异常", zap.Any("panic", p))
		}
	}()
	r.sink.Report(r.ctx, report)
}

// Pending 已入队但还没发送完的上报数
func (r *Reporter) Pending() int64 {
	return r.pending.Load()
}

// Flush 等待已入队的上报发送完，不关闭队列。超时返回 false
func (r *Reporter) Flush(timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
	return true
}

// Close 停止接收新的上报，最多等待 timeout 让队列发送完；
// 超时后取消正在进行的上报并丢弃剩余部分。全部发送完返回 true
func (r *Reporter) Close(timeout time.Duration) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.pending.Load() == 0
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		r.cancel()
		return true
	case <-timer.C:
	}
	r.logger.Warn("[Report] --- 关闭超时，取消剩余上报",
		zap.Duration("timeout", timeout),
		zap.Int64("pending", r.pending.Load()))
	r.cancel()
	<-done
	return false
}
