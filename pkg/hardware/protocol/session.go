package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/sessions"
	"github.com/code-100-precent/lingecho-device/pkg/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultTaskShutdownTimeout 会话关闭时等待后台任务的时间
const DefaultTaskShutdownTimeout = 5 * time.Second

// SessionConfig 会话建立时的配置快照
type SessionConfig struct {
	WakeupWords       sessions.WakeupWords
	EnableGreeting    bool
	GreetingText      string
	ReadConfigFromAPI bool
	Secret            string
	ReportEnabled     bool
}

type HardwareSessionOption struct {
	Conn     Conn
	Logger   *zap.Logger
	DeviceID string // mac address
	ClientID string
	Config   SessionConfig

	Bootstrapper  Bootstrapper
	AbortHandler  AbortHandler
	ChatStarter   ChatStarter
	AudioIngester AudioIngester
	IoTHandler    IoTHandler
	Reporter      Reporter
	ServerControl ServerControl
	PhotoAnalyzer PhotoAnalyzer

	TaskShutdownTimeout time.Duration
}

type HardwareSession struct {
	config  *HardwareSessionOption
	conn    Conn
	writer  *HardwareWriter
	capture *sessions.Capture
	tasks   *taskGroup
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger

	mu          sync.RWMutex
	active      bool
	ready       atomic.Bool
	bindPending atomic.Bool
	done        chan struct{}
	stopOnce    sync.Once
}

func NewHardwareSession(ctx context.Context, option *HardwareSessionOption) *HardwareSession {
	if option.Logger == nil {
		option.Logger = zap.L()
	}
	if option.TaskShutdownTimeout <= 0 {
		option.TaskShutdownTimeout = DefaultTaskShutdownTimeout
	}
	defaults := newDefaultCollaborators(option.Logger)
	if option.Bootstrapper == nil {
		option.Bootstrapper = defaults
	}
	if option.AbortHandler == nil {
		option.AbortHandler = defaults
	}
	if option.ChatStarter == nil {
		option.ChatStarter = defaults
	}
	if option.AudioIngester == nil {
		option.AudioIngester = defaults
	}
	if option.IoTHandler == nil {
		option.IoTHandler = defaults
	}

	sessionID := uuid.NewString()
	logger := option.Logger.With(zap.String("device_id", option.DeviceID), zap.String("client_id", option.ClientID))
	sessionCtx, cancel := context.WithCancel(ctx)
	writer := NewHardwareWriter(option.Conn, logger)
	writer.SetSessionID(sessionID)

	return &HardwareSession{
		config:  option,
		conn:    option.Conn,
		writer:  writer,
		capture: sessions.NewCapture(),
		tasks:   newTaskGroup(sessionCtx, logger),
		ctx:     sessionCtx,
		cancel:  cancel,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (s *HardwareSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.logger.Warn("[Session] --- 会话已经启动")
		return nil
	}
	s.logger.Info("[Session] --- 启动会话...", zap.String("session_id", s.SessionID()))
	s.active = true
	metrics.ActiveSessions.Inc()
	go s.messageLoop()
	return nil
}

// Done 会话结束后关闭
func (s *HardwareSession) Done() <-chan struct{} {
	return s.done
}

func (s *HardwareSession) Context() context.Context { return s.ctx }
func (s *HardwareSession) Writer() *HardwareWriter { return s.writer }
func (s *HardwareSession) Capture() *sessions.Capture { return s.capture }
func (s *HardwareSession) Config() SessionConfig { return s.config.Config }
func (s *HardwareSession) Logger() *zap.Logger { return s.logger }
func (s *HardwareSession) DeviceID() string { return s.config.DeviceID }
func (s *HardwareSession) ClientID() string { return s.config.ClientID }
func (s *HardwareSession) SessionID() string { return s.writer.SessionID() }
func (s *HardwareSession) SetSessionID(sessionID string) { s.writer.SetSessionID(sessionID) }
func (s *HardwareSession) Ready() bool { return s.ready.Load() }
func (s *HardwareSession) BindPending() bool { return s.bindPending.Load() }
func (s *HardwareSession) SetBindPending(pending bool) { s.bindPending.Store(pending) }

// Go 在会话的任务组中启动后台任务，连接关闭时任务的 ctx 被取消
func (s *HardwareSession) Go(name string, task func(ctx context.Context) error, onFailure func(err error)) bool {
	return s.tasks.Go(name, task, onFailure)
}

// SendJSON 经会话唯一的写入者发送消息
func (s *HardwareSession) SendJSON(v interface{}) error {
	return s.writer.SendJSON(v)
}

// messageLoop message handler loop
func (s *HardwareSession) messageLoop() {
	defer func() {
		s.logger.Info("[Session] --- 消息循环退出，触发会话关闭")
		if err := s.Stop(); err != nil {
			s.logger.Error("[Session] --- 会话关闭失败", zap.Error(err))
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("[Session] --- Context 已取消，退出消息循环")
			return
		default:
		}
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Info("[Session] WebSocket 连接正常关闭", zap.Error(err))
			} else {
				s.logger.Warn("[Session] 读取 WebSocket 消息失败", zap.Error(err))
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			s.handleAudio(message)
		case websocket.TextMessage:
			s.handleTextSafely(message)
		}
	}
}

// handleTextSafely 单条消息的 panic 不能终止读循环
func (s *HardwareSession) handleTextSafely(message []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("[Session] --- 处理文本消息异常", zap.Any("panic", p), zap.ByteString("message", truncate(message, 512)))
		}
	}()
	if err := s.HandleText(message); err != nil {
		s.logger.Warn("[Session] 处理文本消息失败", zap.Error(err))
	}
}

func (s *HardwareSession) handleAudio(data []byte) {
	metrics.WSMessages.WithLabelValues("audio").Inc()
	s.capture.AppendAudio(data)
	if err := s.config.AudioIngester.IngestAudio(s.ctx, s, data); err != nil {
		s.logger.Warn("[Session] 处理音频消息失败", zap.Error(err))
	}
}

// Stop stop hardware session
func (s *HardwareSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasActive := s.active
		s.active = false
		s.mu.Unlock()

		s.cancel()
		s.tasks.Close(s.config.TaskShutdownTimeout)
		if err := s.writer.Close(); err != nil {
			s.logger.Debug("[Session] --- 关闭写入器失败", zap.Error(err))
		}
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.writer.WriteControl(websocket.CloseMessage, closeMessage); err != nil {
			s.logger.Debug("[Session] --- 发送WebSocket关闭消息失败", zap.Error(err))
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("[Session] --- 关闭WebSocket连接时出错", zap.Error(err))
		} else {
			s.logger.Debug("[Session] --- WebSocket连接已关闭")
		}
		if wasActive {
			metrics.ActiveSessions.Dec()
		}
		close(s.done)
	})
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func (s *HardwareSession) String() string {
	return fmt.Sprintf("HardwareSession{device: %s, session: %s}", s.DeviceID(), s.SessionID())
}
