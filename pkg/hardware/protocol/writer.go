package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// WriterBufferSize 消息写入器缓冲区大小
	WriterBufferSize = 200
	// writeWait 单帧写超时
	writeWait = 10 * time.Second
)

// ErrWriterClosed 写入器已关闭
var ErrWriterClosed = errors.New("websocket writer closed")

// Conn 会话使用的连接能力，*websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type frame struct {
	messageType int
	data        []byte
}

// HardwareWriter 每个连接唯一的写入者，所有协程的输出都排队经过 writeLoop。
// 入队阻塞而不丢弃，保证确认消息一定先于结果消息到达
type HardwareWriter struct {
	conn    Conn
	logger  *zap.Logger
	mu      sync.Mutex
	msgChan chan frame
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	sessionMu sync.RWMutex
	sessionID string
}

// NewHardwareWriter create hardware writer
func NewHardwareWriter(conn Conn, logger *zap.Logger) *HardwareWriter {
	if logger == nil {
		logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	hw := &HardwareWriter{
		conn:    conn,
		logger:  logger,
		msgChan: make(chan frame, WriterBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	hw.wg.Add(1)
	go hw.writeLoop()
	return hw
}

// Close 停止写入，已经排队的消息会尽量写出
func (hw *HardwareWriter) Close() error {
	hw.cancel()
	hw.wg.Wait()
	return nil
}

func (hw *HardwareWriter) writeLoop() {
	defer hw.wg.Done()
	for {
		select {
		case <-hw.ctx.Done():
			hw.flush()
			return
		case f := <-hw.msgChan:
			if err := hw.write(f); err != nil {
				hw.cancel()
				return
			}
		}
	}
}

// flush 关闭前写出队列中剩余的消息
func (hw *HardwareWriter) flush() {
	for {
		select {
		case f := <-hw.msgChan:
			if err := hw.write(f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (hw *HardwareWriter) write(f frame) error {
	hw.mu.Lock()
	err := hw.conn.WriteMessage(f.messageType, f.data)
	hw.mu.Unlock()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			hw.logger.Debug("[Websocket Writer] --- WebSocket连接已关闭，停止写入消息", zap.Error(err))
		} else {
			hw.logger.Error("[Websocket Writer] --- 写入WebSocket消息失败", zap.Error(err))
		}
	}
	return err
}

func (hw *HardwareWriter) enqueue(f frame) error {
	if hw.ctx.Err() != nil {
		return ErrWriterClosed
	}
	select {
	case <-hw.ctx.Done():
		return ErrWriterClosed
	case hw.msgChan <- f:
		return nil
	}
}

// WriteControl 直接写控制帧，与普通消息共用写锁
func (hw *HardwareWriter) WriteControl(messageType int, data []byte) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// SendJSON 序列化并排队发送一条文本消息
func (hw *HardwareWriter) SendJSON(data interface{}) error {
	message, err := json.Marshal(data)
	if err != nil {
		hw.logger.Error("[Websocket Writer] --- 序列化消息失败", zap.Error(err))
		return err
	}
	return hw.enqueue(frame{messageType: websocket.TextMessage, data: message})
}

// SendText 原样回写文本帧
func (hw *HardwareWriter) SendText(message []byte) error {
	buf := make([]byte, len(message))
	copy(buf, message)
	return hw.enqueue(frame{messageType: websocket.TextMessage, data: buf})
}

// SendBinary 发送音频等二进制数据
func (hw *HardwareWriter) SendBinary(data []byte) error {
	return hw.enqueue(frame{messageType: websocket.BinaryMessage, data: data})
}

func (hw *HardwareWriter) SessionID() string {
	hw.sessionMu.RLock()
	defer hw.sessionMu.RUnlock()
	return hw.sessionID
}

func (hw *HardwareWriter) SetSessionID(id string) {
	hw.sessionMu.Lock()
	hw.sessionID = id
	hw.sessionMu.Unlock()
}

// SendSTT 发送识别文本
func (hw *HardwareWriter) SendSTT(text string) error {
	// xiaozhi协议格式：{"type": "stt", "text": "...", "session_id": "..."}
	hw.logger.Info(fmt.Sprintf("[Websocket Writer] --- 发送STT消息：%s", text))
	return hw.SendJSON(map[string]interface{}{
		"type":       constants.MessageTypeSTT,
		"text":       text,
		"session_id": hw.SessionID(),
	})
}

// SendTTSState 发送TTS状态，stop 会让设备停止播放
func (hw *HardwareWriter) SendTTSState(state string) error {
	hw.logger.Info("[Websocket Writer] 发送 TTS 状态消息", zap.String("state", state), zap.String("session_id", hw.SessionID()))
	return hw.SendJSON(map[string]interface{}{
		"type":       constants.MessageTypeTTS,
		"state":      state,
		"session_id": hw.SessionID(),
	})
}

// SendError 发送错误消息
func (hw *HardwareWriter) SendError(message string, fatal bool) error {
	return hw.SendJSON(map[string]interface{}{
		"type":    constants.MessageTypeError,
		"message": message,
		"fatal":   fatal,
	})
}

// SendPong 发送pong响应
func (hw *HardwareWriter) SendPong() error {
	return hw.SendJSON(map[string]interface{}{
		"type":       constants.MessageTypePong,
		"session_id": hw.SessionID(),
	})
}

// SendAbortConfirmation 发送中断确认消息
func (hw *HardwareWriter) SendAbortConfirmation() error {
	hw.logger.Info("[Websocket Writer] 发送中断确认消息", zap.String("session_id", hw.SessionID()))
	return hw.SendJSON(map[string]interface{}{
		"type":       constants.MessageTypeAbort,
		"state":      "confirmed",
		"session_id": hw.SessionID(),
	})
}

// AudioParams hello 消息中的音频参数
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// SendWelcome 回复 hello，并记录新的会话ID
func (hw *HardwareWriter) SendWelcome(sessionID string, params AudioParams, features map[string]interface{}) error {
	welcomeMsg := map[string]interface{}{
		"type":         constants.MessageTypeHello,
		"version":      1,
		"transport":    "websocket",
		"session_id":   sessionID,
		"audio_params": params,
	}
	if len(features) > 0 {
		welcomeMsg["features"] = features
	}
	hw.SetSessionID(sessionID)
	return hw.SendJSON(welcomeMsg)
}
