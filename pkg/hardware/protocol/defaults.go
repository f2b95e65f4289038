package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultCollaborators 没有注入外部实现时使用：回复 welcome、中断时停止播放、
// 记录 IoT 描述符和状态，对话和音频只记日志
type defaultCollaborators struct {
	logger *zap.Logger

	mu          sync.RWMutex
	descriptors json.RawMessage
	states      json.RawMessage
}

func newDefaultCollaborators(logger *zap.Logger) *defaultCollaborators {
	return &defaultCollaborators{logger: logger}
}

// Hello 回复 xiaozhi 协议的 welcome
func (d *defaultCollaborators) Hello(ctx context.Context, s *HardwareSession, msg *Message) error {
	return SendWelcome(s, msg)
}

// SendWelcome 按客户端的音频参数回复 welcome，生成新的会话ID
func SendWelcome(s *HardwareSession, msg *Message) error {
	params := AudioParams{
		Format:        constants.DefaultAudioFormat,
		SampleRate:    constants.DefaultSampleRate,
		Channels:      constants.DefaultChannels,
		FrameDuration: constants.DefaultFrameDuration,
	}
	var features map[string]interface{}
	if msg != nil {
		if p := msg.AudioParams; p != nil {
			if p.Format != "" {
				params.Format = p.Format
			}
			if p.SampleRate > 0 {
				params.SampleRate = p.SampleRate
			}
			if p.Channels > 0 {
				params.Channels = p.Channels
			}
			if p.FrameDuration > 0 {
				params.FrameDuration = p.FrameDuration
			}
		}
		features = msg.Features
	}
	sessionID := uuid.NewString()
	s.logger.Info("[Session] --- 收到 hello 消息，回复 welcome",
		zap.String("session_id", sessionID),
		zap.String("format", params.Format),
		zap.Int("sample_rate", params.SampleRate))
	return s.writer.SendWelcome(sessionID, params, features)
}

// Abort 通知设备停止播放并确认中断
func (d *defaultCollaborators) Abort(ctx context.Context, s *HardwareSession) error {
	if err := s.writer.SendTTSState(constants.TTSStateStop); err != nil {
		return err
	}
	return s.writer.SendAbortConfirmation()
}

func (d *defaultCollaborators) StartChat(ctx context.Context, s *HardwareSession, text string) error {
	d.logger.Info(fmt.Sprintf("[Session] --- 未配置对话引擎，忽略文本：%s", text))
	return nil
}

func (d *defaultCollaborators) IngestAudio(ctx context.Context, s *HardwareSession, frame []byte) error {
	if len(frame) > 0 {
		return nil
	}
	frames := s.capture.TakeAudio()
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	d.logger.Info("[Session] --- 本轮语音结束，未配置识别服务，丢弃音频",
		zap.Int("frames", len(frames)),
		zap.Int("bytes", total))
	return nil
}

func (d *defaultCollaborators) HandleDescriptors(ctx context.Context, s *HardwareSession, descriptors json.RawMessage) error {
	d.mu.Lock()
	d.descriptors = descriptors
	d.mu.Unlock()
	d.logger.Info("[Session] --- 收到 IoT 描述符", zap.Int("len", len(descriptors)))
	return nil
}

func (d *defaultCollaborators) HandleStates(ctx context.Context, s *HardwareSession, states json.RawMessage) error {
	d.mu.Lock()
	d.states = states
	d.mu.Unlock()
	d.logger.Info("[Session] --- 收到 IoT 状态", zap.Int("len", len(states)))
	return nil
}

// IoTSnapshot 返回最近一次上报的描述符和状态
func (d *defaultCollaborators) IoTSnapshot() (json.RawMessage, json.RawMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.descriptors, d.states
}
