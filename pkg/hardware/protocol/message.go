package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
	"github.com/code-100-precent/lingecho-device/pkg/hardware/sessions"
	"github.com/code-100-precent/lingecho-device/pkg/metrics"
	"github.com/code-100-precent/lingecho-device/pkg/photo"
	"go.uber.org/zap"
)

// Message 设备上行的文本消息
type Message struct {
	Type        string                 `json:"type"`
	State       string                 `json:"state,omitempty"`
	Mode        *string                `json:"mode,omitempty"`
	Text        *string                `json:"text,omitempty"`
	Action      string                 `json:"action,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Version     int                    `json:"version,omitempty"`
	AudioParams *AudioParams           `json:"audio_params,omitempty"`
	Features    map[string]interface{} `json:"features,omitempty"`
	Descriptors json.RawMessage        `json:"descriptors,omitempty"`
	States      json.RawMessage        `json:"states,omitempty"`
	CameraPhoto *CameraPhoto           `json:"camera_photo,omitempty"`
	Content     *ServerContent         `json:"content,omitempty"`
}

// CameraPhoto iot 消息中的摄像头照片
type CameraPhoto struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
	Data   string `json:"data"`
}

// ServerContent server 消息内容
type ServerContent struct {
	Secret string `json:"secret"`
}

// serverResponse server 消息的回复
type serverResponse struct {
	Type    string            `json:"type"`
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Content map[string]string `json:"content,omitempty"`
}

// HandleText 处理一条文本消息：非 JSON 和裸整数原样回写，其余按 type 分发
func (s *HardwareSession) HandleText(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		metrics.WSMessages.WithLabelValues("raw").Inc()
		s.logger.Debug("[Session] --- 非JSON消息，原样返回", zap.Int("len", len(data)))
		return s.writer.SendText(data)
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if isBareInteger(trimmed) {
			metrics.WSMessages.WithLabelValues("integer").Inc()
			return s.writer.SendText(data)
		}
		metrics.WSMessages.WithLabelValues("unknown").Inc()
		s.logger.Warn("[Session] --- 忽略非对象JSON消息", zap.ByteString("message", truncate(data, 128)))
		return nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return fmt.Errorf("解析文本消息失败: %w", err)
		}
		s.logger.Warn("[Session] --- 消息字段类型不匹配，忽略该字段", zap.String("field", typeErr.Field), zap.Error(err))
	}
	metrics.WSMessages.WithLabelValues(messageLabel(msg.Type)).Inc()
	if msg.CameraPhoto == nil {
		s.logger.Info(fmt.Sprintf("[Session] --- 收到文本消息：%s", string(truncate(data, 1024))))
	} else {
		s.logger.Info("[Session] --- 收到摄像头照片消息", zap.Int("len", len(data)))
	}

	switch msg.Type {
	case constants.MessageTypeHello:
		return s.handleHelloMessage(&msg)
	case constants.MessageTypeAbort:
		return s.handleAbortMessage()
	case constants.MessageTypeListen:
		return s.handleListenMessage(&msg)
	case constants.MessageTypeIoT:
		return s.handleIoTMessage(&msg)
	case constants.MessageTypeServer:
		return s.handleServerMessage(&msg)
	case constants.MessageTypePing:
		return s.writer.SendPong()
	case "":
		s.logger.Warn("[Session] --- 消息缺少 type 字段")
	default:
		s.logger.Warn("[Session] --- 未处理的文本消息类型", zap.String("type", msg.Type))
	}
	return nil
}

// isBareInteger 形如 123 或 -5 的 JSON 数字
func isBareInteger(b []byte) bool {
	if len(b) > 0 && b[0] == '-' {
		b = b[1:]
	}
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func messageLabel(t string) string {
	switch t {
	case constants.MessageTypeHello, constants.MessageTypeAbort, constants.MessageTypeListen,
		constants.MessageTypeIoT, constants.MessageTypeServer, constants.MessageTypePing:
		return t
	}
	return "other"
}

func (s *HardwareSession) handleHelloMessage(msg *Message) error {
	if err := s.config.Bootstrapper.Hello(s.ctx, s, msg); err != nil {
		return fmt.Errorf("处理 hello 消息失败: %w", err)
	}
	s.ready.Store(true)
	return nil
}

// handleAbortMessage 中断当前输出，不影响正在处理的照片任务
func (s *HardwareSession) handleAbortMessage() error {
	s.logger.Info("[Session] 收到中断请求，停止对话和 TTS")
	return s.config.AbortHandler.Abort(s.ctx, s)
}

// handleListenMessage 处理拾音消息
// 消息格式：{"type":"listen","state":"start|stop|detect","mode":"auto|manual|realtime","text":"..."}
func (s *HardwareSession) handleListenMessage(msg *Message) error {
	if msg.Mode != nil {
		if !s.capture.SetMode(*msg.Mode) {
			s.logger.Warn("[Session] 未知的拾音模式", zap.String("mode", *msg.Mode))
		}
		s.logger.Debug(fmt.Sprintf("[Session] 客户端拾音模式：%s", *msg.Mode))
	}

	switch msg.State {
	case constants.ListenStateStart:
		s.capture.Start()
	case constants.ListenStateStop:
		if s.capture.Stop() {
			// 空帧通知本轮语音结束
			return s.config.AudioIngester.IngestAudio(s.ctx, s, []byte{})
		}
	case constants.ListenStateDetect:
		s.capture.Detect()
		if msg.Text != nil {
			return s.handleDetectText(*msg.Text)
		}
	case "":
	default:
		s.logger.Warn("[Session] 未知的拾音状态", zap.String("state", msg.State))
	}
	return nil
}

func (s *HardwareSession) handleDetectText(raw string) error {
	_, text := sessions.RemovePunctuationAndLength(raw)
	cfg := s.config.Config
	isWakeupWord := cfg.WakeupWords.Contains(text)

	switch {
	case isWakeupWord && !cfg.EnableGreeting:
		// 唤醒词且关闭了唤醒词回复，只回显识别结果并让设备停止播放
		if err := s.writer.SendSTT(text); err != nil {
			return err
		}
		return s.writer.SendTTSState(constants.TTSStateStop)
	case isWakeupWord:
		greeting := cfg.GreetingText
		if greeting == "" {
			greeting = constants.DefaultGreetingText
		}
		s.enqueueASRReport(greeting)
		return s.config.ChatStarter.StartChat(s.ctx, s, greeting)
	default:
		s.enqueueASRReport(raw)
		return s.config.ChatStarter.StartChat(s.ctx, s, raw)
	}
}

// enqueueASRReport 上报纯文字数据，不带音频
func (s *HardwareSession) enqueueASRReport(text string) {
	if !s.config.Config.ReportEnabled || s.config.Reporter == nil || s.BindPending() {
		return
	}
	s.config.Reporter.EnqueueASR(s.DeviceID(), s.SessionID(), text, nil)
}

// handleIoTMessage descriptors、states、camera_photo 互不排斥，各自放到后台
func (s *HardwareSession) handleIoTMessage(msg *Message) error {
	if len(msg.Descriptors) > 0 {
		descriptors := msg.Descriptors
		s.Go("iot_descriptors", func(ctx context.Context) error {
			return s.config.IoTHandler.HandleDescriptors(ctx, s, descriptors)
		}, nil)
	}
	if len(msg.States) > 0 {
		states := msg.States
		s.Go("iot_states", func(ctx context.Context) error {
			return s.config.IoTHandler.HandleStates(ctx, s, states)
		}, nil)
	}
	if msg.CameraPhoto != nil {
		return s.handleCameraPhoto(msg)
	}
	return nil
}

func (s *HardwareSession) handleCameraPhoto(msg *Message) error {
	job := &photo.Job{
		SessionID: msg.SessionID,
		Width:     msg.CameraPhoto.Width,
		Height:    msg.CameraPhoto.Height,
		Format:    msg.CameraPhoto.Format,
		Data:      msg.CameraPhoto.Data,
	}
	// 先入队确认消息再启动任务，写入器按顺序发送
	if err := s.writer.SendJSON(photo.ProcessingResponse(job.SessionID)); err != nil {
		return err
	}

	analyzer := s.config.PhotoAnalyzer
	s.Go("camera_photo", func(ctx context.Context) error {
		if analyzer == nil {
			return photo.ErrNoAnalyzer
		}
		resp := analyzer.Analyze(ctx, job)
		if resp == nil {
			return nil
		}
		return s.writer.SendJSON(resp)
	}, func(err error) {
		if errors.Is(err, ErrWriterClosed) {
			return
		}
		_ = s.writer.SendJSON(photo.ErrorResponse(job.SessionID, err))
	})
	return nil
}

// handleServerMessage 远程管理，只在配置来自管理后台时生效
func (s *HardwareSession) handleServerMessage(msg *Message) error {
	cfg := s.config.Config
	if !cfg.ReadConfigFromAPI {
		s.logger.Debug("[Session] 配置不是从管理后台读取，忽略 server 消息")
		return nil
	}
	var postSecret string
	if msg.Content != nil {
		postSecret = msg.Content.Secret
	}
	if postSecret != cfg.Secret {
		s.logger.Warn("[Session] server 消息密钥验证失败", zap.String("action", msg.Action))
		return s.writer.SendJSON(serverResponse{
			Type:    constants.MessageTypeServer,
			Status:  constants.StatusError,
			Message: constants.MsgSecretVerifyFailed,
		})
	}

	switch msg.Action {
	case constants.ServerActionUpdateConfig:
		return s.handleUpdateConfig()
	case constants.ServerActionRestart:
		return s.handleRestart()
	default:
		s.logger.Warn("[Session] 未知的 server 动作", zap.String("action", msg.Action))
	}
	return nil
}

func (s *HardwareSession) handleUpdateConfig() error {
	control := s.config.ServerControl
	reply := func(status, message string) error {
		return s.writer.SendJSON(serverResponse{
			Type:    constants.MessageTypeConfigUpdateResponse,
			Status:  status,
			Message: message,
		})
	}
	if control == nil {
		return reply(constants.StatusError, constants.MsgServerUnavailable)
	}
	s.Go("update_config", func(ctx context.Context) error {
		err := control.UpdateConfig(ctx)
		switch {
		case err == nil:
			return reply(constants.StatusSuccess, constants.MsgConfigUpdated)
		case errors.Is(err, ErrConfigNotUpdated):
			s.logger.Warn("[Session] 更新服务器配置失败", zap.Error(err))
			return reply(constants.StatusError, constants.MsgConfigUpdateFailed)
		default:
			s.logger.Error(fmt.Sprintf(constants.MsgConfigUpdateErrorFmt, err.Error()))
			return reply(constants.StatusError, fmt.Sprintf(constants.MsgConfigUpdateErrorFmt, err.Error()))
		}
	}, nil)
	return nil
}

func (s *HardwareSession) handleRestart() error {
	control := s.config.ServerControl
	content := map[string]string{"action": constants.ServerActionRestart}
	fail := func(err error) error {
		return s.writer.SendJSON(serverResponse{
			Type:    constants.MessageTypeServer,
			Status:  constants.StatusError,
			Message: fmt.Sprintf(constants.MsgRestartFailedFmt, err.Error()),
			Content: content,
		})
	}
	if control == nil {
		return fail(errors.New(constants.MsgServerUnavailable))
	}
	s.logger.Info("[Session] 收到服务器重启指令")
	if err := s.writer.SendJSON(serverResponse{
		Type:    constants.MessageTypeServer,
		Status:  constants.StatusSuccess,
		Message: constants.MsgServerRestarting,
		Content: content,
	}); err != nil {
		return err
	}
	s.Go("restart", func(ctx context.Context) error {
		if err := control.Restart(ctx); err != nil {
			s.logger.Error("[Session] 重启失败", zap.Error(err))
			return fail(err)
		}
		return nil
	}, nil)
	return nil
}
