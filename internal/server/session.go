package server

import (
	"context"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/protocol"
	"github.com/code-100-precent/lingecho-device/pkg/hardware/sessions"
	"github.com/code-100-precent/lingecho-device/pkg/manageapi"
	"go.uber.org/zap"
)

var errConfigNotUpdated = protocol.ErrConfigNotUpdated

// SessionOption 用当前配置快照组装新会话
func (s *Server) SessionOption(ctx context.Context, deviceID, clientID string) *protocol.HardwareSessionOption {
	snap := s.Snapshot()
	option := &protocol.HardwareSessionOption{
		DeviceID: deviceID,
		ClientID: clientID,
		Config: protocol.SessionConfig{
			WakeupWords:       sessions.NewWakeupWords(snap.WakeupWords),
			EnableGreeting:    snap.EnableGreeting,
			GreetingText:      snap.GreetingText,
			ReadConfigFromAPI: snap.ReadConfigFromAPI,
			Secret:            s.cfg.ManagerAPI.Secret,
			ReportEnabled:     snap.ReportASREnabled && s.reporter != nil,
		},
		Bootstrapper:  s,
		ServerControl: s,
		PhotoAnalyzer: s.pipeline,
		Logger:        s.logger.Named("session"),
	}
	if s.reporter != nil {
		option.Reporter = s.reporter
	}
	return option
}

func (s *Server) SessionStarted(ctx context.Context, session *protocol.HardwareSession) {
	s.logger.Info("[Session] --- 设备已连接",
		zap.String("device_id", session.DeviceID()),
		zap.String("session_id", session.SessionID()))
}

// Hello 回复 welcome；配置来自管理后台时在后台获取设备的智能体配置
func (s *Server) Hello(ctx context.Context, session *protocol.HardwareSession, msg *protocol.Message) error {
	if err := protocol.SendWelcome(session, msg); err != nil {
		return err
	}
	if s.api == nil || !session.Config().ReadConfigFromAPI || session.DeviceID() == "" {
		return nil
	}
	session.Go("agent_models", func(ctx context.Context) error {
		_, err := s.AgentModels(ctx, session.DeviceID(), session.ClientID())
		if err == nil {
			session.SetBindPending(false)
			return nil
		}
		if code, ok := manageapi.IsDeviceBindPending(err); ok {
			session.SetBindPending(true)
			s.logger.Warn("设备未绑定，等待绑定", zap.String("device_id", session.DeviceID()), zap.String("bind_code", code))
			return nil
		}
		if manageapi.IsDeviceNotFound(err) {
			s.logger.Warn("设备不存在", zap.String("device_id", session.DeviceID()), zap.Error(err))
			return nil
		}
		return err
	}, nil)
	return nil
}
