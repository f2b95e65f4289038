package hardware

import (
	"context"
	"fmt"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/protocol"
	"go.uber.org/zap"
)

// HardwareOptions hardware options
type HardwareOptions struct {
	Conn     protocol.Conn // websocket connection
	DeviceID string        // mac address
	ClientID string        // client id
}

// SessionProvider 为新连接组装会话参数，并在会话启动后做额外的工作
type SessionProvider interface {
	SessionOption(ctx context.Context, deviceID, clientID string) *protocol.HardwareSessionOption
	SessionStarted(ctx context.Context, session *protocol.HardwareSession)
}

// HardwareHandler hardware handler
type HardwareHandler struct {
	logger   *zap.Logger
	provider SessionProvider
}

// NewHardwareHandler create hardware handler
func NewHardwareHandler(provider SessionProvider, logger *zap.Logger) *HardwareHandler {
	if logger == nil {
		logger = zap.L()
	}
	return &HardwareHandler{
		logger:   logger,
		provider: provider,
	}
}

// HandlerHardwareWebsocket 运行一个设备会话，直到连接断开或 ctx 取消
func (h *HardwareHandler) HandlerHardwareWebsocket(ctx context.Context, options *HardwareOptions) {
	if options == nil || options.Conn == nil {
		h.logger.Error("[Handler] --- options is nil or conn is nil please check")
		return
	}
	h.logger.Info(fmt.Sprintf("[Handler] --- create hardwareSession device: %s client: %s", options.DeviceID, options.ClientID))

	var option *protocol.HardwareSessionOption
	if h.provider != nil {
		option = h.provider.SessionOption(ctx, options.DeviceID, options.ClientID)
	}
	if option == nil {
		option = &protocol.HardwareSessionOption{DeviceID: options.DeviceID, ClientID: options.ClientID}
	}
	option.Conn = options.Conn
	if option.Logger == nil {
		option.Logger = h.logger
	}

	session := protocol.NewHardwareSession(ctx, option)
	if err := session.Start(); err != nil {
		h.logger.Error("[Handler] start session failed: ", zap.Error(err))
		_ = options.Conn.Close()
		return
	}
	if h.provider != nil {
		h.provider.SessionStarted(ctx, session)
	}
	select {
	case <-ctx.Done():
	case <-session.Done():
	}
	if err := session.Stop(); err != nil {
		h.logger.Error("[Handler] stop session failed: ", zap.Error(err))
	}
}
