package handlers

import (
	"context"
	"net/http"
	"regexp"

	"github.com/code-100-precent/lingecho-device/pkg/hardware"
	"github.com/code-100-precent/lingecho-device/pkg/response"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var macPattern = regexp.MustCompile(`^([0-9A-Za-z]{2}[:-]){5}([0-9A-Za-z]{2})$`)

// HandleDeviceWebsocket upgrades a device connection and runs its session
// GET /xiaozhi/v1/
func (h *Handlers) HandleDeviceWebsocket(c *gin.Context) {
	deviceID := headerOrQuery(c, "Device-Id", "device-id")
	clientID := headerOrQuery(c, "Client-Id", "client-id")
	if deviceID == "" {
		response.Result(c, http.StatusBadRequest, 400, "Device ID is required", nil)
		return
	}
	if clientID == "" {
		clientID = deviceID
	}
	// 非 MAC 格式的设备号也允许连接，只记录一下
	if !isMacAddressValid(deviceID) {
		h.logger.Warn("device id is not a mac address", zap.String("deviceID", deviceID))
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err), zap.String("deviceID", deviceID))
		return
	}

	h.sessions.Add(1)
	h.active.Add(1)
	defer func() {
		h.active.Add(-1)
		h.sessions.Done()
	}()

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	h.hardware.HandlerHardwareWebsocket(ctx, &hardware.HardwareOptions{
		Conn:     conn,
		DeviceID: deviceID,
		ClientID: clientID,
	})
}

// HealthCheck GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	response.Success(c, "healthy", gin.H{
		"status":          "healthy",
		"active_sessions": h.active.Load(),
	})
}

// SystemStatus 当前生效的设备配置
// GET /system/status
func (h *Handlers) SystemStatus(c *gin.Context) {
	if h.server == nil {
		response.Fail(c, "server not ready", nil)
		return
	}
	snap := h.server.Snapshot()
	response.Success(c, "success", gin.H{
		"server_name":          h.cfg.Server.Name,
		"read_config_from_api": snap.ReadConfigFromAPI,
		"wakeup_words":         snap.WakeupWords,
		"enable_greeting":      snap.EnableGreeting,
		"report_asr_enabled":   snap.ReportASREnabled,
		"vl_model":             snap.VL.Model,
		"restart_pending":      h.server.RestartPending(),
		"active_sessions":      h.active.Load(),
	})
}

// headerOrQuery 先读请求头（大小写两种写法），再读 query 参数
func headerOrQuery(c *gin.Context, header, lower string) string {
	if v := c.GetHeader(header); v != "" {
		return v
	}
	if v := c.GetHeader(lower); v != "" {
		return v
	}
	return c.Query(lower)
}

// isMacAddressValid validates MAC address format
func isMacAddressValid(macAddress string) bool {
	if macAddress == "" {
		return false
	}
	return macPattern.MatchString(macAddress)
}
