package handlers

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/code-100-precent/lingecho-device/internal/server"
	"github.com/code-100-precent/lingecho-device/pkg/config"
	"github.com/code-100-precent/lingecho-device/pkg/hardware"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	cfg      *config.Config
	server   *server.Server
	hardware *hardware.HardwareHandler
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// 设备会话的父 context，Shutdown 时取消
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	active   atomic.Int64
}

func NewHandlers(cfg *config.Config, srv *server.Server, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.L()
	}
	var provider hardware.SessionProvider
	if srv != nil {
		provider = srv
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handlers{
		cfg:      cfg,
		server:   srv,
		hardware: hardware.NewHardwareHandler(provider, logger.Named("hardware")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (h *Handlers) Register(engine *gin.Engine) {
	// Register device websocket route
	h.registerDeviceRoutes(engine)
	// Register System Module Routes
	h.registerSystemRoutes(engine.Group(""))

	if prefix := h.cfg.Server.MonitorPrefix; prefix != "" {
		engine.GET(prefix, gin.WrapH(promhttp.Handler()))
	}
}

// registerDeviceRoutes Device Module
func (h *Handlers) registerDeviceRoutes(engine *gin.Engine) {
	path := h.cfg.Server.WSPath
	if path == "" {
		path = "/xiaozhi/v1/"
	}
	engine.GET(path, h.HandleDeviceWebsocket)
}

// registerSystemRoutes System Module
func (h *Handlers) registerSystemRoutes(r *gin.RouterGroup) {
	r.GET("/health", h.HealthCheck)
	system := r.Group("system")
	{
		system.GET("/status", h.SystemStatus)
	}
}

// ActiveSessions 当前在线的设备连接数
func (h *Handlers) ActiveSessions() int64 {
	return h.active.Load()
}

// Shutdown 取消所有设备会话并等待退出，超时返回 false
func (h *Handlers) Shutdown(timeout time.Duration) bool {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		h.logger.Warn("设备会话未能在超时时间内全部退出", zap.Int64("active", h.active.Load()))
		return false
	}
}
