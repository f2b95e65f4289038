package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/cache"
	"github.com/code-100-precent/lingecho-device/pkg/config"
	"github.com/code-100-precent/lingecho-device/pkg/detection"
	"github.com/code-100-precent/lingecho-device/pkg/manageapi"
	"github.com/code-100-precent/lingecho-device/pkg/photo"
	"github.com/code-100-precent/lingecho-device/pkg/report"
	"github.com/code-100-precent/lingecho-device/pkg/vl"
	"go.uber.org/zap"
)

// DefaultRestartDelay 回复设备后等待多久再重启进程
const DefaultRestartDelay = time.Second

const (
	// restartFlushTimeout 重启前等待上报队列发送完的上限
	restartFlushTimeout = 5 * time.Second
	// reportCloseTimeout 关闭时等待上报队列的上限，超时取消剩余上报
	reportCloseTimeout = 5 * time.Second
)

// ErrRestartPending 已经有一次重启在等待执行
var ErrRestartPending = errors.New("restart already scheduled")

// DeviceSnapshot 设备相关配置的不可变快照，配置重载时整体替换
type DeviceSnapshot struct {
	ReadConfigFromAPI bool
	WakeupWords       []string
	EnableGreeting    bool
	GreetingText      string
	ReportASREnabled  bool
	SelectedModule    map[string]interface{}
	VL                vl.Settings
	VLPrompt          string
}

// Options 服务依赖，API 和 Cache 可以为 nil
type Options struct {
	Config   *config.Config
	API      *manageapi.Client
	Cache    cache.Cache
	Detector detection.Detector
	Logger   *zap.Logger
	// Exec 重启时替换当前进程，默认 syscall.Exec 自身
	Exec         func() error
	RestartDelay time.Duration
}

// Server 所有设备会话共享的服务端状态
type Server struct {
	cfg      *config.Config
	api      *manageapi.Client
	cache    cache.Cache
	registry *vl.Registry
	pipeline *photo.Pipeline
	reporter *report.Reporter
	dedup    *photo.Deduper
	logger   *zap.Logger

	snapshot atomic.Pointer[DeviceSnapshot]
	updateMu sync.Mutex

	exec           func() error
	restartDelay   time.Duration
	restartPending atomic.Bool
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewGoCache(opts.Config.Cache.Local)
	}
	if opts.Exec == nil {
		opts.Exec = reexec
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	cfg := opts.Config
	logger := opts.Logger.Named("server")

	detector := opts.Detector
	if detector == nil && cfg.Photo.HumanDetectionEnabled && cfg.Photo.HumanDetectionURL != "" {
		detector = detection.NewHTTPDetector(cfg.Photo.HumanDetectionURL, cfg.Photo.HumanDetectionTimeout, opts.Logger)
	}
	if !cfg.Photo.HumanDetectionEnabled {
		detector = nil
	}
	if detector == nil {
		logger.Warn("人体检测功能不可用，照片将使用视觉大模型描述")
	}

	s := &Server{
		cfg:          cfg,
		api:          opts.API,
		cache:        opts.Cache,
		registry:     vl.NewRegistry(opts.Logger),
		dedup:        photo.NewDeduper(),
		logger:       logger,
		exec:         opts.Exec,
		restartDelay: opts.RestartDelay,
	}
	snap := snapshotFromConfig(cfg)
	s.snapshot.Store(snap)

	s.pipeline = photo.NewPipeline(photo.Options{
		Store:     photo.NewStore(cfg.Photo.Dir),
		Detector:  detector,
		Describer: s.describer(snap),
		Deduper:   s.dedup,
		Prompt:    snap.VLPrompt,
		Logger:    opts.Logger,
	})
	if s.api != nil {
		s.reporter = report.NewReporter(s.api, report.DefaultQueueSize, opts.Logger)
	}
	return s, nil
}

func snapshotFromConfig(cfg *config.Config) *DeviceSnapshot {
	return &DeviceSnapshot{
		ReadConfigFromAPI: cfg.Device.ReadConfigFromAPI,
		WakeupWords:       append([]string(nil), cfg.Device.WakeupWords...),
		EnableGreeting:    cfg.Device.EnableGreeting,
		GreetingText:      cfg.Device.GreetingText,
		ReportASREnabled:  cfg.Device.ReportASREnabled,
		SelectedModule:    map[string]interface{}{},
		VL: vl.Settings{
			Type:        cfg.VL.Provider,
			APIURL:      cfg.VL.APIURL,
			APIKey:      cfg.VL.APIKey,
			Model:       cfg.VL.Model,
			Temperature: cfg.VL.Temperature,
			MaxTokens:   cfg.VL.MaxTokens,
			TopP:        cfg.VL.TopP,
			Timeout:     cfg.VL.Timeout,
		},
		VLPrompt: cfg.VL.Prompt,
	}
}

// describer 没有配置视觉大模型时返回 nil
func (s *Server) describer(snap *DeviceSnapshot) vl.Provider {
	settings := snap.VL
	if settings.Model == "" || (settings.APIKey == "" && settings.Type != string(vl.ProviderTypeOllama)) {
		return nil
	}
	p, err := s.registry.Get(settings)
	if err != nil {
		s.logger.Warn("创建视觉大模型失败", zap.String("type", settings.Type), zap.Error(err))
		return nil
	}
	return p
}

// Snapshot 当前设备配置
func (s *Server) Snapshot() *DeviceSnapshot {
	return s.snapshot.Load()
}

func (s *Server) Pipeline() *photo.Pipeline {
	return s.pipeline
}

func (s *Server) Deduper() *photo.Deduper {
	return s.dedup
}

// UpdateConfig 从管理后台拉取配置并替换快照，已建立的会话保持原配置
func (s *Server) UpdateConfig(ctx context.Context) error {
	if s.api == nil {
		return fmt.Errorf("%w: 未配置管理后台", errConfigNotUpdated)
	}
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	remote, err := s.api.GetServerConfig(ctx)
	if err != nil {
		s.logger.Error("获取服务器配置失败", zap.Error(err))
		return fmt.Errorf("%w: %v", errConfigNotUpdated, err)
	}
	if remote == nil {
		return fmt.Errorf("%w: 配置为空", errConfigNotUpdated)
	}

	next := mergeRemote(s.Snapshot(), remote)
	s.snapshot.Store(next)
	s.pipeline.SetDescriber(s.describer(next))
	if err := s.cache.Clear(ctx); err != nil {
		s.logger.Warn("清理智能体模型缓存失败", zap.Error(err))
	}
	s.logger.Info("服务器配置已更新",
		zap.Strings("wakeup_words", next.WakeupWords),
		zap.Bool("enable_greeting", next.EnableGreeting),
		zap.String("vl_model", next.VL.Model))
	return nil
}

// Restart 延迟 restartDelay 后替换进程，让设备先收到回复
func (s *Server) Restart(ctx context.Context) error {
	if !s.restartPending.CompareAndSwap(false, true) {
		return ErrRestartPending
	}
	s.logger.Info("服务器将在稍后重启", zap.Duration("delay", s.restartDelay))
	go func() {
		time.Sleep(s.restartDelay)
		// 只等待不关闭，exec 失败后上报继续可用
		if s.reporter != nil && !s.reporter.Flush(restartFlushTimeout) {
			s.logger.Warn("重启前上报未发送完", zap.Int64("pending", s.reporter.Pending()))
		}
		if err := s.exec(); err != nil {
			s.logger.Error("重启失败", zap.Error(err))
			s.restartPending.Store(false)
		}
	}()
	return nil
}

func reexec() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

// AgentModels 获取设备的智能体模型配置，按设备缓存
func (s *Server) AgentModels(ctx context.Context, macAddress, clientID string) (map[string]interface{}, error) {
	if s.api == nil {
		return nil, errors.New("management api is not configured")
	}
	key := agentModelsKey(macAddress, clientID)
	if v, ok := s.cache.Get(ctx, key); ok {
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
	}
	models, err := s.api.GetAgentModels(ctx, macAddress, clientID, s.Snapshot().SelectedModule)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key, models, s.cfg.Device.AgentModelsCacheTTL); err != nil {
		s.logger.Warn("缓存智能体模型失败", zap.Error(err))
	}
	return models, nil
}

func agentModelsKey(macAddress, clientID string) string {
	return "agent_models:" + macAddress + ":" + clientID
}

// RestartPending 是否有一次重启在等待执行
func (s *Server) RestartPending() bool {
	return s.restartPending.Load()
}

// Close 等待未发送的上报，后端不可用时最多等待 reportCloseTimeout
func (s *Server) Close() {
	if s.reporter != nil && !s.reporter.Close(reportCloseTimeout) {
		s.logger.Warn("关闭时丢弃了未发送的上报")
	}
}
