package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/code-100-precent/lingecho-device/cmd/bootstrap"
	handlers "github.com/code-100-precent/lingecho-device/internal/handler"
	"github.com/code-100-precent/lingecho-device/internal/server"
	"github.com/code-100-precent/lingecho-device/pkg/cache"
	"github.com/code-100-precent/lingecho-device/pkg/config"
	"github.com/code-100-precent/lingecho-device/pkg/logger"
	"github.com/code-100-precent/lingecho-device/pkg/manageapi"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const shutdownGracePeriod = 10 * time.Second

func main() {
	banner := flag.String("banner", "banner.txt", "banner file printed at startup")
	flag.Parse()

	if err := config.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GlobalConfig
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if dir := filepath.Dir(cfg.Log.Filename); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	if err := logger.Init(&cfg.Log, cfg.Server.Mode); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := bootstrap.PrintBannerFromFile(*banner); err != nil {
		logger.Debug("banner not printed", zap.Error(err))
	}
	bootstrap.LogConfigInfo()

	if err := run(cfg); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var api *manageapi.Client
	if cfg.ManagerAPI.Enabled() || cfg.Device.ReadConfigFromAPI {
		var err error
		api, err = manageapi.NewClient(&manageapi.Config{
			BaseURL:    cfg.ManagerAPI.URL,
			Secret:     cfg.ManagerAPI.Secret,
			Timeout:    cfg.ManagerAPI.Timeout,
			MaxRetries: cfg.ManagerAPI.MaxRetries,
			RetryDelay: cfg.ManagerAPI.RetryDelay,
		})
		if err != nil {
			var cfgErr *manageapi.ConfigError
			if errors.As(err, &cfgErr) {
				// 密钥缺失或仍是占位值，不允许启动
				logger.Fatal("管理后台配置错误", zap.String("field", cfgErr.Field), zap.Error(err))
			}
			return fmt.Errorf("create manage api client: %w", err)
		}
		defer api.Close()
	}

	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer c.Close()

	srv, err := server.New(server.Options{
		Config: cfg,
		API:    api,
		Cache:  c,
		Logger: logger.Named("server"),
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	if cfg.Device.ReadConfigFromAPI {
		// 留够全部重试的时间
		budget := (cfg.ManagerAPI.Timeout + cfg.ManagerAPI.RetryDelay) * time.Duration(cfg.ManagerAPI.MaxRetries+1)
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		if err := srv.UpdateConfig(ctx); err != nil {
			logger.Warn("启动时获取管理后台配置失败，使用本地配置", zap.Error(err))
		}
		cancel()
	}

	if cfg.Server.Mode != "development" && cfg.Server.Mode != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	h := handlers.NewHandlers(cfg, srv, logger.Named("handler"))
	h.Register(engine)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErrCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.Addr), zap.String("ws_path", cfg.Server.WSPath))
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown http server", zap.Error(err))
	}
	if !h.Shutdown(shutdownGracePeriod) {
		logger.Warn("some device sessions did not stop in time")
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
