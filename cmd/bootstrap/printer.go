package bootstrap

import (
	"fmt"
	"os"
	"strings"

	"github.com/code-100-precent/lingecho-device/pkg/config"
	"github.com/code-100-precent/lingecho-device/pkg/logger"
	"go.uber.org/zap"
)

// LogConfigInfo Print global configuration information
func LogConfigInfo() {
	cfg := config.GlobalConfig
	if cfg == nil {
		logger.Warn("global config is not loaded")
		return
	}
	logger.Info("system config load finished")
	logger.Info("global config",
		zap.String("server_name", cfg.Server.Name),
		zap.String("mode", cfg.Server.Mode),
		zap.String("addr", cfg.Server.Addr),
		zap.String("ws_path", cfg.Server.WSPath),
		zap.String("monitor_prefix", cfg.Server.MonitorPrefix),
	)

	logger.Info("log config",
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_filename", cfg.Log.Filename),
		zap.Int("log_max_size", cfg.Log.MaxSize),
		zap.Int("log_max_age", cfg.Log.MaxAge),
		zap.Int("log_max_backups", cfg.Log.MaxBackups),
	)

	logger.Info("cache config",
		zap.String("cache_type", cfg.Cache.Type),
		zap.String("redis_addr", cfg.Cache.Redis.Addr),
		zap.String("redis_key_prefix", cfg.Cache.Redis.KeyPrefix),
	)

	logger.Info("manager api config",
		zap.String("manager_api_url", cfg.ManagerAPI.URL),
		zap.String("manager_api_secret", maskSecret(cfg.ManagerAPI.Secret)),
		zap.Duration("manager_api_timeout", cfg.ManagerAPI.Timeout),
		zap.Int("manager_api_max_retries", cfg.ManagerAPI.MaxRetries),
		zap.Duration("manager_api_retry_delay", cfg.ManagerAPI.RetryDelay),
	)

	logger.Info("device config",
		zap.Bool("read_config_from_api", cfg.Device.ReadConfigFromAPI),
		zap.Strings("wakeup_words", cfg.Device.WakeupWords),
		zap.Bool("enable_greeting", cfg.Device.EnableGreeting),
		zap.Bool("report_asr_enabled", cfg.Device.ReportASREnabled),
		zap.Duration("agent_models_cache_ttl", cfg.Device.AgentModelsCacheTTL),
	)

	logger.Info("photo config",
		zap.String("photo_dir", cfg.Photo.Dir),
		zap.Bool("human_detection_enabled", cfg.Photo.HumanDetectionEnabled),
		zap.String("human_detection_url", cfg.Photo.HumanDetectionURL),
	)

	logger.Info("vl config",
		zap.String("vl_provider", cfg.VL.Provider),
		zap.String("vl_api_url", cfg.VL.APIURL),
		zap.String("vl_api_key", maskSecret(cfg.VL.APIKey)),
		zap.String("vl_model", cfg.VL.Model),
		zap.Duration("vl_timeout", cfg.VL.Timeout),
	)
}

// maskSecret 只保留前后两位
func maskSecret(s string) string {
	r := []rune(s)
	if len(r) == 0 {
		return ""
	}
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-4) + string(r[len(r)-2:])
}

// PrintBannerFromFile Read file and print
func PrintBannerFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	lines := strings.Split(string(data), "\n")

	colors := []string{
		"\x1b[38;5;165m",
		"\x1b[38;5;189m",
		"\x1b[38;5;207m",
		"\x1b[38;5;219m",
		"\x1b[38;5;225m",
		"\x1b[38;5;231m",
	}

	for i, line := range lines {
		color := colors[i%len(colors)]
		fmt.Println(color + line + "\x1b[0m")
	}
	return nil
}
