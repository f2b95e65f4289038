package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/cache"
	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
	"github.com/code-100-precent/lingecho-device/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config main configuration structure
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        logger.LogConfig `mapstructure:"log"`
	Cache      cache.Config     `mapstructure:"cache"`
	ManagerAPI ManagerAPIConfig `mapstructure:"manager_api"`
	Device     DeviceConfig     `mapstructure:"device"`
	Photo      PhotoConfig      `mapstructure:"photo"`
	VL         VLConfig         `mapstructure:"vl"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Name          string `env:"SERVER_NAME"`
	Addr          string `env:"ADDR"`
	Mode          string `env:"MODE"`
	WSPath        string `env:"WS_PATH"`
	MonitorPrefix string `env:"MONITOR_PREFIX"`
}

// ManagerAPIConfig 管理后台接口配置
type ManagerAPIConfig struct {
	URL        string        `env:"MANAGER_API_URL"`
	Secret     string        `env:"MANAGER_API_SECRET"`
	Timeout    time.Duration `env:"MANAGER_API_TIMEOUT"`
	MaxRetries int           `env:"MANAGER_API_MAX_RETRIES"`
	RetryDelay time.Duration `env:"MANAGER_API_RETRY_DELAY"`
}

// Enabled reports whether any management API setting was provided
func (m ManagerAPIConfig) Enabled() bool {
	return m.URL != "" || m.Secret != ""
}

// DeviceConfig 设备会话配置，连接建立时拷贝一份快照
type DeviceConfig struct {
	ReadConfigFromAPI   bool          `env:"READ_CONFIG_FROM_API"`
	WakeupWords         []string      `env:"WAKEUP_WORDS"`
	EnableGreeting      bool          `env:"ENABLE_GREETING"`
	GreetingText        string        `env:"GREETING_TEXT"`
	ReportASREnabled    bool          `env:"REPORT_ASR_ENABLED"`
	AgentModelsCacheTTL time.Duration `env:"AGENT_MODELS_CACHE_TTL"`
}

// PhotoConfig 摄像头照片处理配置
type PhotoConfig struct {
	Dir                   string        `env:"PHOTO_DIR"`
	HumanDetectionEnabled bool          `env:"HUMAN_DETECTION_ENABLED"`
	HumanDetectionURL     string        `env:"HUMAN_DETECTION_URL"`
	HumanDetectionTimeout time.Duration `env:"HUMAN_DETECTION_TIMEOUT"`
}

// VLConfig 视觉大模型配置
type VLConfig struct {
	Provider    string        `env:"VL_PROVIDER"`
	APIURL      string        `env:"VL_API_URL"`
	APIKey      string        `env:"VL_API_KEY"`
	Model       string        `env:"VL_MODEL"`
	Temperature float64       `env:"VL_TEMPERATURE"`
	MaxTokens   int           `env:"VL_MAX_TOKENS"`
	TopP        float64       `env:"VL_TOP_P"`
	Timeout     time.Duration `env:"VL_TIMEOUT"`
	Prompt      string        `env:"VL_PROMPT"`
}

var GlobalConfig *Config

func Load() error {
	// 1. Load .env file based on environment (missing files fall back to defaults)
	env := os.Getenv("APP_ENV")
	if err := LoadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	// 2. Load global configuration
	GlobalConfig = &Config{
		Server: ServerConfig{
			Name:          getStringOrDefault("SERVER_NAME", "lingecho-device"),
			Addr:          getStringOrDefault("ADDR", ":8000"),
			Mode:          getStringOrDefault("MODE", "development"),
			WSPath:        getStringOrDefault("WS_PATH", "/xiaozhi/v1/"),
			MonitorPrefix: getStringOrDefault("MONITOR_PREFIX", "/metrics"),
		},
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/app.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", false),
		},
		Cache: loadCacheConfig(),
		ManagerAPI: ManagerAPIConfig{
			URL:        getStringOrDefault("MANAGER_API_URL", ""),
			Secret:     getStringOrDefault("MANAGER_API_SECRET", ""),
			Timeout:    parseDuration(getStringOrDefault("MANAGER_API_TIMEOUT", ""), 30*time.Second),
			MaxRetries: getIntOrDefault("MANAGER_API_MAX_RETRIES", 6),
			RetryDelay: parseDuration(getStringOrDefault("MANAGER_API_RETRY_DELAY", ""), 10*time.Second),
		},
		Device: DeviceConfig{
			ReadConfigFromAPI:   getBoolOrDefault("READ_CONFIG_FROM_API", false),
			WakeupWords:         getListOrDefault("WAKEUP_WORDS", constants.DefaultWakeupWords),
			EnableGreeting:      getBoolOrDefault("ENABLE_GREETING", true),
			GreetingText:        getStringOrDefault("GREETING_TEXT", constants.DefaultGreetingText),
			ReportASREnabled:    getBoolOrDefault("REPORT_ASR_ENABLED", true),
			AgentModelsCacheTTL: parseDuration(getStringOrDefault("AGENT_MODELS_CACHE_TTL", ""), 10*time.Minute),
		},
		Photo: PhotoConfig{
			Dir:                   getStringOrDefault("PHOTO_DIR", "data/photos"),
			HumanDetectionEnabled: getBoolOrDefault("HUMAN_DETECTION_ENABLED", true),
			HumanDetectionURL:     getStringOrDefault("HUMAN_DETECTION_URL", ""),
			HumanDetectionTimeout: parseDuration(getStringOrDefault("HUMAN_DETECTION_TIMEOUT", ""), 0),
		},
		VL: VLConfig{
			Provider:    getStringOrDefault("VL_PROVIDER", "openai"),
			APIURL:      getStringOrDefault("VL_API_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			APIKey:      getStringOrDefault("VL_API_KEY", ""),
			Model:       getStringOrDefault("VL_MODEL", "doubao-1.5-vision-pro-32k-250115"),
			Temperature: getFloatOrDefault("VL_TEMPERATURE", 0.9),
			MaxTokens:   getIntOrDefault("VL_MAX_TOKENS", 80),
			TopP:        getFloatOrDefault("VL_TOP_P", 0.95),
			Timeout:     parseDuration(getStringOrDefault("VL_TIMEOUT", ""), 5*time.Second),
			Prompt:      getStringOrDefault("VL_PROMPT", ""),
		},
	}
	return nil
}

// LoadEnv 加载 .env 以及 .env.<env>，后加载的不覆盖已存在的环境变量
func LoadEnv(env string) error {
	files := []string{".env"}
	if env != "" {
		files = append([]string{".env." + env}, files...)
	}
	var loaded int
	var lastErr error
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			lastErr = err
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return lastErr
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Device.ReadConfigFromAPI && !c.ManagerAPI.Enabled() {
		return errors.New("READ_CONFIG_FROM_API requires MANAGER_API_URL and MANAGER_API_SECRET")
	}
	if c.Photo.Dir == "" {
		return errors.New("photo directory is required")
	}
	if c.VL.Timeout <= 0 {
		return fmt.Errorf("invalid VL timeout: %s", c.VL.Timeout)
	}
	return nil
}

func loadCacheConfig() cache.Config {
	return cache.Config{
		Type: getStringOrDefault("CACHE_TYPE", cache.KindLocal),
		Redis: cache.RedisConfig{
			Addr:         getStringOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:     getStringOrDefault("REDIS_PASSWORD", ""),
			DB:           getIntOrDefault("REDIS_DB", 0),
			PoolSize:     getIntOrDefault("REDIS_POOL_SIZE", 10),
			MinIdleConns: getIntOrDefault("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  parseDuration(getStringOrDefault("REDIS_DIAL_TIMEOUT", ""), 5*time.Second),
			ReadTimeout:  parseDuration(getStringOrDefault("REDIS_READ_TIMEOUT", ""), 3*time.Second),
			WriteTimeout: parseDuration(getStringOrDefault("REDIS_WRITE_TIMEOUT", ""), 3*time.Second),
			KeyPrefix:    getStringOrDefault("REDIS_KEY_PREFIX", "lingecho-device:"),
		},
		Local: cache.LocalConfig{
			DefaultExpiration: parseDuration(getStringOrDefault("LOCAL_CACHE_DEFAULT_EXPIRATION", ""), 5*time.Minute),
			CleanupInterval:   parseDuration(getStringOrDefault("LOCAL_CACHE_CLEANUP_INTERVAL", ""), 10*time.Minute),
		},
	}
}

// getStringOrDefault gets environment variable value, returns default if empty
func getStringOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault gets boolean environment variable value, returns default if empty or invalid
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := getStringOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// getIntOrDefault gets integer environment variable value, returns default if empty or invalid
func getIntOrDefault(key string, defaultValue int) int {
	value := getStringOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	i, err := cast.ToIntE(value)
	if err != nil {
		return defaultValue
	}
	return i
}

// getFloatOrDefault gets float environment variable value, returns default if empty or invalid
func getFloatOrDefault(key string, defaultValue float64) float64 {
	value := getStringOrDefault(key, "")
	if value == "" {
		return defaultValue
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return defaultValue
	}
	return f
}

// getListOrDefault 逗号分隔列表
func getListOrDefault(key string, defaultValue []string) []string {
	value := getStringOrDefault(key, "")
	if value == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseDuration parses a duration string, returns default value on failure
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}
