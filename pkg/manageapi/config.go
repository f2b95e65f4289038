package manageapi

import (
	"strings"
	"time"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 6
	DefaultRetryDelay = 10 * time.Second

	// placeholderMarker 配置模板里的占位密钥都包含这个字
	placeholderMarker = "你"
)

// Config 管理后台客户端配置
type Config struct {
	BaseURL string `env:"MANAGER_API_URL" mapstructure:"url"`
	Secret  string `env:"MANAGER_API_SECRET" mapstructure:"secret"`

	// 单次请求超时，不会延长调用方 context 的 deadline
	Timeout time.Duration `env:"MANAGER_API_TIMEOUT" mapstructure:"timeout"`

	// 重试配置，负数使用默认值，0 表示不重试 / 不等待；重试间隔固定，不做指数退避
	MaxRetries int           `env:"MANAGER_API_MAX_RETRIES" mapstructure:"max_retries"`
	RetryDelay time.Duration `env:"MANAGER_API_RETRY_DELAY" mapstructure:"retry_delay"`

	UserAgent string `mapstructure:"user_agent"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		RetryDelay: DefaultRetryDelay,
		UserAgent:  "lingecho-device/1.0",
	}
}

// Validate 校验配置，失败时返回 *ConfigError
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return ErrConfig("MANAGER_API_URL", "url is required")
	}
	if strings.TrimSpace(c.Secret) == "" {
		return ErrConfig("MANAGER_API_SECRET", "secret is required")
	}
	if strings.Contains(c.Secret, placeholderMarker) {
		return ErrConfig("MANAGER_API_SECRET", "secret is still the placeholder value")
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	out.BaseURL = strings.TrimRight(strings.TrimSpace(out.BaseURL), "/")
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = DefaultRetryDelay
	}
	if out.UserAgent == "" {
		out.UserAgent = "lingecho-device/1.0"
	}
	return &out
}
