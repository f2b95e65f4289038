package vl

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cast"
)

const (
	// DefaultPrompt 默认提示词
	DefaultPrompt = "简短的描述一下这个图片里面主要的内容"
	// FallbackDescription 调用超时时的兜底描述
	FallbackDescription = "这是一张照片。由于处理速度原因，无法提供详细描述。"
	DefaultTimeout      = 5 * time.Second
)

var (
	ErrUnknownProvider = errors.New("unknown vl provider")
	ErrEmptyResponse   = errors.New("vl provider returned no choices")
)

// Provider 视觉大模型，输入 base64 图片返回文字描述。
// 超时返回 FallbackDescription 且 err 为 nil；其他失败返回 error，调用方按"无描述"处理
type Provider interface {
	Describe(ctx context.Context, imageBase64, prompt string) (string, error)
}

// Settings 视觉大模型配置
type Settings struct {
	Type        string        `json:"type"`
	APIURL      string        `json:"api_url"`
	APIKey      string        `json:"api_key"`
	Model       string        `json:"model_name"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Timeout     time.Duration `json:"timeout"`
}

// SettingsFromMap 从管理后台下发的 VLLM 配置块解析
func SettingsFromMap(m map[string]interface{}) Settings {
	s := Settings{
		Type:        cast.ToString(m["type"]),
		APIURL:      cast.ToString(m["api_url"]),
		APIKey:      cast.ToString(m["api_key"]),
		Model:       cast.ToString(m["model_name"]),
		Temperature: cast.ToFloat64(m["temperature"]),
		MaxTokens:   cast.ToInt(m["max_tokens"]),
		TopP:        cast.ToFloat64(m["top_p"]),
	}
	if v, ok := m["timeout"]; ok {
		s.Timeout = cast.ToDuration(v)
	}
	return s
}

func (s Settings) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}
