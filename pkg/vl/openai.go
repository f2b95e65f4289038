package vl

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultOllamaURL = "http://localhost:11434/v1"

// OpenAIProvider OpenAI 兼容的多模态 chat/completions 接口
type OpenAIProvider struct {
	client   *openai.Client
	settings Settings
	logger   *zap.Logger
}

// NewOpenAIProvider 创建 OpenAI 兼容 Provider
func NewOpenAIProvider(settings Settings, logger *zap.Logger) (Provider, error) {
	if settings.Model == "" {
		return nil, errors.New("model_name is required")
	}
	if settings.APIURL == "" {
		settings.APIURL = "https://api.openai.com/v1"
	}
	cfg := openai.DefaultConfig(settings.APIKey)
	cfg.BaseURL = baseURL(settings.APIURL)
	if logger == nil {
		logger = zap.L()
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(cfg),
		settings: settings,
		logger:   logger,
	}, nil
}

// NewOllamaProvider Ollama 走同一套兼容接口，key 可以为空
func NewOllamaProvider(settings Settings, logger *zap.Logger) (Provider, error) {
	if settings.APIURL == "" {
		settings.APIURL = defaultOllamaURL
	}
	if settings.APIKey == "" {
		settings.APIKey = "ollama"
	}
	return NewOpenAIProvider(settings, logger)
}

// Describe 调用视觉大模型描述图片
func (p *OpenAIProvider) Describe(ctx context.Context, imageBase64, prompt string) (string, error) {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	callCtx, cancel := context.WithTimeout(ctx, p.settings.timeout())
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: p.settings.Model,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(imageBase64),
					Detail: openai.ImageURLDetailAuto,
				}},
			},
		}},
		Temperature: float32(p.settings.Temperature),
		MaxTokens:   p.settings.MaxTokens,
		TopP:        float32(p.settings.TopP),
	}

	resp, err := p.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("视觉大模型请求超时，返回默认描述", zap.Duration("timeout", p.settings.timeout()))
			return FallbackDescription, nil
		}
		p.logger.Error("视觉大模型请求失败", zap.String("model", p.settings.Model), zap.Error(err))
		return "", err
	}
	if len(resp.Choices) == 0 {
		p.logger.Error("视觉大模型返回为空", zap.String("model", p.settings.Model))
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// baseURL go-openai 会自动拼接 /chat/completions
func baseURL(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	return strings.TrimSuffix(u, "/chat/completions")
}

func dataURL(imageBase64 string) string {
	if strings.HasPrefix(imageBase64, "data:") {
		return imageBase64
	}
	return "data:image/jpeg;base64," + imageBase64
}
