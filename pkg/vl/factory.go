package vl

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// ProviderType 视觉大模型类型
type ProviderType string

const (
	ProviderTypeOpenAI ProviderType = "openai" // OpenAI 兼容接口（豆包/火山方舟、通义等）
	ProviderTypeOllama ProviderType = "ollama" // Ollama 的 OpenAI 兼容接口
)

// Creator 根据配置创建 Provider
type Creator func(settings Settings, logger *zap.Logger) (Provider, error)

// Registry 静态注册表，同一份配置只创建一个实例
type Registry struct {
	mu        sync.RWMutex
	creators  map[ProviderType]Creator
	instances *lru.Cache[string, Provider]
	logger    *zap.Logger
}

// NewRegistry 创建注册表并注册内置 Provider
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.L()
	}
	instances, _ := lru.New[string, Provider](16)
	r := &Registry{
		creators:  make(map[ProviderType]Creator),
		instances: instances,
		logger:    logger.Named("vl"),
	}
	r.Register(ProviderTypeOpenAI, NewOpenAIProvider)
	r.Register(ProviderTypeOllama, NewOllamaProvider)
	return r
}

// Register 注册创建函数
func (r *Registry) Register(t ProviderType, creator Creator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[t] = creator
}

// IsSupported 检查类型是否支持
func (r *Registry) IsSupported(t string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.creators[normalize(t)]
	return ok
}

// Get 返回配置对应的 Provider，已创建过的直接复用
func (r *Registry) Get(settings Settings) (Provider, error) {
	t := normalize(settings.Type)
	key := cacheKey(t, settings)
	if p, ok := r.instances.Get(key); ok {
		return p, nil
	}

	r.mu.RLock()
	creator, ok := r.creators[t]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, settings.Type)
	}
	p, err := creator(settings, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create vl provider %s: %w", t, err)
	}
	r.instances.Add(key, p)
	r.logger.Info("视觉大模型初始化完成", zap.String("type", string(t)), zap.String("model", settings.Model))
	return p, nil
}

func normalize(t string) ProviderType {
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ProviderTypeOpenAI
	}
	return ProviderType(t)
}

func cacheKey(t ProviderType, s Settings) string {
	return fmt.Sprintf("%s|%s|%s|%s|%g|%d|%g|%s", t, s.APIURL, s.APIKey, s.Model, s.Temperature, s.MaxTokens, s.TopP, s.Timeout)
}
