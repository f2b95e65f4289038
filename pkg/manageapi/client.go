package manageapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/metrics"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// envelope 管理后台统一响应结构
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client 管理后台客户端，进程内共享一个实例，显式 NewClient / Close
type Client struct {
	config *Config
	http   *resty.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	closed bool
}

// NewClient 创建管理后台客户端，配置不合法时返回 *ConfigError
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.Secret).
		SetHeaders(map[string]string{
			"User-Agent":   cfg.UserAgent,
			"Accept":       "application/json",
			"Content-Type": "application/json",
		})

	c := &Client{
		config: cfg,
		http:   httpClient,
		logger: zap.L().Named("manageapi"),
		sleep:  sleepContext,
	}
	c.logger.Info("管理后台客户端初始化完成",
		zap.String("base_url", cfg.BaseURL),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("retry_delay", cfg.RetryDelay))
	return c, nil
}

// Close 结束客户端生命周期，之后的调用都返回 ErrClientClosed
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.http.GetClient().CloseIdleConnections()
	c.logger.Info("管理后台客户端已关闭")
	return nil
}

// Call 发送请求并解析 {code,msg,data}，code==0 时返回 data。
// 可重试错误按固定间隔重试，总次数不超过 MaxRetries+1；业务错误立即返回
func (c *Client) Call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClientClosed
	}

	label := metricPath(path)
	for attempt := 0; ; attempt++ {
		data, err := c.do(ctx, method, path, body)
		if err == nil {
			metrics.ManageAPIAttempts.WithLabelValues(label, "ok").Inc()
			return data, nil
		}
		if !isRetryable(err) {
			metrics.ManageAPIAttempts.WithLabelValues(label, "business").Inc()
			return nil, err
		}
		if attempt >= c.config.MaxRetries || ctx.Err() != nil {
			metrics.ManageAPIAttempts.WithLabelValues(label, "fail").Inc()
			c.logger.Error("管理后台请求失败",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return nil, err
		}
		metrics.ManageAPIAttempts.WithLabelValues(label, "retry").Inc()
		c.logger.Warn(fmt.Sprintf("请求失败，%s 后进行第 %d 次重试", c.config.RetryDelay, attempt+1),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		if sleepErr := c.sleep(ctx, c.config.RetryDelay); sleepErr != nil {
			return nil, err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if !resp.IsSuccess() {
		return nil, &StatusError{StatusCode: resp.StatusCode(), Body: truncate(resp.String(), 256)}
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &TransportError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	switch env.Code {
	case CodeOK:
		return env.Data, nil
	case CodeDeviceNotFound:
		return nil, &DeviceNotFoundError{Msg: env.Msg}
	case CodeDeviceBind:
		return nil, &DeviceBindError{BindCode: env.Msg}
	default:
		return nil, &APIError{Code: env.Code, Msg: env.Msg}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// metricPath 去掉路径中的设备地址，避免指标基数膨胀
func metricPath(path string) string {
	if strings.HasPrefix(path, pathSaveMemory) {
		return pathSaveMemory + "{mac}"
	}
	return path
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
