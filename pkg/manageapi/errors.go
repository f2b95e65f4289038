package manageapi

import (
	"errors"
	"fmt"
)

// 业务错误码
const (
	CodeOK             = 0
	CodeDeviceNotFound = 10041
	CodeDeviceBind     = 10042
)

// ErrClientClosed 客户端已关闭后仍被调用
var ErrClientClosed = errors.New("manage api client is closed")

// ConfigError 启动配置缺失或仍为占位值，进程不应继续启动
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("manage api config %s: %s", e.Field, e.Reason)
}

func ErrConfig(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// DeviceNotFoundError 对应业务码 10041
type DeviceNotFoundError struct {
	Msg string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device not found: %s", e.Msg)
}

// DeviceBindError 对应业务码 10042，设备等待绑定，BindCode 为绑定码
type DeviceBindError struct {
	BindCode string
}

func (e *DeviceBindError) Error() string {
	return fmt.Sprintf("device bind pending, bind code: %s", e.BindCode)
}

// APIError 其他非零业务码
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("manage api error [%d]: %s", e.Code, e.Msg)
}

// StatusError 非 2xx 的 HTTP 响应
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("manage api http status %d: %s", e.StatusCode, e.Body)
}

// TransportError 连接失败、超时或响应无法解析
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("manage api transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsDeviceNotFound 检查是否为设备不存在
func IsDeviceNotFound(err error) bool {
	var target *DeviceNotFoundError
	return errors.As(err, &target)
}

// IsDeviceBindPending 检查是否为设备待绑定，返回绑定码
func IsDeviceBindPending(err error) (string, bool) {
	var target *DeviceBindError
	if errors.As(err, &target) {
		return target.BindCode, true
	}
	return "", false
}

// IsBusinessError 业务错误不会重试
func IsBusinessError(err error) bool {
	var (
		notFound *DeviceNotFoundError
		bind     *DeviceBindError
		api      *APIError
	)
	return errors.As(err, &notFound) || errors.As(err, &bind) || errors.As(err, &api)
}

// isRetryable 连接错误、超时以及任何非 2xx 状态（含 408/429/5xx）都可重试，业务错误直接返回
func isRetryable(err error) bool {
	var status *StatusError
	if errors.As(err, &status) {
		return true
	}
	var transport *TransportError
	return errors.As(err, &transport)
}
