package protocol

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/code-100-precent/lingecho-device/pkg/photo"
)

// ErrConfigNotUpdated 配置重载没有生效
var ErrConfigNotUpdated = errors.New("server config not updated")

// 以下协作者在读循环里同步调用，实现方不能阻塞；耗时工作自己用 s.Go 放到后台

// Bootstrapper 处理 hello
type Bootstrapper interface {
	Hello(ctx context.Context, s *HardwareSession, msg *Message) error
}

// AbortHandler 中断当前的对话和TTS输出
type AbortHandler interface {
	Abort(ctx context.Context, s *HardwareSession) error
}

// ChatStarter 把一句用户文本交给对话引擎
type ChatStarter interface {
	StartChat(ctx context.Context, s *HardwareSession, text string) error
}

// AudioIngester 接收音频帧，空帧表示本轮语音结束
type AudioIngester interface {
	IngestAudio(ctx context.Context, s *HardwareSession, frame []byte) error
}

// IoTHandler 处理设备上报的描述符和状态，在后台任务中调用
type IoTHandler interface {
	HandleDescriptors(ctx context.Context, s *HardwareSession, descriptors json.RawMessage) error
	HandleStates(ctx context.Context, s *HardwareSession, states json.RawMessage) error
}

// Reporter 异步上报对话记录
type Reporter interface {
	EnqueueASR(macAddress, sessionID, text string, audio [][]byte) bool
}

// ServerControl 服务端配置重载和重启，在后台任务中调用
type ServerControl interface {
	UpdateConfig(ctx context.Context) error
	Restart(ctx context.Context) error
}

// PhotoAnalyzer 摄像头照片分析，返回 nil 表示不通知设备
type PhotoAnalyzer interface {
	Analyze(ctx context.Context, job *photo.Job) *photo.Response
}
