package constants

// 设备上行消息类型（xiaozhi 协议）
const (
	MessageTypeHello  = "hello"
	MessageTypeListen = "listen"
	MessageTypeAbort  = "abort"
	MessageTypeIoT    = "iot"
	MessageTypeServer = "server"
	MessageTypePing   = "ping"
)

// 下行消息类型
const (
	MessageTypeSTT                  = "stt"
	MessageTypeTTS                  = "tts"
	MessageTypePong                 = "pong"
	MessageTypeError                = "error"
	MessageTypeConfigUpdateResponse = "config_update_response"
)

// listen 消息的 state
const (
	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"
)

// 拾音模式
const (
	ListenModeAuto     = "auto"
	ListenModeManual   = "manual"
	ListenModeRealtime = "realtime"
)

// TTS 状态
const (
	TTSStateStart = "start"
	TTSStateStop  = "stop"
)

// server 消息的 action
const (
	ServerActionUpdateConfig = "update_config"
	ServerActionRestart      = "restart"
)

// 响应状态
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusProcessing = "processing"
)

// 上报的对话类型
const (
	ChatTypeUser  = 1
	ChatTypeAgent = 2
)

const (
	DefaultGreetingText  = "嘿，你好呀"
	DefaultAudioFormat   = "opus"
	DefaultSampleRate    = 16000
	DefaultChannels      = 1
	DefaultFrameDuration = 60
	DefaultPhotoFormat   = "jpg"
	PhotoFilePrefix      = "camera_photo"
)

// DefaultWakeupWords 默认唤醒词
var DefaultWakeupWords = []string{
	"你好小智",
	"嘿你好呀",
	"你好小志",
	"小爱同学",
	"你好小鑫",
	"你好小新",
	"小美同学",
	"小龙小龙",
	"喵喵同学",
	"小滨小滨",
	"小冰小冰",
}

// 下发给设备的提示文案
const (
	MsgPhotoProcessing      = "照片已接收，正在处理..."
	MsgPhotoFailed          = "处理照片失败：%s"
	MsgPhotoNoDescription   = "无法获取图片描述"
	MsgSecretVerifyFailed   = "服务器密钥验证失败"
	MsgServerUnavailable    = "无法获取服务器实例"
	MsgConfigUpdated        = "配置更新成功"
	MsgConfigUpdateFailed   = "更新服务器配置失败"
	MsgConfigUpdateErrorFmt = "更新配置失败: %s"
	MsgServerRestarting     = "服务器重启中..."
	MsgRestartFailedFmt     = "Restart failed: %s"
)

const HARDWARE_SESSION_PREFIX = "hardware_session_"
