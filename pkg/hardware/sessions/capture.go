package sessions

import (
	"sync"

	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
)

// Capture 单个连接的拾音状态
type Capture struct {
	mu                sync.Mutex
	hasVoice          bool
	voiceStopped      bool
	listenMode        string
	serverIsReceiving bool
	audio             [][]byte
}

// CaptureState Capture 的只读快照
type CaptureState struct {
	HasVoice          bool
	VoiceStopped      bool
	ListenMode        string
	ServerIsReceiving bool
	BufferedFrames    int
}

func NewCapture() *Capture {
	return &Capture{listenMode: constants.ListenModeAuto}
}

// SetMode 记录客户端拾音模式，返回是否为已知模式
func (c *Capture) SetMode(mode string) bool {
	c.mu.Lock()
	c.listenMode = mode
	c.mu.Unlock()
	switch mode {
	case constants.ListenModeAuto, constants.ListenModeManual, constants.ListenModeRealtime:
		return true
	}
	return false
}

// Start 客户端开始拾音
func (c *Capture) Start() {
	c.mu.Lock()
	c.hasVoice = true
	c.voiceStopped = false
	c.mu.Unlock()
}

// Stop 客户端停止拾音。缓冲区非空时返回 true，调用方需要送一个空帧结束本轮语音
func (c *Capture) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasVoice = true
	c.voiceStopped = true
	return len(c.audio) > 0
}

// Detect 进入新的检测周期，无论之前是什么状态都清空缓冲
func (c *Capture) Detect() {
	c.mu.Lock()
	c.serverIsReceiving = false
	c.hasVoice = false
	c.audio = nil
	c.mu.Unlock()
}

// SetServerReceiving 服务端开始/停止接收语音
func (c *Capture) SetServerReceiving(receiving bool) {
	c.mu.Lock()
	c.serverIsReceiving = receiving
	c.mu.Unlock()
}

// AppendAudio 缓存一帧音频，返回当前帧数
func (c *Capture) AppendAudio(frame []byte) int {
	if len(frame) == 0 {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.audio)
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, buf)
	return len(c.audio)
}

// TakeAudio 取走缓冲区中的全部音频
func (c *Capture) TakeAudio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.audio
	c.audio = nil
	return frames
}

func (c *Capture) State() CaptureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CaptureState{
		HasVoice:          c.hasVoice,
		VoiceStopped:      c.voiceStopped,
		ListenMode:        c.listenMode,
		ServerIsReceiving: c.serverIsReceiving,
		BufferedFrames:    len(c.audio),
	}
}
