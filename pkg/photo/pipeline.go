package photo

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/code-100-precent/lingecho-device/pkg/detection"
	"github.com/code-100-precent/lingecho-device/pkg/hardware/constants"
	"github.com/code-100-precent/lingecho-device/pkg/metrics"
	"github.com/code-100-precent/lingecho-device/pkg/vl"
	"go.uber.org/zap"
)

// ErrNoAnalyzer 既没有人体检测也没有视觉大模型
var ErrNoAnalyzer = errors.New("人体检测功能不可用，且未配置视觉大模型")

// InputError 照片数据为空或无法解码
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return e.Reason
}

// Job 一条 camera_photo 消息
type Job struct {
	SessionID string
	Width     int
	Height    int
	Format    string
	Data      string
}

// Response 下发给设备的 iot 消息
type Response struct {
	Type                string         `json:"type"`
	CameraPhotoResponse *PhotoResponse `json:"camera_photo_response"`
	SessionID           string         `json:"session_id,omitempty"`
}

// PhotoResponse camera_photo_response 内容。成功结果总是带上宽高，0x0 也不省略
type PhotoResponse struct {
	Status           string            `json:"status"`
	Message          string            `json:"message"`
	Filename         string            `json:"filename,omitempty"`
	Timestamp        string            `json:"timestamp,omitempty"`
	Filepath         string            `json:"filepath,omitempty"`
	Width            *int              `json:"width,omitempty"`
	Height           *int              `json:"height,omitempty"`
	DetectionResult  *detection.Result `json:"detection_result,omitempty"`
	RegionIndex      *int              `json:"region_index,omitempty"`
	Description      *string           `json:"description,omitempty"`
	ProcessingTimeMs *int64            `json:"processing_time_ms,omitempty"`
}

// ProcessingResponse 收到照片后的即时确认
func ProcessingResponse(sessionID string) *Response {
	return &Response{
		Type: constants.MessageTypeIoT,
		CameraPhotoResponse: &PhotoResponse{
			Status:  constants.StatusProcessing,
			Message: constants.MsgPhotoProcessing,
		},
		SessionID: sessionID,
	}
}

// ErrorResponse 处理失败的响应
func ErrorResponse(sessionID string, err error) *Response {
	return &Response{
		Type: constants.MessageTypeIoT,
		CameraPhotoResponse: &PhotoResponse{
			Status:  constants.StatusError,
			Message: fmt.Sprintf(constants.MsgPhotoFailed, err.Error()),
		},
		SessionID: sessionID,
	}
}

// Options 流水线依赖
type Options struct {
	Store     *Store
	Detector  detection.Detector
	Describer vl.Provider
	Deduper   *Deduper
	Prompt    string
	Logger    *zap.Logger
}

// Pipeline 摄像头照片处理：解码、保存、检测（或视觉描述）、去重、生成响应
type Pipeline struct {
	store    *Store
	detector detection.Detector
	dedup    *Deduper
	prompt   string
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	describer vl.Provider
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Deduper == nil {
		opts.Deduper = NewDeduper()
	}
	if opts.Store == nil {
		opts.Store = NewStore("data/photos")
	}
	return &Pipeline{
		store:     opts.Store,
		detector:  opts.Detector,
		describer: opts.Describer,
		dedup:     opts.Deduper,
		prompt:    opts.Prompt,
		logger:    opts.Logger.Named("photo"),
		now:       time.Now,
	}
}

// SetDescriber 配置重载后替换视觉大模型
func (p *Pipeline) SetDescriber(d vl.Provider) {
	p.mu.Lock()
	p.describer = d
	p.mu.Unlock()
}

func (p *Pipeline) getDescriber() vl.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.describer
}

// Analyze 处理一张照片。返回 nil 表示本次不通知设备（未检测到人体或主区域未变化）；
// 任何失败都转成 error 状态的响应
func (p *Pipeline) Analyze(ctx context.Context, job *Job) *Response {
	start := p.now()
	resp, status, err := p.analyze(ctx, job, start)
	metrics.PhotoProcessing.Observe(p.now().Sub(start).Seconds())
	if err != nil {
		metrics.PhotoResults.WithLabelValues(constants.StatusError).Inc()
		p.logger.Error("处理照片错误", zap.String("session_id", job.SessionID), zap.Error(err))
		return ErrorResponse(job.SessionID, err)
	}
	metrics.PhotoResults.WithLabelValues(status).Inc()
	return resp
}

func (p *Pipeline) analyze(ctx context.Context, job *Job, start time.Time) (*Response, string, error) {
	p.logger.Debug("开始处理摄像头照片",
		zap.String("format", job.Format),
		zap.Int("width", job.Width),
		zap.Int("height", job.Height),
		zap.Int("base64_len", len(job.Data)))

	raw, data, err := decodeImage(job.Data)
	if err != nil {
		return nil, "", err
	}
	filename, path, err := p.store.Save(job.Format, data)
	if err != nil {
		return nil, "", err
	}
	p.logger.Info(fmt.Sprintf("已保存照片：%s，尺寸：%dx%d", path, job.Width, job.Height))

	width, height := job.Width, job.Height
	pr := &PhotoResponse{
		Status:    constants.StatusSuccess,
		Filename:  filename,
		Timestamp: timestamp(start),
		Filepath:  path,
		Width:     &width,
		Height:    &height,
	}

	switch describer := p.getDescriber(); {
	case p.detector != nil:
		result, err := p.detector.Detect(ctx, raw, filename)
		if err != nil {
			return nil, "", fmt.Errorf("人体检测失败: %w", err)
		}
		if result == nil || result.Count == 0 || len(result.Detections) == 0 {
			p.logger.Info("未检测到人体，不发送消息给客户端")
			return nil, "empty", nil
		}
		regions := result.Regions()
		primary := regions[0]
		if !p.dedup.Observe(primary) {
			metrics.PhotoDedupSuppressed.Inc()
			p.logger.Info(fmt.Sprintf("当前区域索引 %d 与上一次相同，不发送消息给客户端", primary))
			return nil, "suppressed", nil
		}
		pr.Message = result.Message
		pr.DetectionResult = result
		pr.RegionIndex = &primary
	case describer != nil:
		text, err := describer.Describe(ctx, raw, p.prompt)
		if err != nil {
			p.logger.Warn("获取图片描述失败", zap.Error(err))
			text = ""
		}
		pr.Description = &text
		pr.Message = text
		if text == "" {
			pr.Message = constants.MsgPhotoNoDescription
		}
	default:
		return nil, "", ErrNoAnalyzer
	}

	elapsed := p.now().Sub(start).Milliseconds()
	pr.ProcessingTimeMs = &elapsed
	p.logger.Info(fmt.Sprintf("照片处理总耗时: %d毫秒", elapsed))
	return &Response{
		Type:                constants.MessageTypeIoT,
		CameraPhotoResponse: pr,
		SessionID:           job.SessionID,
	}, constants.StatusSuccess, nil
}

// decodeImage 返回去掉 data URL 前缀后的 base64 和解码后的字节
func decodeImage(data string) (string, []byte, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if i := strings.Index(data, ","); i >= 0 {
			data = data[i+1:]
		}
	}
	if data == "" {
		return "", nil, &InputError{Reason: "照片数据为空"}
	}
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return "", nil, &InputError{Reason: fmt.Sprintf("照片数据解码失败: %v", err)}
		}
	}
	if len(decoded) == 0 {
		return "", nil, &InputError{Reason: "照片数据为空"}
	}
	return data, decoded, nil
}

func timestamp(t time.Time) string {
	return fmt.Sprintf("%s_%03d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}
