package detection

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/carlmjohnson/requests"
	"go.uber.org/zap"
)

// HTTPDetector 调用外部人体检测服务（YOLO 等）
//
// 请求：POST {url} {"image_base64": "...", "image_filename": "..."}
// 响应：{"img_width": 640, "img_height": 480, "boxes": [{"x1":..,"y1":..,"x2":..,"y2":..,"confidence":..}]}
type HTTPDetector struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *zap.Logger
}

type detectRequest struct {
	ImageBase64   string `json:"image_base64"`
	ImageFilename string `json:"image_filename"`
}

type detectBox struct {
	Box
	Confidence float64 `json:"confidence"`
}

type detectResponse struct {
	ImgWidth  int         `json:"img_width"`
	ImgHeight int         `json:"img_height"`
	Boxes     []detectBox `json:"boxes"`
	Error     string      `json:"error,omitempty"`
}

// NewHTTPDetector timeout 为 0 时不额外限制推理时间
func NewHTTPDetector(url string, timeout time.Duration, logger *zap.Logger) *HTTPDetector {
	if logger == nil {
		logger = zap.L()
	}
	return &HTTPDetector{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger.Named("detection"),
	}
}

// Detect 检测图片中的人体，检测框顺序与服务返回一致
func (d *HTTPDetector) Detect(ctx context.Context, imageBase64, filename string) (*Result, error) {
	if imageBase64 == "" {
		return nil, errors.New("未提供图片数据")
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var resp detectResponse
	err := requests.
		URL(d.url).
		Client(d.client).
		Post().
		BodyJSON(&detectRequest{ImageBase64: imageBase64, ImageFilename: filename}).
		ToJSON(&resp).
		Fetch(ctx)
	if err != nil {
		d.logger.Error("人体检测请求失败", zap.String("image", filename), zap.Error(err))
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	detections := make([]Detection, 0, len(resp.Boxes))
	for i, b := range resp.Boxes {
		detections = append(detections, NewDetection(i, b.Box, b.Confidence, resp.ImgWidth, resp.ImgHeight))
	}
	result := NewResult(filename, detections)
	d.logger.Info(result.Message)
	return result, nil
}
