package detection

import (
	"context"
	"fmt"
	"math"
	"strings"
)

const (
	// ReferenceWidth 区域索引按 320 像素宽的参考画面计算
	ReferenceWidth = 320.0
	RegionCount    = 18

	PositionTop    = "上方"
	PositionMiddle = "中间"
	PositionBottom = "下方"

	ClassPerson = "person"
)

// Detector 人体检测能力，模型推理在外部服务完成
type Detector interface {
	Detect(ctx context.Context, imageBase64, filename string) (*Result, error)
}

// Box 原图像素坐标的边界框
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection 单个检测到的人体
type Detection struct {
	ID          int     `json:"id"`
	Class       string  `json:"class"`
	Confidence  float64 `json:"confidence"`
	Box         Box     `json:"box"`
	Position    string  `json:"position"`
	RegionIndex int     `json:"region_index"`
	CenterX     float64 `json:"center_x"`
	ImgWidth    int     `json:"img_width"`
}

// Result 一张图片的检测结果
type Result struct {
	Count         int         `json:"count"`
	Message       string      `json:"message"`
	Detections    []Detection `json:"detections,omitempty"`
	ImageFilename string      `json:"image_filename"`
}

// RegionIndex 水平中心映射到 0-17 的区域
func RegionIndex(centerX, imageWidth float64) int {
	if imageWidth <= 0 {
		return 0
	}
	scaled := (centerX / imageWidth) * ReferenceWidth
	idx := int(math.Floor(scaled / (ReferenceWidth / RegionCount)))
	if idx < 0 {
		return 0
	}
	if idx > RegionCount-1 {
		return RegionCount - 1
	}
	return idx
}

// VerticalPosition 按图片高度三等分判断上方/中间/下方
func VerticalPosition(centerY, imageHeight float64) string {
	switch {
	case centerY < imageHeight/3:
		return PositionTop
	case centerY < imageHeight*2/3:
		return PositionMiddle
	default:
		return PositionBottom
	}
}

// NewDetection 由边界框计算位置字段
func NewDetection(id int, box Box, confidence float64, imgWidth, imgHeight int) Detection {
	centerX := (box.X1 + box.X2) / 2
	centerY := (box.Y1 + box.Y2) / 2
	return Detection{
		ID:          id,
		Class:       ClassPerson,
		Confidence:  round(confidence, 3),
		Box:         Box{X1: round(box.X1, 2), Y1: round(box.Y1, 2), X2: round(box.X2, 2), Y2: round(box.Y2, 2)},
		Position:    VerticalPosition(centerY, float64(imgHeight)),
		RegionIndex: RegionIndex(centerX, float64(imgWidth)),
		CenterX:     round(centerX, 2),
		ImgWidth:    imgWidth,
	}
}

// NewResult 汇总检测结果并生成描述
func NewResult(filename string, detections []Detection) *Result {
	r := &Result{
		Count:         len(detections),
		Detections:    detections,
		ImageFilename: filename,
	}
	if len(detections) == 0 {
		r.Message = fmt.Sprintf("未检测到人体 (图片: %s)", filename)
		return r
	}
	r.Message = fmt.Sprintf("检测到%d个人体，%s，位于%s (图片: %s)", len(detections), positionSummary(detections), regionSummary(detections), filename)
	return r
}

// Regions 按检测器返回顺序的区域列表
func (r *Result) Regions() []int {
	out := make([]int, 0, len(r.Detections))
	for _, d := range r.Detections {
		out = append(out, d.RegionIndex)
	}
	return out
}

// positionSummary 保持首次出现的顺序
func positionSummary(detections []Detection) string {
	var order []string
	counts := make(map[string]int)
	for _, d := range detections {
		if _, ok := counts[d.Position]; !ok {
			order = append(order, d.Position)
		}
		counts[d.Position]++
	}
	parts := make([]string, 0, len(order))
	for _, pos := range order {
		parts = append(parts, fmt.Sprintf("%s有%d人", pos, counts[pos]))
	}
	return strings.Join(parts, ", ")
}

func regionSummary(detections []Detection) string {
	parts := make([]string, 0, len(detections))
	for _, d := range detections {
		parts = append(parts, fmt.Sprintf("区域%d", d.RegionIndex))
	}
	return strings.Join(parts, ", ")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
