package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WSMessages 设备上行文本消息计数
	WSMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_ws_messages_total",
		Help: "Inbound device text messages by type.",
	}, []string{"type"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_active_sessions",
		Help: "Currently connected device sessions.",
	})

	PhotoResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_photo_results_total",
		Help: "Camera photo analysis outcomes by status.",
	}, []string{"status"})

	PhotoProcessing = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "device_photo_processing_seconds",
		Help:    "End to end camera photo processing time.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	})

	PhotoDedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_photo_dedup_suppressed_total",
		Help: "Detections withheld because the primary region did not change.",
	})

	// ManageAPIAttempts 管理后台请求次数，outcome: ok|retry|fail|business
	ManageAPIAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "manageapi_attempts_total",
		Help: "Management API request attempts by path and outcome.",
	}, []string{"path", "outcome"})
)
