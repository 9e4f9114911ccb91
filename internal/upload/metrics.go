package upload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// uploadsTotal 按类别与结果统计上传次数
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jutjub_uploads_total",
			Help: "Total number of file uploads by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jutjub_upload_duration_seconds",
			Help:    "Time spent storing and verifying an uploaded file",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"category"},
	)

	uploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jutjub_upload_bytes_total",
			Help: "Bytes durably stored by the upload pipeline",
		},
		[]string{"category"},
	)

	// uploadCleanups 统计失败路径上的删除
	uploadCleanups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jutjub_upload_cleanups_total",
			Help: "Files deleted by upload failure paths",
		},
		[]string{"reason"},
	)

	uploadWritesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "jutjub_upload_writes_in_flight",
		Help: "Video writes currently running on the worker pool",
	})
)
