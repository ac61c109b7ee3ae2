package challenge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "captcha_render_duration_seconds",
	Help:    "The time taken to rasterize and encode a challenge image",
	Buckets: prometheus.ExponentialBucketsRange(0.0005, 1, 12),
})
