// Package metrics exposes Prometheus collectors for the leech service.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imagesTotal           *prometheus.CounterVec
	chaptersTotal         *prometheus.CounterVec
	seriesSkippedTotal    prometheus.Counter
	rateLimitDelaySeconds *prometheus.HistogramVec
	chaptersInFlight      prometheus.Gauge
	imagesInFlight        prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leech_images_total",
				Help: "Total page images processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		chaptersTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leech_chapters_total",
				Help: "Total chapters settled, labeled by terminal status.",
			},
			[]string{"status"},
		)

		seriesSkippedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "leech_series_skipped_total",
				Help: "Series skipped because the stored chapter count matched upstream.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "leech_rate_limit_delay_seconds",
				Help:    "Delay introduced by the per-source rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 5, 10},
			},
			[]string{"source"},
		)

		chaptersInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leech_chapters_in_flight",
				Help: "Chapters currently holding a chapter gate slot.",
			},
		)

		imagesInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "leech_images_in_flight",
				Help: "Page fetches currently in flight across all chapters.",
			},
		)
	})
}

// ObserveImage counts one image task outcome ("completed" or "failed").
func ObserveImage(source, outcome string) {
	if imagesTotal != nil {
		imagesTotal.WithLabelValues(source, outcome).Inc()
	}
}

// ObserveChapter counts one settled chapter by terminal status.
func ObserveChapter(status string) {
	if chaptersTotal != nil {
		chaptersTotal.WithLabelValues(status).Inc()
	}
}

// ObserveSeriesSkipped counts the chapter-count short-circuit.
func ObserveSeriesSkipped() {
	if seriesSkippedTotal != nil {
		seriesSkippedTotal.Inc()
	}
}

// ObserveRateLimitDelay records time spent waiting on the source limiter.
func ObserveRateLimitDelay(source string, d time.Duration) {
	if rateLimitDelaySeconds != nil {
		rateLimitDelaySeconds.WithLabelValues(source).Observe(d.Seconds())
	}
}

// ChapterStarted/ChapterDone track the chapter gate occupancy.
func ChapterStarted() {
	if chaptersInFlight != nil {
		chaptersInFlight.Inc()
	}
}

// ChapterDone releases the chapter gate occupancy gauge.
func ChapterDone() {
	if chaptersInFlight != nil {
		chaptersInFlight.Dec()
	}
}

// ImageStarted tracks one in-flight page fetch.
func ImageStarted() {
	if imagesInFlight != nil {
		imagesInFlight.Inc()
	}
}

// ImageDone releases one in-flight page fetch.
func ImageDone() {
	if imagesInFlight != nil {
		imagesInFlight.Dec()
	}
}
