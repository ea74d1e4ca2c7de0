// Package metrics exposes prometheus instrumentation for the attempt sync
// engine and the server of record.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EnvelopeDecodes counts durable-slot reads by outcome
	// (decrypted, legacy_plaintext, discarded).
	EnvelopeDecodes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_envelope_decodes_total",
			Help: "Durable cache reads by decode outcome",
		},
		[]string{"outcome"},
	)

	// AnswerWrites counts remote save-answer calls by trigger and result.
	AnswerWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_answer_writes_total",
			Help: "Remote answer writes by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// OfflineQueueDepth tracks the number of answers waiting for replay.
	OfflineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exstem_offline_queue_depth",
			Help: "Answers waiting in the offline queue",
		},
	)

	// FlushDuration observes FlushAll latency.
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exstem_flush_duration_seconds",
			Help:    "Duration of full flushes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// Submissions counts terminal submission attempts by trigger and result.
	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exstem_submissions_total",
			Help: "Submission attempts by trigger and result",
		},
		[]string{"trigger", "result"},
	)

	// TimerCorrections counts resyncs that moved the local deadline.
	TimerCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exstem_timer_corrections_total",
			Help: "Countdown corrections applied from the server clock",
		},
	)

	// RequestCounter and RequestDuration instrument the server of record.
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EnvelopeDecodes,
			AnswerWrites,
			OfflineQueueDepth,
			FlushDuration,
			Submissions,
			TimerCorrections,
			RequestCounter,
			RequestDuration,
		)
	})
}

// Middleware records request count and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(c.Writer.Status()),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
