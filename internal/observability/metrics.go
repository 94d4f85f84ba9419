package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions  prometheus.Gauge
	sessionsEvicted *prometheus.CounterVec

	runTotal    *prometheus.CounterVec
	runDuration prometheus.Histogram
	stepsTotal  prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	sandboxAttachTotal *prometheus.CounterVec

	framesEmittedTotal *prometheus.CounterVec

	transcriptSaveDuration prometheus.Histogram
	transcriptLoadDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "delver_active_sessions",
					Help: "Current live session count in the registry.",
				},
			),
			sessionsEvicted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delver_sessions_evicted_total",
					Help: "Total sessions evicted by cause (lru, idle).",
				},
				[]string{"cause"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delver_run_total",
					Help: "Total agent runs by terminal condition.",
				},
				[]string{"outcome"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "delver_run_duration_seconds",
					Help:    "Agent run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			stepsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "delver_steps_total",
					Help: "Total think/act step cycles executed.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delver_tool_execution_total",
					Help: "Total tool dispatches by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "delver_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sandboxAttachTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delver_sandbox_attach_total",
					Help: "Total sandbox attach attempts by outcome.",
				},
				[]string{"outcome"},
			),
			framesEmittedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "delver_frames_emitted_total",
					Help: "Total stream frames emitted by event type.",
				},
				[]string{"type"},
			),
			transcriptSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "delver_transcript_save_duration_seconds",
					Help:    "Transcript append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			transcriptLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "delver_transcript_load_duration_seconds",
					Help:    "Transcript load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsEvicted,
			m.runTotal,
			m.runDuration,
			m.stepsTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sandboxAttachTotal,
			m.framesEmittedTotal,
			m.transcriptSaveDuration,
			m.transcriptLoadDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// SetActiveSessions records the current live session count.
func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

// RecordSessionEviction counts an eviction by cause ("lru" or "idle").
func RecordSessionEviction(cause string) {
	getMetrics().sessionsEvicted.WithLabelValues(cause).Inc()
}

// RecordRun records one completed run with its terminal condition.
func RecordRun(outcome string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// RecordStep counts one think/act cycle.
func RecordStep() {
	getMetrics().stepsTotal.Inc()
}

// RecordToolExecution records one tool dispatch.
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSandboxAttach counts a sandbox attach attempt by outcome.
func RecordSandboxAttach(outcome string) {
	getMetrics().sandboxAttachTotal.WithLabelValues(outcome).Inc()
}

// RecordTranscriptSave records one transcript append.
func RecordTranscriptSave(duration time.Duration) {
	getMetrics().transcriptSaveDuration.Observe(duration.Seconds())
}

// RecordTranscriptLoad records one transcript load.
func RecordTranscriptLoad(duration time.Duration) {
	getMetrics().transcriptLoadDuration.Observe(duration.Seconds())
}

// RecordFrame counts an emitted stream frame by event type.
func RecordFrame(eventType string) {
	getMetrics().framesEmittedTotal.WithLabelValues(eventType).Inc()
}
