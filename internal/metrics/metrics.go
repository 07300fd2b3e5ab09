// Package metrics exposes Prometheus instrumentation for the fleet
// control plane: task lifecycle counters, LLM usage, device availability
// and port allocator occupancy.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the control plane.
type Metrics struct {
	TasksTotal   *prometheus.CounterVec
	TasksRunning prometheus.Gauge
	StepsTotal   *prometheus.CounterVec

	LLMRequestsTotal  *prometheus.CounterVec
	LLMTokensTotal    *prometheus.CounterVec
	LLMRequestSeconds prometheus.Histogram

	Devices        *prometheus.GaugeVec
	PortsAllocated prometheus.Gauge
	DeviceSockets  prometheus.Gauge

	ScreenshotQueueDepth prometheus.Gauge
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autofleet_tasks_total",
				Help: "Tasks that reached a terminal status",
			},
			[]string{"status", "device_kind"},
		),
		TasksRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "autofleet_tasks_running",
				Help: "Tasks currently executing",
			},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autofleet_steps_total",
				Help: "Agent steps executed",
			},
			[]string{"kernel", "action"},
		),
		LLMRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autofleet_llm_requests_total",
				Help: "LLM completion requests",
			},
			[]string{"outcome"}, // outcome: ok, error
		),
		LLMTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autofleet_llm_tokens_total",
				Help: "Tokens consumed by LLM calls",
			},
			[]string{"kind"}, // kind: prompt, completion
		),
		LLMRequestSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "autofleet_llm_request_seconds",
				Help:    "LLM request latency",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
			},
		),
		Devices: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autofleet_devices",
				Help: "Registered devices by kind and status",
			},
			[]string{"kind", "status"},
		),
		PortsAllocated: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "autofleet_ports_allocated",
				Help: "Ports currently bound to a device",
			},
		),
		DeviceSockets: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "autofleet_device_sockets",
				Help: "Open device control WebSocket connections",
			},
		),
		ScreenshotQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "autofleet_screenshot_queue_depth",
				Help: "Screenshot compression jobs waiting",
			},
		),
	}
}

// RecordTaskFinished records a task reaching a terminal status.
func (m *Metrics) RecordTaskFinished(status, deviceKind string) {
	m.TasksTotal.WithLabelValues(status, deviceKind).Inc()
}

// RecordStep records one executed agent step.
func (m *Metrics) RecordStep(kernel, action string) {
	m.StepsTotal.WithLabelValues(kernel, action).Inc()
}

// RecordLLMRequest records one completion call with its latency and usage.
func (m *Metrics) RecordLLMRequest(ok bool, seconds float64, promptTokens, completionTokens int) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(outcome).Inc()
	m.LLMRequestSeconds.Observe(seconds)
	if promptTokens > 0 {
		m.LLMTokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
	}
}

// SetDevices replaces the device gauge for one kind/status pair.
func (m *Metrics) SetDevices(kind, status string, n int) {
	m.Devices.WithLabelValues(kind, status).Set(float64(n))
}

// Handler returns the Prometheus scrape endpoint wrapped for Gin.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
