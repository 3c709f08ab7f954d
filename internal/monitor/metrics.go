package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the IDE core.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutors   prometheus.Gauge
	TerminationsTotal *prometheus.CounterVec
	OutputLinesTotal  prometheus.Counter
	InputRequests     prometheus.Counter
	ConnectedChannels prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	RateLimited       *prometheus.CounterVec
	FileOpsTotal      *prometheus.CounterVec
	PathDenials       prometheus.Counter
	LeaseReaps        prometheus.Counter
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "executions_total",
				Help:      "Total script executions by terminal status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ide",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions by phase.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),

		ActiveExecutors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ide",
				Name:      "active_executors",
				Help:      "Executors currently in ScriptRunning or ReplActive.",
			},
		),

		TerminationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "terminations_total",
				Help:      "Forced terminations by reason (timeout, output limits, cancel).",
			},
			[]string{"reason"},
		),

		OutputLinesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "output_lines_total",
				Help:      "Lines of subprocess output streamed to clients.",
			},
		),

		InputRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "input_requests_total",
				Help:      "Detected stdin prompts forwarded to clients.",
			},
		),

		ConnectedChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ide",
				Name:      "connected_channels",
				Help:      "Open WebSocket channels.",
			},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ide",
				Name:      "active_sessions",
				Help:      "Authenticated sessions in the in-memory registry.",
			},
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "rate_limited_total",
				Help:      "Messages rejected by the rate limiter, by action class.",
			},
			[]string{"action"},
		),

		FileOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "file_operations_total",
				Help:      "Workspace file operations by type.",
			},
			[]string{"op"},
		),

		PathDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "path_denials_total",
				Help:      "Path guard rejections.",
			},
		),

		LeaseReaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "ide",
				Name:      "lease_reaps_total",
				Help:      "Execution leases reclaimed from dead executors.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutors,
		m.TerminationsTotal,
		m.OutputLinesTotal,
		m.InputRequests,
		m.ConnectedChannels,
		m.ActiveSessions,
		m.RateLimited,
		m.FileOpsTotal,
		m.PathDenials,
		m.LeaseReaps,
	)

	return m
}

// RecordExecution records a completed execution phase.
func (m *Metrics) RecordExecution(status, phase string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(phase).Observe(durationSec)
}

// RecordTermination records a forced termination by reason.
func (m *Metrics) RecordTermination(reason string) {
	m.TerminationsTotal.WithLabelValues(reason).Inc()
}
