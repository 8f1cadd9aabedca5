// Package prom implements observability.AgentObserver on top of
// Prometheus client metrics.
package prom

import (
	"net/http"
	"time"

	"github.com/capydeploy/agent/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// AgentObserver exports agent metrics to Prometheus.
type AgentObserver struct {
	sessionGauge      prometheus.Gauge
	attachTotal       *prometheus.CounterVec
	closeTotal        *prometheus.CounterVec
	pairAttemptTotal  *prometheus.CounterVec
	pairLockoutTotal  prometheus.Counter
	uploadsStarted    prometheus.Counter
	uploadBytesTotal  prometheus.Counter
	uploadResultTotal *prometheus.CounterVec
	bulkAuthFailTotal prometheus.Counter
	telemetrySamples  *prometheus.CounterVec
	telemetryLatency  prometheus.Histogram
	consoleLogDropped prometheus.Counter
	gameLogDropped    prometheus.Counter
	catalogAttempts   prometheus.Histogram
	catalogResult     *prometheus.CounterVec
}

// NewAgentObserver registers agent metrics on the registry.
func NewAgentObserver(reg *prometheus.Registry) *AgentObserver {
	o := &AgentObserver{
		sessionGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capydeploy_agent_sessions",
			Help: "Current authorized control-channel session count (0 or 1).",
		}),
		attachTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capydeploy_agent_attach_total",
			Help: "Handshake attempts by result and reason.",
		}, []string{"result", "reason"}),
		closeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capydeploy_agent_session_close_total",
			Help: "Session close reasons.",
		}, []string{"reason"}),
		pairAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capydeploy_agent_pair_attempt_total",
			Help: "Pairing code confirmation attempts.",
		}, []string{"locked"}),
		pairLockoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capydeploy_agent_pair_lockout_total",
			Help: "Times the pairing authority engaged a lockout.",
		}),
		uploadsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capydeploy_agent_uploads_started_total",
			Help: "Upload sessions created.",
		}),
		uploadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capydeploy_agent_upload_bytes_total",
			Help: "Bytes received across all upload sessions.",
		}),
		uploadResultTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capydeploy_agent_upload_result_total",
			Help: "Upload session terminal outcomes.",
		}, []string{"result"}),
		bulkAuthFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capydeploy_agent_bulk_auth_fail_total",
			Help: "Bulk transfer endpoint token auth failures.",
		}),
		telemetrySamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capydeploy_agent_telemetry_samples_total",
			Help: "Telemetry pump ticks by success.",
		}, []string{"ok"}),
		telemetryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capydeploy_agent_telemetry_sample_seconds",
			Help:    "Time spent building one telemetry sample.",
			Buckets: prometheus.DefBuckets,
		}),
		consoleLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capydeploy_agent_console_log_dropped_total",
			Help: "Console log entries dropped for ring overflow.",
		}),
		gameLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capydeploy_agent_game_log_dropped_total",
			Help: "Game log entries dropped for ring overflow.",
		}),
		catalogAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "capydeploy_agent_catalog_patch_attempts",
			Help:    "Attempts spent per catalog patch operation.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		catalogResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capydeploy_agent_catalog_patch_result_total",
			Help: "Catalog patch terminal outcomes.",
		}, []string{"ok"}),
	}
	reg.MustRegister(
		o.sessionGauge,
		o.attachTotal,
		o.closeTotal,
		o.pairAttemptTotal,
		o.pairLockoutTotal,
		o.uploadsStarted,
		o.uploadBytesTotal,
		o.uploadResultTotal,
		o.bulkAuthFailTotal,
		o.telemetrySamples,
		o.telemetryLatency,
		o.consoleLogDropped,
		o.gameLogDropped,
		o.catalogAttempts,
		o.catalogResult,
	)
	return o
}

func (o *AgentObserver) SessionCount(n int64) { o.sessionGauge.Set(float64(n)) }

func (o *AgentObserver) Attach(result observability.AttachResult, reason observability.AttachReason) {
	o.attachTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *AgentObserver) Close(reason observability.CloseReason) {
	o.closeTotal.WithLabelValues(string(reason)).Inc()
}

func (o *AgentObserver) PairAttempt(locked bool) {
	o.pairAttemptTotal.WithLabelValues(boolLabel(locked)).Inc()
}

func (o *AgentObserver) PairLockout(time.Duration) { o.pairLockoutTotal.Inc() }

func (o *AgentObserver) UploadStarted() { o.uploadsStarted.Inc() }

func (o *AgentObserver) UploadBytes(n int64) { o.uploadBytesTotal.Add(float64(n)) }

func (o *AgentObserver) UploadFinished(result observability.UploadResult) {
	o.uploadResultTotal.WithLabelValues(string(result)).Inc()
}

func (o *AgentObserver) BulkTransferAuthFailed() { o.bulkAuthFailTotal.Inc() }

func (o *AgentObserver) TelemetrySample(ok bool, d time.Duration) {
	o.telemetrySamples.WithLabelValues(boolLabel(ok)).Inc()
	o.telemetryLatency.Observe(d.Seconds())
}

func (o *AgentObserver) ConsoleLogDropped(n int) { o.consoleLogDropped.Add(float64(n)) }

func (o *AgentObserver) GameLogDropped(n int) { o.gameLogDropped.Add(float64(n)) }

func (o *AgentObserver) CatalogPatchAttempts(n int, ok bool) {
	o.catalogAttempts.Observe(float64(n))
	o.catalogResult.WithLabelValues(boolLabel(ok)).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

var _ observability.AgentObserver = (*AgentObserver)(nil)
