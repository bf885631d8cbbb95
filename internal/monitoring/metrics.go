// Package monitoring holds the Prometheus metrics shared by the control
// plane's subsystems and the /metrics endpoint serving them.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane.
type Metrics struct {
	// Sign-up pipeline
	SignupsTotal       *prometheus.CounterVec
	SignupSyncFailures *prometheus.CounterVec

	// External sync
	SyncRecordsTotal *prometheus.CounterVec
	SyncRunsTotal    *prometheus.CounterVec

	// KPI alerting
	AlertsTotal      *prometheus.CounterVec
	NotificationJobs *prometheus.CounterVec

	// Realtime
	WebsocketSessions prometheus.Gauge

	// Importers
	ImportRowsTotal *prometheus.CounterVec

	// HTTP surface
	RequestDuration *prometheus.HistogramVec
}

// New creates and registers every metric on the default registry.
func New() *Metrics {
	return &Metrics{
		SignupsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_signups_total",
				Help: "Sign-ups processed, by pipeline stage outcome",
			},
			[]string{"stage"},
		),
		SignupSyncFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_signup_sync_failures_total",
				Help: "CRM fan-out legs that exhausted their retries",
			},
			[]string{"phase", "error_type"},
		),
		SyncRecordsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_sync_records_total",
				Help: "Records processed by external sync runs",
			},
			[]string{"integration", "sync_type", "outcome"},
		),
		SyncRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_sync_runs_total",
				Help: "External sync runs by terminal status",
			},
			[]string{"integration", "status"},
		),
		AlertsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_kpi_alerts_total",
				Help: "KPI alerts created, by severity",
			},
			[]string{"severity"},
		),
		NotificationJobs: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_notification_jobs_total",
				Help: "Notification jobs dispatched, by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		WebsocketSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fieldops_websocket_sessions",
				Help: "Currently connected websocket sessions",
			},
		),
		ImportRowsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldops_import_rows_total",
				Help: "Import rows handled, by kind and row status",
			},
			[]string{"kind", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fieldops_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status class",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}
