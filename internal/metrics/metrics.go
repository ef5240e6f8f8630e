// Package metrics defines the controller's Prometheus surface.
//
// Grounded on the teacher's promauto.With(registry) factory pattern
// and metric grouping, retargeted from Zeno's reconcile-loop/provider
// domain to the scale-up/scale-down/recycle/CI-rate-limit domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runnerctl"

// Metrics holds every Prometheus metric the controller exposes.
type Metrics struct {
	// Loop metrics
	TickTotal    *prometheus.CounterVec
	TickDuration *prometheus.HistogramVec
	TickErrors   *prometheus.CounterVec

	// Server-state gauge, one series per status/role pair
	ServersByState *prometheus.GaugeVec

	// Scaling metrics
	ServersCreated  *prometheus.CounterVec
	ServersDeleted  *prometheus.CounterVec
	ServersRenamed  *prometheus.CounterVec
	RecyclePoolSize prometheus.Gauge
	EvictionsTotal  *prometheus.CounterVec

	// CI API metrics
	CIAPIRequests        *prometheus.CounterVec
	CIAPIDuration        prometheus.Histogram
	CIRateLimitRemaining prometheus.Gauge
	CIRateLimitResetIn   prometheus.Gauge

	// Cloud API metrics
	CloudAPIRequests *prometheus.CounterVec
	CloudAPIDuration *prometheus.HistogramVec
	CloudAPIErrors   *prometheus.CounterVec

	// Bootstrap metrics
	BootstrapDuration prometheus.Histogram
	BootstrapFailures *prometheus.CounterVec

	// System metrics
	ControllerInfo *prometheus.GaugeVec
	LeaderElection prometheus.Gauge
}

// New creates and registers every metric against registry.
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		TickTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_total",
				Help:      "Total number of control loop ticks",
			},
			[]string{"loop"},
		),
		TickDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of a control loop tick",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"loop"},
		),
		TickErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tick_errors_total",
				Help:      "Total number of control loop tick errors",
			},
			[]string{"loop", "error_type"},
		),

		ServersByState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "servers",
				Help:      "Number of controller-owned servers by status and role",
			},
			[]string{"status", "role"},
		),

		ServersCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "servers_created_total",
				Help:      "Total number of servers created",
			},
			[]string{"server_type"},
		),
		ServersDeleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "servers_deleted_total",
				Help:      "Total number of servers deleted",
			},
			[]string{"reason"},
		),
		ServersRenamed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "servers_renamed_total",
				Help:      "Total number of server renames (recycle, rebuild, standby promotion)",
			},
			[]string{"to_role"},
		),
		RecyclePoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "recycle_pool_size",
				Help:      "Number of servers currently indexed in the recycle pool",
			},
		),
		EvictionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evictions_total",
				Help:      "Total number of recycle pool evictions",
			},
			[]string{"policy"},
		),

		CIAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ci_api_requests_total",
				Help:      "Total number of CI API requests",
			},
			[]string{"endpoint", "status"},
		),
		CIAPIDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ci_api_duration_seconds",
				Help:      "Duration of CI API requests",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CIRateLimitRemaining: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ci_api_rate_limit_remaining",
				Help:      "Remaining CI API rate limit as of the last sample",
			},
		),
		CIRateLimitResetIn: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ci_api_rate_limit_reset_in_seconds",
				Help:      "Seconds until the CI API rate limit resets",
			},
		),

		CloudAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_api_requests_total",
				Help:      "Total number of cloud API requests",
			},
			[]string{"operation", "status"},
		),
		CloudAPIDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cloud_api_duration_seconds",
				Help:      "Duration of cloud API requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CloudAPIErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_api_errors_total",
				Help:      "Total number of cloud API errors",
			},
			[]string{"operation", "error_type"},
		),

		BootstrapDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bootstrap_duration_seconds",
				Help:      "Duration of the SSH bootstrap pipeline",
				Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
			},
		),
		BootstrapFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bootstrap_failures_total",
				Help:      "Total number of bootstrap pipeline failures",
			},
			[]string{"stage"},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the running controller",
			},
			[]string{"version", "mode"},
		),
		LeaderElection: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "leader_election_status",
				Help:      "Leader election status (1 if leader, 0 otherwise)",
			},
		),
	}
}
