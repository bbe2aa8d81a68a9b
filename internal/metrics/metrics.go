// Package metrics exposes the control plane's Prometheus instrumentation.
// Collectors are package-level and registered on the default registry via
// promauto; the web server serves them at /metrics and WriteTextfile can
// mirror them for node_exporter's textfile collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_agents_connected",
		Help: "Number of agent WebSocket connections currently registered.",
	})
	WebClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_web_clients",
		Help: "Number of browser WebSocket connections currently open.",
	})
	AgentFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_agent_frames_total",
		Help: "Total frames received from agents by frame type.",
	}, []string{"type"})
	EnvelopeDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_envelope_denials_total",
		Help: "Total secure-message authorization failures by kind.",
	}, []string{"kind"})
	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_jobs_total",
		Help: "Total bulk jobs finished by terminal status.",
	}, []string{"status"})
	ExecutionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_job_executions_total",
		Help: "Total per-machine job executions finished by terminal status.",
	}, []string{"status"})
	SecurityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_security_events_total",
		Help: "Total security-event insertions and updates by event type.",
	}, []string{"type"})
	CVESyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_cve_syncs_total",
		Help: "Total CVE mirror runs by result.",
	}, []string{"result"})
	CVESyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_cve_sync_duration_seconds",
		Help:    "Duration of CVE mirror runs.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	CVEAdvisories = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_cve_advisories",
		Help: "Number of advisories currently mirrored.",
	})
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_notifications_total",
		Help: "Total notification deliveries by channel and result.",
	}, []string{"channel", "result"})
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_login_attempts_total",
		Help: "Total web login attempts by result.",
	}, []string{"result"})
	AuditEntries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_audit_entries_total",
		Help: "Total audit entries persisted.",
	})
)
