package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus metrics for the cache coordination core.
type Registry struct {
	reg *prometheus.Registry

	// Coordination
	CoordinationDuration *prometheus.HistogramVec
	ParticipantResults   *prometheus.CounterVec

	// Invalidation
	InvalidatedKeys      *prometheus.CounterVec
	InvalidationDuration prometheus.Histogram
	InvalidationFailures *prometheus.CounterVec

	// Consumer
	ConsumedEvents *prometheus.CounterVec

	// Shadow comparison
	ShadowComparisons *prometheus.CounterVec
	ShadowMatchRate   prometheus.Gauge
	ShadowLatency     *prometheus.HistogramVec
	RegistryFallbacks prometheus.Counter

	// Mode machine
	ModeSwitches *prometheus.CounterVec
	CurrentMode  prometheus.Gauge

	// Instance registry
	HeartbeatFailures prometheus.Counter
	ClusterInstances  prometheus.Gauge
	ClusterLoadScore  prometheus.Gauge

	// SLA
	SLAObservations *prometheus.CounterVec
	SLAViolations   *prometheus.CounterVec
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Get returns the process-wide metrics registry, creating it on first use.
func Get() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates and registers the full metric set on a private
// Prometheus registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		CoordinationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalcache_coordination_duration_seconds",
				Help:    "Wall-clock duration of one coordinated event dispatch",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"event_kind"},
		),
		ParticipantResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_participant_results_total",
				Help: "Participant outcomes per coordinated dispatch",
			},
			[]string{"participant", "status"},
		),
		InvalidatedKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_invalidated_keys_total",
				Help: "Cache keys deleted by the invalidation engine, by family",
			},
			[]string{"family"},
		),
		InvalidationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "signalcache_invalidation_duration_seconds",
				Help:    "Duration of one pattern-spec invalidation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
		),
		InvalidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_invalidation_failures_total",
				Help: "Per-family invalidation failures",
			},
			[]string{"family"},
		),
		ConsumedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_consumed_events_total",
				Help: "Stream events consumed, by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		ShadowComparisons: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_shadow_comparisons_total",
				Help: "Shadow-mode comparisons by result (match/mismatch/error)",
			},
			[]string{"result"},
		),
		ShadowMatchRate: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signalcache_shadow_match_rate",
				Help: "Rolling shadow comparison match rate (0.0 to 1.0)",
			},
		),
		ShadowLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalcache_shadow_latency_ms",
				Help:    "Per-path lookup latency in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"path"},
		),
		RegistryFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signalcache_registry_fallbacks_total",
				Help: "Active-mode registry lookups that fell back to the legacy path",
			},
		),
		ModeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_mode_switches_total",
				Help: "Integration mode transitions",
			},
			[]string{"from", "to"},
		),
		CurrentMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signalcache_integration_mode",
				Help: "Current integration mode (0=disabled 1=shadow 2=active)",
			},
		),
		HeartbeatFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signalcache_heartbeat_failures_total",
				Help: "Instance registry heartbeat write failures",
			},
		),
		ClusterInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signalcache_cluster_instances",
				Help: "Instances visible in the registry after stale eviction",
			},
		),
		ClusterLoadScore: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signalcache_cluster_load_balance_score",
				Help: "Cluster load-balance score (0-100)",
			},
		),
		SLAObservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_sla_observations_total",
				Help: "SLA observations recorded, by kind",
			},
			[]string{"kind"},
		),
		SLAViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalcache_sla_violations_total",
				Help: "SLA violations, by kind and severity",
			},
			[]string{"kind", "severity"},
		),
	}

	r.reg.MustRegister(
		r.CoordinationDuration, r.ParticipantResults,
		r.InvalidatedKeys, r.InvalidationDuration, r.InvalidationFailures,
		r.ConsumedEvents,
		r.ShadowComparisons, r.ShadowMatchRate, r.ShadowLatency, r.RegistryFallbacks,
		r.ModeSwitches, r.CurrentMode,
		r.HeartbeatFailures, r.ClusterInstances, r.ClusterLoadScore,
		r.SLAObservations, r.SLAViolations,
	)
	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry { return r.reg }

// CounterValue snapshots a counter's current value; used by summary
// endpoints and tests.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// GaugeValue snapshots a gauge's current value.
func GaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}
