package sla

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/metrics"
)

// Kind names one observation type.
type Kind string

const (
	KindInvalidationCompletion Kind = "invalidation_completion"
	KindHitRate                Kind = "hit_rate"
	KindCoordinationLatency    Kind = "coordination_latency"
	KindCoordinationExtreme    Kind = "coordination_latency_extreme"
	KindStaleRecovery          Kind = "stale_recovery"
	KindSelectiveEfficiency    Kind = "selective_efficiency"
	KindModeSwitch             Kind = "mode_switch"
)

// Severity grades a violation.
type Severity string

const (
	SeverityNone     Severity = ""
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Observation is one typed SLA measurement. Threshold and Actual share a
// unit per kind: seconds for latencies, a ratio in [0,1] for rates.
type Observation struct {
	Kind      Kind      `json:"kind"`
	Service   string    `json:"service"`
	Threshold float64   `json:"threshold"`
	Actual    float64   `json:"actual"`
	Severity  Severity  `json:"severity,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Violated reports whether the observation breached its threshold.
func (o Observation) Violated() bool { return o.Severity != SeverityNone }

// Summary reports violation counts over the last hour plus overall
// compliance, with all-time totals taken from the Prometheus counters
// (which survive ring eviction).
type Summary struct {
	WindowStart       time.Time        `json:"window_start"`
	Observations      int              `json:"observations"`
	ViolationsByKind  map[Kind]int     `json:"violations_by_kind"`
	BySeverity        map[Severity]int `json:"violations_by_severity"`
	AllTimeViolations map[Kind]float64 `json:"all_time_violations"`
	Compliant         bool             `json:"compliant"`
}

// Monitor records typed observations in a bounded ring and counts
// violations against configured thresholds. Safe for concurrent
// Record + Summary.
type Monitor struct {
	cfg     config.SLAConfig
	metrics *metrics.Registry
	now     func() time.Time

	mu   sync.Mutex
	ring []Observation
	next int
	full bool
}

// NewMonitor creates a monitor with the given thresholds.
func NewMonitor(cfg config.SLAConfig, m *metrics.Registry) *Monitor {
	return NewMonitorWithClock(cfg, m, time.Now)
}

// NewMonitorWithClock injects the clock; used by tests.
func NewMonitorWithClock(cfg config.SLAConfig, m *metrics.Registry, now func() time.Time) *Monitor {
	if cfg.RingSize < 1 {
		cfg.RingSize = 1000
	}
	return &Monitor{
		cfg:     cfg,
		metrics: m,
		now:     now,
		ring:    make([]Observation, cfg.RingSize),
	}
}

// Record grades the observation against its threshold, appends it to the
// ring (evicting the oldest entry at capacity), and increments the
// Prometheus counters. Recording never fails the calling operation.
func (m *Monitor) Record(obs Observation) Observation {
	if obs.At.IsZero() {
		obs.At = m.now()
	}
	if obs.Severity == SeverityNone {
		obs.Severity = m.grade(obs)
	}

	m.mu.Lock()
	m.ring[m.next] = obs
	m.next++
	if m.next == len(m.ring) {
		m.next = 0
		m.full = true
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SLAObservations.WithLabelValues(string(obs.Kind)).Inc()
		if obs.Violated() {
			m.metrics.SLAViolations.WithLabelValues(string(obs.Kind), string(obs.Severity)).Inc()
		}
	}
	if obs.Violated() {
		log.Warn().Str("kind", string(obs.Kind)).Str("service", obs.Service).
			Str("severity", string(obs.Severity)).
			Float64("threshold", obs.Threshold).Float64("actual", obs.Actual).
			Msg("SLA violation")
	}
	return obs
}

// grade applies the per-kind severity ladder.
func (m *Monitor) grade(obs Observation) Severity {
	switch obs.Kind {
	case KindInvalidationCompletion:
		if obs.Actual > m.cfg.InvalidationMajorAfter.Seconds() {
			return SeverityMajor
		}
		if obs.Actual > m.cfg.InvalidationCompletion.Seconds() {
			return SeverityMinor
		}
	case KindHitRate:
		if obs.Actual < m.cfg.HitRateMajorBelow {
			return SeverityMajor
		}
		if obs.Actual < m.cfg.HitRateMin {
			return SeverityMinor
		}
	case KindCoordinationLatency, KindCoordinationExtreme:
		// Latency is tracked via histogram; an individual observation
		// only violates immediately at 5x the p95 budget.
		if obs.Actual > 5*m.cfg.CoordinationLatencyP95.Seconds() {
			return SeverityMajor
		}
	case KindStaleRecovery:
		if obs.Actual > m.cfg.StaleRecoveryCritical.Seconds() {
			return SeverityCritical
		}
		if obs.Actual > m.cfg.StaleRecovery.Seconds() {
			return SeverityMajor
		}
	case KindSelectiveEfficiency:
		if obs.Actual < m.cfg.SelectiveEfficiencyMin {
			return SeverityMinor
		}
	case KindModeSwitch:
		// Informational.
	}
	return SeverityNone
}

// Summary scans the ring for observations in the last hour.
func (m *Monitor) Summary() Summary {
	now := m.now()
	cutoff := now.Add(-1 * time.Hour)
	s := Summary{
		WindowStart:       cutoff,
		ViolationsByKind:  make(map[Kind]int),
		BySeverity:        make(map[Severity]int),
		AllTimeViolations: make(map[Kind]float64),
		Compliant:         true,
	}

	m.mu.Lock()
	limit := m.next
	if m.full {
		limit = len(m.ring)
	}
	for i := 0; i < limit; i++ {
		obs := m.ring[i]
		if obs.At.Before(cutoff) {
			continue
		}
		s.Observations++
		if obs.Violated() {
			s.ViolationsByKind[obs.Kind]++
			s.BySeverity[obs.Severity]++
			if obs.Severity != SeverityMinor {
				s.Compliant = false
			}
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		for _, kind := range []Kind{
			KindInvalidationCompletion, KindHitRate, KindCoordinationLatency,
			KindStaleRecovery, KindSelectiveEfficiency,
		} {
			var total float64
			for _, sev := range []Severity{SeverityMinor, SeverityMajor, SeverityCritical} {
				c, err := m.metrics.SLAViolations.GetMetricWithLabelValues(string(kind), string(sev))
				if err != nil {
					continue
				}
				total += metrics.CounterValue(c)
			}
			if total > 0 {
				s.AllTimeViolations[kind] = total
			}
		}
	}
	return s
}

// ObserveInvalidation records an invalidation-completion measurement.
func (m *Monitor) ObserveInvalidation(service string, duration time.Duration) {
	m.Record(Observation{
		Kind:      KindInvalidationCompletion,
		Service:   service,
		Threshold: m.cfg.InvalidationCompletion.Seconds(),
		Actual:    duration.Seconds(),
	})
}

// ObserveCoordinationLatency records one coordinated-dispatch duration.
func (m *Monitor) ObserveCoordinationLatency(service string, duration time.Duration, servicesCount int) {
	m.Record(Observation{
		Kind:      KindCoordinationLatency,
		Service:   service,
		Threshold: m.cfg.CoordinationLatencyP95.Seconds(),
		Actual:    duration.Seconds(),
		Detail:    fmt.Sprintf("services=%d", servicesCount),
	})
}

// ObserveHitRate records a cache hit-rate sample in [0,1].
func (m *Monitor) ObserveHitRate(service string, rate float64) {
	m.Record(Observation{
		Kind:      KindHitRate,
		Service:   service,
		Threshold: m.cfg.HitRateMin,
		Actual:    rate,
	})
}

// ObserveStaleRecovery records how long a stale entry took to recover.
func (m *Monitor) ObserveStaleRecovery(service string, duration time.Duration) {
	m.Record(Observation{
		Kind:      KindStaleRecovery,
		Service:   service,
		Threshold: m.cfg.StaleRecovery.Seconds(),
		Actual:    duration.Seconds(),
	})
}

// ObserveSelectiveEfficiency records keys saved by selective invalidation
// relative to a full-family sweep.
func (m *Monitor) ObserveSelectiveEfficiency(service string, savedFraction float64) {
	m.Record(Observation{
		Kind:      KindSelectiveEfficiency,
		Service:   service,
		Threshold: m.cfg.SelectiveEfficiencyMin,
		Actual:    savedFraction,
	})
}

// ObserveModeSwitch records an integration-mode transition.
func (m *Monitor) ObserveModeSwitch(from, to, reason string) {
	m.Record(Observation{
		Kind:    KindModeSwitch,
		Service: "integration",
		Detail:  fmt.Sprintf("%s->%s: %s", from, to, reason),
	})
}
