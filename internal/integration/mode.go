package integration

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/metrics"
	"github.com/optistream/signalcache/internal/sla"
)

// Mode selects which lookup path serves requests.
type Mode int32

const (
	// ModeDisabled routes everything through the legacy path.
	ModeDisabled Mode = iota
	// ModeShadow serves legacy while sampling the registry path for
	// comparison.
	ModeShadow
	// ModeActive serves the registry path with a legacy fallback.
	ModeActive
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeShadow:
		return "shadow"
	case ModeActive:
		return "active"
	default:
		return fmt.Sprintf("mode(%d)", int32(m))
	}
}

// ParseMode maps an operator-supplied string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "disabled":
		return ModeDisabled, nil
	case "shadow":
		return ModeShadow, nil
	case "active":
		return ModeActive, nil
	default:
		return ModeDisabled, fmt.Errorf("unknown mode %q", s)
	}
}

// Transition reasons recorded on every mode switch.
const (
	ReasonOperator    = "operator"
	ReasonPromotion   = "shadow_criteria_met"
	ReasonErrorBudget = "error_budget_exceeded"
	ReasonStoreOutage = "store_breaker_open"
)

// Machine governs the integration mode. Reads are lock-free; transitions
// serialize under a mutex so the (state, trigger) table is applied
// atomically with its side effects.
type Machine struct {
	mode atomic.Int32
	cfg  config.IntegrationConfig

	ring    *observationRing
	sla     *sla.Monitor
	metrics *metrics.Registry
	now     func() time.Time

	mu         sync.Mutex
	errorTimes []time.Time // registry-path errors inside the rolling window
}

// NewMachine starts the machine in the configured initial mode.
func NewMachine(cfg config.IntegrationConfig, monitor *sla.Monitor, m *metrics.Registry) (*Machine, error) {
	initial, err := ParseMode(cfg.InitialMode)
	if err != nil {
		return nil, err
	}
	mach := &Machine{
		cfg:     cfg,
		ring:    newObservationRing(cfg.RingSize),
		sla:     monitor,
		metrics: m,
		now:     time.Now,
	}
	mach.mode.Store(int32(initial))
	if m != nil {
		m.CurrentMode.Set(float64(initial))
	}
	return mach, nil
}

// SetClock overrides the clock; used by tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Mode returns the current mode without locking.
func (m *Machine) Mode() Mode { return Mode(m.mode.Load()) }

// Ring exposes the comparison window for status reporting.
func (m *Machine) Ring() *observationRing { return m.ring }

// SwitchMode is the operator override: any mode to any mode.
func (m *Machine) SwitchMode(to Mode) {
	m.transition(to, ReasonOperator)
}

// RecordComparison feeds one shadow observation into the window and
// evaluates the promotion criteria: in shadow mode, once the window
// holds enough comparisons, a match rate at or above the threshold with
// registry p95 under the cap promotes to active.
func (m *Machine) RecordComparison(obs ShadowObservation) {
	m.ring.Add(obs)
	if m.metrics != nil {
		result := "mismatch"
		if obs.Match {
			result = "match"
		}
		if obs.RegistryError != "" {
			result = "registry_error"
		}
		m.metrics.ShadowComparisons.WithLabelValues(result).Inc()
		m.metrics.ShadowMatchRate.Set(m.ring.MatchRate())
	}

	if m.Mode() != ModeShadow {
		return
	}
	if m.ring.Len() < m.cfg.MinComparisons {
		return
	}
	rate := m.ring.MatchRate()
	p95 := m.ring.P95RegistryLatency()
	if rate >= m.cfg.MatchRateThreshold && p95 < m.cfg.LatencyP95Max {
		log.Info().Float64("match_rate", rate).Dur("p95", p95).
			Msg("shadow window healthy, promoting")
		m.transition(ModeActive, ReasonPromotion)
	}
}

// RecordRegistryError counts a registry-path failure while active. When
// the rolling window exceeds the error budget the machine demotes to
// shadow.
func (m *Machine) RecordRegistryError() {
	if m.Mode() != ModeActive {
		return
	}
	now := m.now()
	cutoff := now.Add(-m.cfg.ErrorWindow)

	m.mu.Lock()
	kept := m.errorTimes[:0]
	for _, t := range m.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.errorTimes = append(kept, now)
	count := len(m.errorTimes)
	m.mu.Unlock()

	if count > m.cfg.ErrorThreshold {
		log.Warn().Int("errors", count).Dur("window", m.cfg.ErrorWindow).
			Msg("registry error budget exceeded, demoting")
		m.transition(ModeShadow, ReasonErrorBudget)
	}
}

// RecordStoreOutage disables the registry path entirely, used when the
// store breaker has been open long enough that neither shadow sampling
// nor active serving can work.
func (m *Machine) RecordStoreOutage() {
	if m.Mode() == ModeDisabled {
		return
	}
	m.transition(ModeDisabled, ReasonStoreOutage)
}

// transition applies a mode change with its side effects: the comparison
// window and error counters reset so the new mode is judged on fresh
// evidence.
func (m *Machine) transition(to Mode, reason string) {
	m.mu.Lock()
	from := Mode(m.mode.Load())
	if from == to {
		m.mu.Unlock()
		return
	}
	m.mode.Store(int32(to))
	m.errorTimes = nil
	m.mu.Unlock()

	m.ring.Reset()
	if m.metrics != nil {
		m.metrics.ModeSwitches.WithLabelValues(from.String(), to.String()).Inc()
		m.metrics.CurrentMode.Set(float64(to))
	}
	if m.sla != nil {
		m.sla.ObserveModeSwitch(from.String(), to.String(), reason)
	}
	log.Info().Str("from", from.String()).Str("to", to.String()).
		Str("reason", reason).Msg("integration mode switched")
}
