package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/optistream/signalcache/internal/store"
)

// Config is the complete service configuration loaded from YAML.
type Config struct {
	Redis        store.RedisConfig  `yaml:"redis"`
	Consumer     ConsumerConfig     `yaml:"consumer"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
	Greeks       GreeksConfig       `yaml:"greeks"`
	Indicators   IndicatorsConfig   `yaml:"indicators"`
	Moneyness    MoneynessConfig    `yaml:"moneyness"`
	Integration  IntegrationConfig  `yaml:"integration"`
	Registry     RegistryConfig     `yaml:"registry"`
	SLA          SLAConfig          `yaml:"sla"`
	HTTP         HTTPConfig         `yaml:"http"`
	Publish      PublishConfig      `yaml:"publish"`
}

// ConsumerConfig tunes the event-stream consumer loop.
type ConsumerConfig struct {
	Stream      string        `yaml:"stream"`
	Group       string        `yaml:"group"`
	BatchSize   int64         `yaml:"batch_size"`
	Block       time.Duration `yaml:"block"`
	MinBackoff  time.Duration `yaml:"min_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	DispatchRPS float64       `yaml:"dispatch_rps"` // rate cap on coordinator dispatches
}

// InvalidationConfig tunes the invalidation engine.
type InvalidationConfig struct {
	MaxConcurrentFamilies int   `yaml:"max_concurrent_families"`
	DeleteBatchSize       int   `yaml:"delete_batch_size"`
	ScanBatchSize         int64 `yaml:"scan_batch_size"`
}

// GreeksConfig holds the freshness-decision thresholds.
type GreeksConfig struct {
	SpotChangePct     float64       `yaml:"spot_change_pct"`      // recalc above this spot move, percent
	VolChangePct      float64       `yaml:"vol_change_pct"`       // recalc above this IV move, percent
	ExpiryApproachDay float64       `yaml:"expiry_approach_days"` // recalc below this many days to expiry
	DeltaShift        float64       `yaml:"delta_shift"`          // recalc above this absolute delta change
	LiveTTL           time.Duration `yaml:"live_ttl"`
	HistoryTTL        time.Duration `yaml:"history_ttl"`
	BulkThreshold     int           `yaml:"bulk_threshold"` // chain size above which bulk recompute is used
}

// IndicatorsConfig tunes the indicator cache coordinator.
type IndicatorsConfig struct {
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
	VolumeSpikeRatio   float64 `yaml:"volume_spike_ratio"`
	VolImpactPct       float64 `yaml:"vol_impact_pct"`
	HistoryBars        int     `yaml:"history_bars"`
}

// MoneynessConfig tunes the moneyness refresh service.
type MoneynessConfig struct {
	MinMovePct      float64       `yaml:"min_move_pct"`      // below: no refresh
	SelectiveMaxPct float64       `yaml:"selective_max_pct"` // below: selective, above: full chain
	LiveTTL         time.Duration `yaml:"live_ttl"`
	AggregateTTL    time.Duration `yaml:"aggregate_ttl"`
	ATMBandLow      float64       `yaml:"atm_band_low"`
	ATMBandHigh     float64       `yaml:"atm_band_high"`
}

// IntegrationConfig tunes the mode machine and shadow comparator.
type IntegrationConfig struct {
	InitialMode        string        `yaml:"initial_mode"`
	SampleRate         float64       `yaml:"sample_rate"`
	PathTimeout        time.Duration `yaml:"path_timeout"`
	RingSize           int           `yaml:"ring_size"`
	MatchRateThreshold float64       `yaml:"match_rate_threshold"` // promote shadow → active at or above
	LatencyP95Max      time.Duration `yaml:"latency_p95_max"`      // promote only below this registry p95
	ErrorThreshold     int           `yaml:"error_threshold"`      // demote active → shadow above
	ErrorWindow        time.Duration `yaml:"error_window"`         // rolling window for the error count
	MinComparisons     int           `yaml:"min_comparisons"`      // required ring depth before promotion
}

// RegistryConfig tunes the distributed instance registry.
type RegistryConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	HealthTTL         time.Duration `yaml:"health_ttl"`
}

// SLAConfig holds violation thresholds and the observation ring size.
type SLAConfig struct {
	RingSize               int           `yaml:"ring_size"`
	InvalidationCompletion time.Duration `yaml:"invalidation_completion"`
	InvalidationMajorAfter time.Duration `yaml:"invalidation_major_after"`
	HitRateMin             float64       `yaml:"hit_rate_min"`
	HitRateMajorBelow      float64       `yaml:"hit_rate_major_below"`
	CoordinationLatencyP95 time.Duration `yaml:"coordination_latency_p95"`
	StaleRecovery          time.Duration `yaml:"stale_recovery"`
	StaleRecoveryCritical  time.Duration `yaml:"stale_recovery_critical"`
	SelectiveEfficiencyMin float64       `yaml:"selective_efficiency_min"`
}

// HTTPConfig configures the ops HTTP listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// PublishConfig configures downstream signal publishing.
type PublishConfig struct {
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// Default returns the built-in defaults matching the documented SLA and
// threshold values.
func Default() Config {
	return Config{
		Redis: store.DefaultRedisConfig(),
		Consumer: ConsumerConfig{
			Stream:      "signal_service:events",
			Group:       "cache-coordination",
			BatchSize:   10,
			Block:       1 * time.Second,
			MinBackoff:  1 * time.Second,
			MaxBackoff:  60 * time.Second,
			DispatchRPS: 200,
		},
		Invalidation: InvalidationConfig{
			MaxConcurrentFamilies: 5,
			DeleteBatchSize:       1000,
			ScanBatchSize:         500,
		},
		Greeks: GreeksConfig{
			SpotChangePct:     0.5,
			VolChangePct:      5.0,
			ExpiryApproachDay: 7,
			DeltaShift:        0.05,
			LiveTTL:           60 * time.Second,
			HistoryTTL:        24 * time.Hour,
			BulkThreshold:     5,
		},
		Indicators: IndicatorsConfig{
			MaxConcurrentTasks: 3,
			VolumeSpikeRatio:   2.0,
			VolImpactPct:       10.0,
			HistoryBars:        200,
		},
		Moneyness: MoneynessConfig{
			MinMovePct:      0.5,
			SelectiveMaxPct: 2.0,
			LiveTTL:         60 * time.Second,
			AggregateTTL:    5 * time.Minute,
			ATMBandLow:      0.95,
			ATMBandHigh:     1.05,
		},
		Integration: IntegrationConfig{
			InitialMode:        "shadow",
			SampleRate:         0.10,
			PathTimeout:        5 * time.Second,
			RingSize:           1000,
			MatchRateThreshold: 0.95,
			LatencyP95Max:      100 * time.Millisecond,
			ErrorThreshold:     10,
			ErrorWindow:        5 * time.Minute,
			MinComparisons:     50,
		},
		Registry: RegistryConfig{
			HeartbeatInterval: 30 * time.Second,
			AggregateInterval: 60 * time.Second,
			StaleAfter:        5 * time.Minute,
			HealthTTL:         300 * time.Second,
		},
		SLA: SLAConfig{
			RingSize:               1000,
			InvalidationCompletion: 30 * time.Second,
			InvalidationMajorAfter: 45 * time.Second,
			HitRateMin:             0.95,
			HitRateMajorBelow:      0.90,
			CoordinationLatencyP95: 100 * time.Millisecond,
			StaleRecovery:          5 * time.Second,
			StaleRecoveryCritical:  10 * time.Second,
			SelectiveEfficiencyMin: 0.80,
		},
		HTTP: HTTPConfig{
			Addr: ":8087",
		},
		Publish: PublishConfig{
			StreamMaxLen: 10000,
		},
	}
}

// Load reads configuration from a YAML file layered over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would disable required safety
// properties.
func (c Config) Validate() error {
	if c.Invalidation.MaxConcurrentFamilies < 1 {
		return fmt.Errorf("invalidation.max_concurrent_families must be >= 1")
	}
	if c.Invalidation.DeleteBatchSize < 1 {
		return fmt.Errorf("invalidation.delete_batch_size must be >= 1")
	}
	if c.Indicators.MaxConcurrentTasks < 1 {
		return fmt.Errorf("indicators.max_concurrent_tasks must be >= 1")
	}
	if c.Integration.SampleRate < 0 || c.Integration.SampleRate > 1 {
		return fmt.Errorf("integration.sample_rate must be in [0,1]")
	}
	switch c.Integration.InitialMode {
	case "disabled", "shadow", "active":
	default:
		return fmt.Errorf("integration.initial_mode must be disabled, shadow, or active")
	}
	if c.Registry.HeartbeatInterval <= 0 || c.Registry.AggregateInterval <= 0 {
		return fmt.Errorf("registry intervals must be positive")
	}
	if c.Registry.StaleAfter < c.Registry.HeartbeatInterval {
		return fmt.Errorf("registry.stale_after must be at least one heartbeat interval")
	}
	if c.Consumer.Stream == "" || c.Consumer.Group == "" {
		return fmt.Errorf("consumer.stream and consumer.group are required")
	}
	if c.SLA.RingSize < 1 || c.Integration.RingSize < 1 {
		return fmt.Errorf("ring sizes must be >= 1")
	}
	return nil
}
