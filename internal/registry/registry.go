package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/metrics"
	"github.com/optistream/signalcache/internal/store"
)

// LoadMetrics is the per-instance load snapshot published with each
// heartbeat.
type LoadMetrics struct {
	CPUPercent        float64 `json:"cpu_percent"`
	RSSMB             float64 `json:"rss_mb"`
	Connections       int     `json:"connections"`
	Threads           int     `json:"threads"`
	RequestsPerMinute float64 `json:"requests_per_minute"`
	QueueDepth        int64   `json:"queue_depth"`
	ProcessingRate    float64 `json:"processing_rate"`
}

// Score maps load onto [0,100], higher meaning more headroom. Each
// dimension deducts a fixed penalty at its thresholds: CPU above
// 80/60/40 percent, memory above 1024/512 MB, request volume above
// 200/100 per minute.
func (l LoadMetrics) Score() float64 {
	score := 100.0
	switch {
	case l.CPUPercent > 80:
		score -= 30
	case l.CPUPercent > 60:
		score -= 15
	case l.CPUPercent > 40:
		score -= 5
	}
	switch {
	case l.RSSMB > 1024:
		score -= 20
	case l.RSSMB > 512:
		score -= 10
	}
	switch {
	case l.RequestsPerMinute > 200:
		score -= 15
	case l.RequestsPerMinute > 100:
		score -= 5
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Instance statuses published with each heartbeat.
const (
	StatusStarting  = "starting"
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// InstanceRecord is one instance's registry hash entry.
type InstanceRecord struct {
	InstanceID    string      `json:"instance_id"`
	Hostname      string      `json:"hostname"`
	PID           int         `json:"pid"`
	Status        string      `json:"status"`
	StartedAt     time.Time   `json:"started_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Load          LoadMetrics `json:"load"`
	LoadScore     float64     `json:"load_score"`
	Assignments   []string    `json:"assignments,omitempty"`
}

// ClusterStatus buckets overall cluster health.
type ClusterStatus string

const (
	ClusterHealthy   ClusterStatus = "healthy"
	ClusterDegraded  ClusterStatus = "degraded"
	ClusterUnhealthy ClusterStatus = "unhealthy"
)

// ClusterHealth is the aggregated document written to the cluster
// health key.
type ClusterHealth struct {
	Status           ClusterStatus `json:"status"`
	TotalInstances   int           `json:"total_instances"`
	HealthyInstances int           `json:"healthy_instances"`
	LoadBalanceScore float64       `json:"load_balance_score"`
	Instances        []string      `json:"instances"`
	AggregatedAt     time.Time     `json:"aggregated_at"`
	AggregatedBy     string        `json:"aggregated_by"`
}

// LoadSampler supplies the current instance's load; wired to process
// stats in production and stubbed in tests.
type LoadSampler func() LoadMetrics

// Registry keeps this instance visible in the shared instance hash and
// periodically aggregates cluster health. Every instance runs both
// loops; the aggregate write is idempotent so concurrent writers only
// cost a redundant overwrite.
type Registry struct {
	store   store.Store
	cfg     config.RegistryConfig
	metrics *metrics.Registry
	sampler LoadSampler

	instanceID  string
	hostname    string
	startedAt   time.Time
	now         func() time.Time
	assignments []string

	mu      sync.Mutex
	stopped chan struct{}
}

// New creates a registry member with a fresh instance identity.
func New(st store.Store, cfg config.RegistryConfig, m *metrics.Registry, sampler LoadSampler) *Registry {
	hostname, _ := os.Hostname()
	if sampler == nil {
		sampler = func() LoadMetrics { return LoadMetrics{} }
	}
	return &Registry{
		store:      st,
		cfg:        cfg,
		metrics:    m,
		sampler:    sampler,
		instanceID: uuid.NewString(),
		hostname:   hostname,
		startedAt:  time.Now().UTC(),
		now:        time.Now,
		stopped:    make(chan struct{}),
	}
}

// SetClock overrides the clock and realigns the start time to it; used
// by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
	r.startedAt = now().UTC()
}

// InstanceID returns this instance's registry identity.
func (r *Registry) InstanceID() string { return r.instanceID }

// SetAssignments replaces the advertised work assignments.
func (r *Registry) SetAssignments(assignments []string) {
	r.mu.Lock()
	r.assignments = append([]string(nil), assignments...)
	r.mu.Unlock()
}

// Run drives the heartbeat and aggregation loops until the context is
// cancelled, then deregisters.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.stopped)

	// First heartbeat immediately so the instance is visible before the
	// first tick.
	if err := r.Heartbeat(ctx); err != nil {
		log.Warn().Err(err).Msg("initial heartbeat failed")
	}

	heartbeat := time.NewTicker(r.cfg.HeartbeatInterval)
	aggregate := time.NewTicker(r.cfg.AggregateInterval)
	defer heartbeat.Stop()
	defer aggregate.Stop()

	for {
		select {
		case <-ctx.Done():
			// Deregistration gets a short grace period off the dying ctx.
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Deregister(dctx); err != nil {
				log.Warn().Err(err).Msg("deregister failed")
			}
			cancel()
			return
		case <-heartbeat.C:
			if err := r.Heartbeat(ctx); err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
				if r.metrics != nil {
					r.metrics.HeartbeatFailures.Inc()
				}
			}
		case <-aggregate.C:
			if _, err := r.Aggregate(ctx); err != nil {
				log.Warn().Err(err).Msg("cluster aggregation failed")
			}
		}
	}
}

// Stopped is closed once Run has fully returned.
func (r *Registry) Stopped() <-chan struct{} { return r.stopped }

// Heartbeat publishes this instance's record and refreshes its health
// key TTL. A missed heartbeat lets the health key lapse, which is how
// peers detect death.
func (r *Registry) Heartbeat(ctx context.Context) error {
	now := r.now().UTC()
	load := r.sampler()

	r.mu.Lock()
	assignments := append([]string(nil), r.assignments...)
	r.mu.Unlock()

	rec := InstanceRecord{
		InstanceID:    r.instanceID,
		Hostname:      r.hostname,
		PID:           os.Getpid(),
		Status:        r.status(now, load.Score()),
		StartedAt:     r.startedAt,
		LastHeartbeat: now,
		Load:          load,
		LoadScore:     load.Score(),
		Assignments:   assignments,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal instance record: %w", err)
	}
	if err := r.store.HashSet(ctx, domain.InstancesHashKey, r.instanceID, data); err != nil {
		return fmt.Errorf("publish instance record: %w", err)
	}
	if err := r.store.SetWithTTL(ctx, domain.InstanceHealthKey(r.instanceID), []byte("healthy"), r.cfg.HealthTTL); err != nil {
		return fmt.Errorf("refresh health key: %w", err)
	}
	if len(assignments) > 0 {
		key := domain.InstanceAssignmentsKey(r.instanceID)
		if err := r.store.SetAdd(ctx, key, assignments...); err == nil {
			_ = r.store.Expire(ctx, key, r.cfg.HealthTTL)
		}
	}
	if r.metrics != nil {
		r.metrics.ClusterLoadScore.Set(rec.LoadScore)
	}
	return nil
}

// status classifies this instance for its heartbeat record: starting
// until the first heartbeat interval has passed, then bucketed by
// remaining headroom.
func (r *Registry) status(now time.Time, score float64) string {
	if now.Sub(r.startedAt) < r.cfg.HeartbeatInterval {
		return StatusStarting
	}
	switch {
	case score < 20:
		return StatusUnhealthy
	case score < 50:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Aggregate reads every instance record, evicts the stale ones, and
// writes the cluster health document.
func (r *Registry) Aggregate(ctx context.Context) (ClusterHealth, error) {
	now := r.now().UTC()
	raw, err := r.store.HashGetAll(ctx, domain.InstancesHashKey)
	if err != nil {
		return ClusterHealth{}, fmt.Errorf("read instance hash: %w", err)
	}

	var records []InstanceRecord
	var stale []string
	for field, value := range raw {
		var rec InstanceRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			// A record we cannot parse is treated as dead.
			stale = append(stale, field)
			continue
		}
		if now.Sub(rec.LastHeartbeat) > r.cfg.StaleAfter {
			stale = append(stale, field)
			continue
		}
		records = append(records, rec)
	}

	if len(stale) > 0 {
		if err := r.store.HashDelete(ctx, domain.InstancesHashKey, stale...); err != nil {
			log.Warn().Strs("instances", stale).Err(err).Msg("stale eviction failed")
		} else {
			log.Info().Strs("instances", stale).Msg("evicted stale instances")
		}
	}

	health := r.assess(records, now)
	data, err := json.Marshal(health)
	if err != nil {
		return health, fmt.Errorf("marshal cluster health: %w", err)
	}
	if err := r.store.SetWithTTL(ctx, domain.ClusterHealthKey, data, r.cfg.HealthTTL); err != nil {
		return health, fmt.Errorf("write cluster health: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ClusterInstances.Set(float64(health.TotalInstances))
	}
	return health, nil
}

// assess derives cluster status and the load-balance score from the
// live records.
func (r *Registry) assess(records []InstanceRecord, now time.Time) ClusterHealth {
	health := ClusterHealth{
		Status:           ClusterUnhealthy,
		TotalInstances:   len(records),
		LoadBalanceScore: 100,
		AggregatedAt:     now,
		AggregatedBy:     r.instanceID,
	}
	if len(records) == 0 {
		return health
	}

	healthy := 0
	var requestRates []float64
	for _, rec := range records {
		health.Instances = append(health.Instances, rec.InstanceID)
		if now.Sub(rec.LastHeartbeat) <= 2*r.cfg.HeartbeatInterval && rec.Status != StatusUnhealthy {
			healthy++
		}
		requestRates = append(requestRates, rec.Load.RequestsPerMinute)
	}
	sort.Strings(health.Instances)
	health.HealthyInstances = healthy

	frac := float64(healthy) / float64(len(records))
	switch {
	case frac >= 0.8:
		health.Status = ClusterHealthy
	case frac >= 0.5:
		health.Status = ClusterDegraded
	}

	health.LoadBalanceScore = balanceScore(requestRates)
	return health
}

// balanceScore measures how evenly request volume spreads across the
// cluster: 100 minus the coefficient of variation of per-instance
// requests per minute, scaled to percent and clamped to [0,100]. A
// single instance or an idle cluster scores 100: nothing to balance.
func balanceScore(requestRates []float64) float64 {
	if len(requestRates) < 2 {
		return 100
	}
	var sum float64
	for _, rate := range requestRates {
		sum += rate
	}
	mean := sum / float64(len(requestRates))
	if mean == 0 {
		return 100
	}
	var variance float64
	for _, rate := range requestRates {
		variance += (rate - mean) * (rate - mean)
	}
	variance /= float64(len(requestRates))
	cv := math.Sqrt(variance) / mean
	score := 100 - cv*100
	if score < 0 {
		return 0
	}
	return score
}

// Deregister removes this instance from the registry, deleting its hash
// field, health key, and assignment set.
func (r *Registry) Deregister(ctx context.Context) error {
	var firstErr error
	if err := r.store.HashDelete(ctx, domain.InstancesHashKey, r.instanceID); err != nil {
		firstErr = fmt.Errorf("remove instance record: %w", err)
	}
	if _, err := r.store.DeleteMany(ctx,
		domain.InstanceHealthKey(r.instanceID),
		domain.InstanceAssignmentsKey(r.instanceID)); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("remove instance keys: %w", err)
	}
	log.Info().Str("instance", r.instanceID).Msg("instance deregistered")
	return firstErr
}
