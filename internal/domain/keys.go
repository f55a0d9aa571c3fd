package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Cache key grammar. Callers outside this process depend on these shapes
// bit-exactly, so every key is built here rather than inline.

// GreeksLatestKey is the live greeks key for an instrument.
func GreeksLatestKey(instrumentID string) string {
	return fmt.Sprintf("greeks:%s:latest", instrumentID)
}

// GreeksVariantKey addresses one greeks subfamily entry, variant ∈
// {live, bulk, historical, current, delta, gamma, theta, sensitivity,
// scenarios, time_series}.
func GreeksVariantKey(instrumentID, variant string) string {
	return fmt.Sprintf("greeks:%s:%s", instrumentID, variant)
}

// GreeksHistoryKey is the immutable per-computation history entry.
func GreeksHistoryKey(instrumentID string, unixSeconds int64) string {
	return fmt.Sprintf("greeks:%s:timestamp:%d", instrumentID, unixSeconds)
}

// IndicatorKey addresses one computed indicator value.
func IndicatorKey(instrumentID, kind, timeframe, paramSig string) string {
	return fmt.Sprintf("indicators:%s:%s:%s:%s", instrumentID, kind, timeframe, paramSig)
}

// MoneynessLatestKey is the live moneyness entry for one strike.
func MoneynessLatestKey(underlying string, strike float64) string {
	return fmt.Sprintf("moneyness:%s:%s:latest", underlying, FormatStrike(strike))
}

// MoneynessCategoryKey indexes strikes by category for one expiry.
func MoneynessCategoryKey(underlying, expiry, category string) string {
	return fmt.Sprintf("moneyness_category:%s:%s:%s", underlying, expiry, category)
}

// ChainSnapshotKey holds the instrument list for one underlying's chain.
func ChainSnapshotKey(underlying string) string {
	return fmt.Sprintf("chain:%s:snapshot", underlying)
}

// MarketDataBarsKey holds the historical bar series for one timeframe.
func MarketDataBarsKey(instrumentID, timeframe string) string {
	return fmt.Sprintf("market_data:%s:bars:%s", instrumentID, timeframe)
}

// MarketDataRealtimeKey is the current market-data snapshot key.
func MarketDataRealtimeKey(instrumentID string) string {
	return fmt.Sprintf("market_data:%s:realtime", instrumentID)
}

// SpotSnapshotKey holds the last spot price seen for an underlying.
func SpotSnapshotKey(underlying string) string {
	return fmt.Sprintf("market_data:%s:spot", underlying)
}

// UserSubscriptionKey holds a user's subscription document (TTL 1h).
func UserSubscriptionKey(userID string) string {
	return fmt.Sprintf("user_subscription:%s", userID)
}

const (
	// InstancesHashKey is the registry hash; field = instance id.
	InstancesHashKey = "signal_service:instances"
	// ClusterHealthKey holds the aggregated cluster health document.
	ClusterHealthKey = "signal_service:cluster_health"
)

// InstanceHealthKey is the per-instance liveness key (TTL 300s).
func InstanceHealthKey(instanceID string) string {
	return fmt.Sprintf("signal_service:health:%s", instanceID)
}

// InstanceAssignmentsKey holds the set of entities assigned to an instance.
func InstanceAssignmentsKey(instanceID string) string {
	return fmt.Sprintf("signal_service:assignments:%s", instanceID)
}

// MarketplaceStream names the downstream stream for a marketplace signal.
func MarketplaceStream(productID, instrument, signalName, paramSig string) string {
	return fmt.Sprintf("marketplace:%s:%s:%s:%s", productID, instrument, signalName, paramSig)
}

// PersonalStream names the downstream stream for a personal signal.
func PersonalStream(userID, signalID, instrument, paramSig string) string {
	return fmt.Sprintf("personal:%s:%s:%s:%s", userID, signalID, instrument, paramSig)
}

// ParamSignature renders parameters as "k1_v1_k2_v2..." with keys sorted
// lexicographically. Callers depend on the exact rendering for cache keys
// and stream names.
func ParamSignature(params map[string]string) string {
	if len(params) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		parts = append(parts, k, params[k])
	}
	return strings.Join(parts, "_")
}

// FormatStrike renders a strike price without a trailing fractional zero,
// so 2450.0 → "2450" and 2450.5 → "2450.5".
func FormatStrike(strike float64) string {
	s := fmt.Sprintf("%.2f", strike)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
