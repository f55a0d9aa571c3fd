package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/optistream/signalcache/internal/domain"
	"github.com/optistream/signalcache/internal/integration"
	"github.com/optistream/signalcache/internal/registry"
	"github.com/optistream/signalcache/internal/sla"
	"github.com/optistream/signalcache/internal/store"
)

// Handlers serves the ops endpoints. All responses are JSON.
type Handlers struct {
	store      store.Store
	machine    *integration.Machine
	comparator *integration.Comparator
	monitor    *sla.Monitor
	instance   string
	startTime  time.Time
}

// NewHandlers wires the ops handlers. The comparator may be nil; the
// lookup endpoint then answers 503.
func NewHandlers(st store.Store, machine *integration.Machine, comparator *integration.Comparator, monitor *sla.Monitor, instanceID string) *Handlers {
	return &Handlers{
		store:      st,
		machine:    machine,
		comparator: comparator,
		monitor:    monitor,
		instance:   instanceID,
		startTime:  time.Now(),
	}
}

type healthResponse struct {
	Status     string                  `json:"status"`
	InstanceID string                  `json:"instance_id"`
	Uptime     string                  `json:"uptime"`
	Store      string                  `json:"store"`
	Mode       string                  `json:"mode"`
	Cluster    *registry.ClusterHealth `json:"cluster,omitempty"`
	Timestamp  time.Time               `json:"timestamp"`
}

// Health reports store reachability, the integration mode, and the last
// aggregated cluster health document.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:     "healthy",
		InstanceID: h.instance,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Store:      "up",
		Mode:       h.machine.Mode().String(),
		Timestamp:  time.Now().UTC(),
	}

	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "down"
		code = http.StatusServiceUnavailable
	}

	if data, found, err := h.store.Get(r.Context(), domain.ClusterHealthKey); err == nil && found {
		var cluster registry.ClusterHealth
		if json.Unmarshal(data, &cluster) == nil {
			resp.Cluster = &cluster
			if cluster.Status == registry.ClusterUnhealthy && resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, code, resp)
}

// Ready is the readiness probe: the store must answer.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

type modeResponse struct {
	Mode        string  `json:"mode"`
	MatchRate   float64 `json:"match_rate"`
	WindowDepth int     `json:"window_depth"`
	P95Registry string  `json:"p95_registry_latency"`
}

// GetMode reports the integration mode and the comparison window state.
func (h *Handlers) GetMode(w http.ResponseWriter, r *http.Request) {
	ring := h.machine.Ring()
	writeJSON(w, http.StatusOK, modeResponse{
		Mode:        h.machine.Mode().String(),
		MatchRate:   ring.MatchRate(),
		WindowDepth: ring.Len(),
		P95Registry: ring.P95RegistryLatency().String(),
	})
}

// SetMode is the operator override: {"mode": "disabled|shadow|active"}.
func (h *Handlers) SetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	mode, err := integration.ParseMode(req.Mode)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.machine.SwitchMode(mode)
	writeJSON(w, http.StatusOK, map[string]string{"mode": h.machine.Mode().String()})
}

type lookupResponse struct {
	Family string   `json:"family"`
	Source string   `json:"source"`
	Count  int      `json:"count"`
	Keys   []string `json:"keys"`
}

// Lookup serves a cache lookup through the mode-selected path:
// GET /lookup?family=user_data&user=u-123. The response names the path
// that produced the result.
func (h *Handlers) Lookup(w http.ResponseWriter, r *http.Request) {
	if h.comparator == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "lookup paths not configured"})
		return
	}
	q := integration.Query{
		Family: r.URL.Query().Get("family"),
		Entity: domain.Entity{
			InstrumentID: r.URL.Query().Get("instrument"),
			Underlying:   r.URL.Query().Get("underlying"),
			UserID:       r.URL.Query().Get("user"),
		},
	}
	if q.Family == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "family is required"})
		return
	}
	keys, source, err := h.comparator.Lookup(r.Context(), q)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, integration.ErrUnknownFamily) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, lookupResponse{
		Family: q.Family,
		Source: source,
		Count:  len(keys),
		Keys:   keys,
	})
}

// SLA reports the last-hour violation summary.
func (h *Handlers) SLA(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.Summary())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
