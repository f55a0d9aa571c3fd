package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/optistream/signalcache/internal/config"
	"github.com/optistream/signalcache/internal/metrics"
)

// Server is the ops HTTP surface: health, readiness, metrics, and the
// integration-mode control endpoint. It carries no business traffic.
type Server struct {
	router *mux.Router
	server *http.Server
}

// NewServer builds the ops server over the given handlers.
func NewServer(cfg config.HTTPConfig, h *Handlers, m *metrics.Registry) *Server {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	router.Use(loggingMiddleware)

	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.Ready).Methods(http.MethodGet)
	router.HandleFunc("/mode", h.GetMode).Methods(http.MethodGet)
	router.HandleFunc("/mode", h.SetMode).Methods(http.MethodPost)
	router.HandleFunc("/lookup", h.Lookup).Methods(http.MethodGet)
	router.HandleFunc("/sla", h.SLA).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(m.Prometheus(), promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return &Server{
		router: router,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
