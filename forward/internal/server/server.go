// Package server exposes the admin HTTP surface of the forwarder.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/telhawk-forward/common/httputil"
	"github.com/telhawk-systems/telhawk-forward/common/logging"
	"github.com/telhawk-systems/telhawk-forward/common/messaging"
	"github.com/telhawk-systems/telhawk-forward/common/middleware"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/persist"
	"github.com/telhawk-systems/telhawk-forward/forward/internal/sink"
)

// StatsProvider is a sink as seen by the admin API.
type StatsProvider interface {
	Stats() sink.Stats
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// BrokerCheck adapts a broker connection to a Check.
func BrokerCheck(conn messaging.Connection) Check {
	return func(ctx context.Context) error {
		status := messaging.CheckHealth(conn)
		if !status.Healthy() {
			return errors.New(status.Error)
		}
		return nil
	}
}

// PingCheck adapts a backend that can be pinged to a Check.
func PingCheck(p persist.Pinger) Check {
	return p.Ping
}

// Handler serves the admin endpoints.
type Handler struct {
	sinks        []StatsProvider
	checks       map[string]Check
	checkTimeout time.Duration
	logger       *logging.Logger
}

// NewHandler creates a handler. checks are run on every /readyz call.
func NewHandler(sinks []StatsProvider, checks map[string]Check, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		sinks:        sinks,
		checks:       checks,
		checkTimeout: 2 * time.Second,
		logger:       logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready runs the dependency checks. A sink with an invalid configuration also
// makes the service unready since it will never deliver anything.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	ready := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			ready = false
			results[name] = err.Error()
			h.logger.WarnContext(ctx, "Readiness check failed", "check", name, logging.Error(err))
			continue
		}
		results[name] = "ok"
	}
	for _, s := range h.sinks {
		st := s.Stats()
		if st.Invalid {
			ready = false
			results["sink:"+st.Name] = "invalid configuration"
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": results,
	})
}

// Stats returns the counters of every sink.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	stats := make([]sink.Stats, 0, len(h.sinks))
	for _, s := range h.sinks {
		stats = append(stats, s.Stats())
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sinks": stats,
	})
}

// NewRouter constructs a ServeMux with the admin routes registered.
func NewRouter(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.Health)
	mux.HandleFunc("/readyz", h.Ready)
	mux.HandleFunc("/stats", h.Stats)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	return middleware.RequestID(accessLog(h.logger, mux))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// accessLog logs every admin request at debug level.
func accessLog(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.DebugContext(r.Context(), "Admin request",
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(rec.status),
			logging.Duration(time.Since(start).Milliseconds()),
		)
	})
}

// Config holds the admin listener settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// New builds the admin http.Server listening on every interface.
func New(cfg Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
