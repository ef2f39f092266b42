// Package api is the ops/admin HTTP server: route diagnostics, health,
// server status, and Prometheus metrics. It runs on its own port, separate
// from the request engine, on the standard net/http stack.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sockd/sockd/internal/config"
	"github.com/sockd/sockd/internal/health"
	"github.com/sockd/sockd/internal/metrics"
	"github.com/sockd/sockd/internal/routes"
)

// Server is the ops API server.
type Server struct {
	registry    *routes.Registry
	healthCheck *health.Checker
	metrics     *metrics.Collector
	cfg         *config.Config
	log         *logrus.Logger

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates an ops API server.
func NewServer(reg *routes.Registry, hc *health.Checker, m *metrics.Collector, cfg *config.Config, log *logrus.Logger) *Server {
	return &Server{
		registry:    reg,
		healthCheck: hc,
		metrics:     m,
		cfg:         cfg,
		log:         log,
		startTime:   time.Now(),
	}
}

// Start binds the ops listener and serves in the background.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Ops.Bind, s.cfg.Ops.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"component": "api",
		"addr":      addr,
	}).Info("ops API listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).WithField("component", "api").Error("ops API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the ops server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler builds the ops route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/routes", s.routesHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	r.HandleFunc("/health", s.healthHandler).Methods("GET")
	r.HandleFunc("/ready", s.readyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

type statusResponse struct {
	Uptime     string `json:"uptime"`
	Goroutines int    `json:"goroutines"`
	GoVersion  string `json:"go_version"`
	Routes     int    `json:"routes"`
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
		GoVersion:  runtime.Version(),
		Routes:     len(s.registry.Snapshot()),
	})
}

func (s *Server) routesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Redacted())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.healthCheck.Snapshot()
	code := http.StatusOK
	if !s.healthCheck.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
