package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	prober *Prober
	server *http.Server
}

// NewServer creates a new health server around prober.
func NewServer(prober *Prober, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		prober: prober,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := s.prober.Probe(r.Context(), false)

	status := "healthy"
	if !result.Healthy {
		status = "unhealthy"
	}

	w.Header().Set("Content-Type", "application/json")
	if !result.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	// Write probe included: the detailed endpoint is for operators, not
	// load balancers, so the extra round trips are acceptable.
	result := s.prober.Probe(r.Context(), true)

	w.Header().Set("Content-Type", "application/json")
	if !result.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(result)
}
