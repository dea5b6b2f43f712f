package mgmtapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer is the HTTP listener exposing Prometheus metrics and a
// terse status endpoint, the REST surface spec.md §8 calls out as its own
// listener separate from the management socket.
type MetricsServer struct {
	Backend    Backend
	Registry   *prometheus.Registry
	httpServer *http.Server
	startTime  time.Time
}

// NewMetricsServer builds a MetricsServer around the given Prometheus
// registry (internal/metrics.Collector's Registry field).
func NewMetricsServer(backend Backend, registry *prometheus.Registry) *MetricsServer {
	return &MetricsServer{Backend: backend, Registry: registry, startTime: time.Now()}
}

// Start begins serving on port in a background goroutine.
func (s *MetricsServer) Start(port int) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/ping", s.pingHandler).Methods("GET")

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[mgmtapi] metrics listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[mgmtapi] metrics server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the metrics listener.
func (s *MetricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *MetricsServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.Backend.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":     int(time.Since(s.startTime).Seconds()),
		"active_connections": status.ActiveConnections,
		"gracefully":         status.Gracefully,
		"limit_rules":        status.Rules,
	})
}

func (s *MetricsServer) pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": s.Backend.Ping()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
