// Package adminapi is the out-of-band HTTP surface: health, readiness,
// Prometheus metrics, and a debug snapshot of the pool — pared down from
// the teacher's tenant-CRUD admin API since tppx has one pool, not a
// tenant registry to manage.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tokenpool/tppx/internal/health"
	"github.com/tokenpool/tppx/internal/metrics"
	"github.com/tokenpool/tppx/internal/tokenpool"
)

// Server is the admin/metrics HTTP server, separate from the datapath.
type Server struct {
	pool       *tokenpool.TokenPool
	health     *health.Checker
	metrics    *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
}

// NewServer wires an admin Server over the given pool/health/metrics.
func NewServer(pool *tokenpool.TokenPool, hc *health.Checker, m *metrics.Collector) *Server {
	return &Server{
		pool:      pool,
		health:    hc,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start begins serving on the given address.
func (s *Server) Start(addr string) error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/readyz", s.readyzHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/debug/pool", s.debugPoolHandler).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Printf("[adminapi] listening on %s", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[adminapi] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.health.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      fmt.Sprintf("%.1f", float64(mem.Alloc)/1024/1024),
	})
}

func (s *Server) debugPoolHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
