// Package monitoring exposes the engine's operational surface over
// HTTP: Prometheus metrics, a health probe and a stats snapshot.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-arbalest/internal/engine"
	"github.com/23skdu/longbow-arbalest/internal/logger"
)

// StatsProvider is the slice of the engine the monitor reads.
type StatsProvider interface {
	Stats() engine.Stats
}

// Health is the /healthz payload.
type Health struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Engine    engine.Stats  `json:"engine"`
}

// SystemInfo carries process-level runtime facts.
type SystemInfo struct {
	GoVersion   string `json:"go_version"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	NumCPU      int    `json:"num_cpu"`
	Goroutines  int    `json:"goroutines"`
	HeapAllocMB uint64 `json:"heap_alloc_mb"`
	HeapSysMB   uint64 `json:"heap_sys_mb"`
	NumGC       uint32 `json:"num_gc"`
}

// Server serves the monitoring endpoints for one engine.
type Server struct {
	provider  StatsProvider
	startTime time.Time
	log       *logger.Logger

	mu   sync.Mutex
	http *http.Server
}

func NewServer(provider StatsProvider) *Server {
	return &Server{
		provider:  provider,
		startTime: time.Now(),
		log:       logger.Log.With("monitoring"),
	}
}

// Start serves /metrics, /healthz and /stats on addr until Stop.
func (s *Server) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	s.mu.Lock()
	s.http = &http.Server{Addr: addr, Handler: mux}
	srv := s.http
	s.mu.Unlock()

	go func() {
		s.log.Info("monitoring listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("monitoring server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) snapshot() Health {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	st := s.provider.Stats()
	status := "ok"
	if st.State == "failed" {
		status = "failed"
	}

	return Health{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime),
		System: SystemInfo{
			GoVersion:   runtime.Version(),
			OS:          runtime.GOOS,
			Arch:        runtime.GOARCH,
			NumCPU:      runtime.NumCPU(),
			Goroutines:  runtime.NumGoroutine(),
			HeapAllocMB: mem.HeapAlloc / (1024 * 1024),
			HeapSysMB:   mem.HeapSys / (1024 * 1024),
			NumGC:       mem.NumGC,
		},
		Engine: st,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.snapshot()
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.provider.Stats())
}
