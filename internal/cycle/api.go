package cycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/damozycodes/Bybit/internal/store"
	"go.uber.org/zap"
)

// APIServer provides an HTTP interface for inspecting and controlling
// the running cycle.
type APIServer struct {
	server    *http.Server
	orch      *Orchestrator
	store     *store.Store
	logger    *zap.Logger
	startTime time.Time
}

// NewAPIServer creates a new APIServer.
func NewAPIServer(port int, orch *Orchestrator, st *store.Store, logger *zap.Logger) *APIServer {
	mux := http.NewServeMux()
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	s := &APIServer{
		server:    server,
		orch:      orch,
		store:     st,
		logger:    logger.Named("api-server"),
		startTime: time.Now(),
	}

	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/errors", s.errorsHandler)
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/stop", s.stopHandler)
	mux.HandleFunc("/reset", s.resetHandler)
	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *APIServer) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *APIServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Statistics()
	if err != nil {
		s.logger.Error("Failed to load trade statistics", zap.Error(err))
		http.Error(w, "failed to load statistics", http.StatusInternalServerError)
		return
	}

	status := struct {
		StatusReport
		Uptime     string            `json:"uptime"`
		Statistics *store.TradeStats `json:"statistics"`
	}{
		StatusReport: s.orch.Status(),
		Uptime:       time.Since(s.startTime).String(),
		Statistics:   stats,
	}
	s.writeJSON(w, status)
}

func (s *APIServer) errorsHandler(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentErrors(50)
	if err != nil {
		s.logger.Error("Failed to load error log", zap.Error(err))
		http.Error(w, "failed to load error log", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, entries)
}

func (s *APIServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *APIServer) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.orch.Stop()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "stopping")
}

func (s *APIServer) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	if err := s.orch.ForceReset(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

func (s *APIServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
