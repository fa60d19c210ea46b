// Package api provides the HTTP API server for fleetpilot.
//
// It exposes the state snapshot, allocation updates, analysis, execution
// and site provisioning, a WebSocket stream of snapshots, and Prometheus
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seenimoa/fleetpilot/internal/app"
	"github.com/seenimoa/fleetpilot/internal/apperr"
	"github.com/seenimoa/fleetpilot/internal/config"
	"github.com/seenimoa/fleetpilot/internal/events"
	"github.com/seenimoa/fleetpilot/internal/execute"
	"github.com/seenimoa/fleetpilot/internal/fleet"
	"github.com/seenimoa/fleetpilot/internal/state"
	"github.com/seenimoa/fleetpilot/pkg/models"
)

// Version is reported by /health. It is set by the CLI at startup.
var Version = "dev"

// Server is the HTTP API server.
type Server struct {
	router  chi.Router
	cfg     *config.Config
	app     *app.App
	wsHub   *WSHub
	logger  *slog.Logger
	started time.Time
}

// NewServer creates a configured API server over the wired components.
func NewServer(a *app.App) *Server {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		cfg:     a.Config,
		app:     a,
		wsHub:   NewWSHub(),
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe starts the refresh loop, the WebSocket hub and the HTTP
// server, and shuts all of them down on SIGINT or SIGTERM.
func (s *Server) ListenAndServe(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx, addr)
}

// Serve runs until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.wsHub.Run(ctx)
	go s.forwardSnapshots(ctx)
	go s.app.Store.Run(ctx, s.cfg.Refresh.Interval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// forwardSnapshots relays committed snapshots to WebSocket clients.
func (s *Server) forwardSnapshots(ctx context.Context) {
	ch, cancel := s.app.Store.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			s.wsHub.Broadcast(WSMessage{Type: MsgSnapshot, Data: snap})
		}
	}
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(s.app.Metrics.Middleware)

	origins := []string{"*"}
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", fleet.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		r.Handle("/metrics", s.app.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// State
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/prices", s.handlePrices)
		r.Get("/inventory", s.handleInventory)
		r.Get("/profitability", s.handleProfitability)
		r.Post("/refresh", s.handleRefresh)

		// Fleet control
		r.Get("/machines", s.handleGetMachines)
		r.Put("/machines", s.handlePutMachines)
		r.Post("/sites", s.handleCreateSite)

		// AI
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/execute", s.handleExecute)

		// Configuration
		r.Get("/config", s.handleGetConfig)
		r.Get("/config/keys", s.handleGetConfigKeys)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// ============================================================
// Request / Response types
// ============================================================

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecuteRequest is the body for POST /api/v1/execute. Either Action is
// given, or Index picks an action from the current analysis.
type ExecuteRequest struct {
	Action *models.RecommendedAction `json:"action,omitempty"`
	Index  *int                      `json:"index,omitempty"`
}

// ExecuteResponse reports both steps of an execution separately.
type ExecuteResponse struct {
	Applied      bool            `json:"applied"`
	Result       *execute.Result `json:"result,omitempty"`
	SummaryError string          `json:"summary_error,omitempty"`
}

// CreateSiteRequest is the body for POST /api/v1/sites.
type CreateSiteRequest struct {
	Name string `json:"name"`
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.app.Store.Snapshot()
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]any{
			"status":       "ok",
			"version":      Version,
			"uptime":       time.Since(s.started).Round(time.Second).String(),
			"generation":   snap.Generation,
			"flags":        snap.Flags,
			"ai_enabled":   s.app.Analyzer != nil,
			"ws_clients":   s.wsHub.ClientCount(),
			"last_updated": snap.UpdatedAt,
		},
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.app.Store.Snapshot()})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.app.Store.Snapshot().Prices})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.app.Store.Snapshot().Inventory})
}

func (s *Server) handleProfitability(w http.ResponseWriter, r *http.Request) {
	snap := s.app.Store.Snapshot()
	if snap.Profitability == nil {
		writeError(w, http.StatusServiceUnavailable, "profitability not available yet: prices or inventory missing")
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: snap.Profitability})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Store.Load(r.Context()); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: s.app.Store.Snapshot()})
}

func (s *Server) handleGetMachines(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.credential(w, r)
	if !ok {
		return
	}
	alloc, err := s.app.Fleet.Allocation(r.Context(), cred)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: alloc})
}

func (s *Server) handlePutMachines(w http.ResponseWriter, r *http.Request) {
	var target models.AllocationTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid allocation body: "+err.Error())
		return
	}
	if _, ok := s.bindCredential(w, r); !ok {
		return
	}
	applied, err := s.app.Store.UpdateAllocation(r.Context(), target)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: applied})
}

func (s *Server) handleCreateSite(w http.ResponseWriter, r *http.Request) {
	var req CreateSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	site, err := s.app.Fleet.CreateSite(r.Context(), req.Name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.app.Store.SetSite(site)
	events.Emit(r.Context(), s.app.Events, s.logger, events.TypeSiteProvisioned, map[string]any{
		"name":  site.Name,
		"power": site.Power,
	})
	writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: site})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.bindCredential(w, r); !ok {
		return
	}
	result, err := s.app.Store.Analyze(r.Context())
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.wsHub.Broadcast(WSMessage{Type: MsgAnalysis, Data: result})
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: result})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	action, err := s.pickAction(req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if _, ok := s.bindCredential(w, r); !ok {
		return
	}

	res, err := s.app.Store.Execute(r.Context(), action)
	if err != nil && !res.Applied() {
		s.writeErr(w, err)
		return
	}

	resp := ExecuteResponse{Applied: true, Result: res}
	if err != nil {
		resp.SummaryError = err.Error()
	}
	s.wsHub.Broadcast(WSMessage{Type: MsgExecution, Data: resp})
	if err != nil {
		// The allocation changed even though the summary did not arrive.
		writeJSON(w, apperr.HTTPStatus(err), APIResponse{Success: false, Data: resp, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: resp})
}

func (s *Server) pickAction(req ExecuteRequest) (*models.RecommendedAction, error) {
	if req.Action != nil {
		return req.Action, nil
	}
	if req.Index == nil {
		return nil, apperr.Required("action")
	}
	analysis := s.app.Store.Snapshot().Analysis
	if analysis == nil {
		return nil, apperr.Invalid("index", "no analysis to pick an action from")
	}
	i := *req.Index
	if i < 0 || i >= len(analysis.Actions) {
		return nil, apperr.Invalid("index", "%d is out of range (analysis has %d actions)", i, len(analysis.Actions))
	}
	action := analysis.Actions[i]
	return &action, nil
}

// ============================================================
// Helpers
// ============================================================

// credential resolves the fleet API key for a single call: the request
// header first, then the store's key. The store is left untouched.
func (s *Server) credential(w http.ResponseWriter, r *http.Request) (string, bool) {
	if key := r.Header.Get(fleet.APIKeyHeader); key != "" {
		return key, true
	}
	if key := s.app.Store.Credential(); key != "" {
		return key, true
	}
	s.writeErr(w, apperr.Required("credential"))
	return "", false
}

// bindCredential is credential for routes that act through the store.
// A header key that differs from the store's rebinds the whole server to
// that site: the held allocation is dropped and every client sees the
// new site's state from the next load on.
func (s *Server) bindCredential(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, ok := s.credential(w, r)
	if ok && key != s.app.Store.Credential() {
		s.logger.Info("credential rebound from request header")
		s.app.Store.SetCredential(key)
	}
	return key, ok
}

// writeErr maps err to a status. Replies from the market, fleet and site
// services are relayed with their own status and body untouched.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	if ue, ok := apperr.AsUpstream(err); ok && ue.StatusCode != 0 && ue.Service != apperr.ServiceAI {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(ue.StatusCode)
		_, _ = w.Write([]byte(ue.Body))
		return
	}
	if errors.Is(err, state.ErrNoAnalyst) || errors.Is(err, state.ErrNoExecutor) {
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
