package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stepflow-ai/stepflow/auth"
	"github.com/stepflow-ai/stepflow/config"
	"github.com/stepflow-ai/stepflow/engine"
	"github.com/stepflow-ai/stepflow/engine/store"
	"github.com/stepflow-ai/stepflow/graph"
	"github.com/stepflow-ai/stepflow/graph/nodes"
	"github.com/stepflow-ai/stepflow/internal/metrics"
	"github.com/stepflow-ai/stepflow/stream"
	"github.com/stepflow-ai/stepflow/types"
)

// Server wires the execution service, run store, and event stream bridge
// behind an HTTP surface.
type Server struct {
	cfg      *config.Config
	logger   *zap.Logger
	service  *engine.Service
	runStore store.RunStore
	httpSrv  *http.Server
}

// NewServer assembles all service components from configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	runStore, err := store.New(store.Config{
		Backend: cfg.Store.Backend,
		Path:    cfg.Store.Path,
		DSN:     cfg.Store.DSN,
		Redis: store.RedisConfig{
			Addr:      cfg.Store.Redis.Addr,
			Password:  cfg.Store.Redis.Password,
			DB:        cfg.Store.Redis.DB,
			PoolSize:  cfg.Store.Redis.PoolSize,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
		},
		Pool: store.GormConfig{
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	deps := nodes.BuiltinDeps{}
	if cfg.Auth.Secret != "" {
		tokens, err := auth.NewTokenService(auth.Config{
			Secret:   cfg.Auth.Secret,
			Issuer:   cfg.Auth.Issuer,
			TokenTTL: cfg.Auth.TokenTTL,
		}, logger)
		if err != nil {
			return nil, err
		}
		deps.Tokens = tokens
	} else {
		logger.Warn("no auth secret configured, scoped tokens disabled")
	}

	registry := graph.NewRegistry(logger)
	nodes.RegisterBuiltins(registry, deps)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	hub := engine.NewHub(cfg.Engine.EventBuffer, logger)
	service := engine.NewService(registry, runStore, logger,
		engine.WithHub(hub),
		engine.WithMetrics(collector),
	)

	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "http_server")),
		service:  service,
		runStore: runStore,
	}
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/agents", s.handleRegisterAgent)
	mux.HandleFunc("POST /api/runs", s.handleStartRun)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/runs/{id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleCancelRun)
	mux.Handle("GET /api/runs/stream", stream.NewBridge(s.service, s.logger))
	return mux
}

// Start serves HTTP until a shutdown signal arrives, then drains
// connections and closes the store.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		s.logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	return s.runStore.Close()
}

type registerAgentRequest struct {
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Graph   map[string]any `json:"graph"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	spec, err := graph.Normalize(req.Graph)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Version <= 0 {
		req.Version = 1
	}
	if req.ID == "" {
		req.ID = spec.Name
	}

	if err := s.service.RegisterAgent(engine.AgentDefinition{
		ID:      req.ID,
		Version: req.Version,
		Spec:    spec,
	}); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ir, err := s.service.CompileAgent(req.ID)
	if err != nil {
		var compileErr *graph.CompileError
		if errors.As(err, &compileErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":  "graph failed validation",
				"issues": compileErr.Issues,
			})
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"agent_id":        req.ID,
		"version":         req.Version,
		"entry_point":     ir.EntryPoint(),
		"interrupt_nodes": ir.InterruptNodes(),
	})
}

type startRunRequest struct {
	AgentID string         `json:"agent_id"`
	Input   map[string]any `json:"input"`
	Mode    string         `json:"mode"`
	Context struct {
		TenantID  string `json:"tenant_id"`
		GrantID   string `json:"grant_id"`
		Principal string `json:"principal_id"`
		Initiator string `json:"initiator_id"`
	} `json:"context"`
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	mode := engine.RunMode(req.Mode)
	if mode == "" {
		mode = engine.ModeAsync
	}

	runID, err := s.service.StartRun(r.Context(), req.AgentID, req.Input, engine.StartOptions{
		Mode: mode,
		Context: types.ExecContext{
			TenantID:  req.Context.TenantID,
			GrantID:   req.Context.GrantID,
			Principal: req.Context.Principal,
			Initiator: req.Context.Initiator,
		},
	})
	if err != nil && runID == "" {
		writeError(w, statusForError(err), err)
		return
	}

	run, loadErr := s.service.GetRun(r.Context(), runID)
	if loadErr != nil {
		writeError(w, http.StatusInternalServerError, loadErr)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.service.ListRuns(r.Context(),
		q.Get("agent_id"), types.RunStatus(q.Get("status")), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Input map[string]any `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	runID := r.PathValue("id")
	if err := s.service.ResumeRun(r.Context(), runID, body.Input); err != nil {
		writeError(w, statusForError(err), err)
		return
	}

	run, err := s.service.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.service.CancelRun(r.Context(), runID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "cancelled": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.runStore.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func statusForError(err error) int {
	switch types.GetErrorCode(err) {
	case types.ErrRunNotFound, types.ErrAgentNotFound:
		return http.StatusNotFound
	case types.ErrInvalidTransition:
		return http.StatusConflict
	case types.ErrSchema, types.ErrSpecVersion, types.ErrInvalidGraph, types.ErrCompile:
		return http.StatusBadRequest
	case types.ErrAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
