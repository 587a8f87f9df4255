package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentmesh/ledger"
	"agentmesh/orchestrate"
	"agentmesh/payment"
	"agentmesh/settle"
)

// adminServer exposes the operator surface: health, metrics, pause controls,
// ledger export, and a local query endpoint.
type adminServer struct {
	token        string
	engine       *payment.Engine
	settler      *settle.Client
	store        *ledger.Store
	orchestrator *orchestrate.Orchestrator
	queryConfig  func() orchestrate.QueryConfig
	exportDir    string
}

func (s *adminServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/status", s.handleStatus)
		r.Post("/pause", s.handlePause(true))
		r.Post("/resume", s.handlePause(false))
		r.Post("/settle", s.handleSettle)
		r.Post("/export", s.handleExport)
		r.Post("/query", s.handleQuery)
	})
	return r
}

// requireBearer rejects requests lacking the configured admin token. An empty
// token disables the whole authenticated group.
func (s *adminServer) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			http.Error(w, "admin endpoints disabled", http.StatusForbidden)
			return
		}
		if parseBearerToken(r.Header.Get("Authorization")) != s.token {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func (s *adminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	pendingRows, err := s.store.PendingSettlements()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := map[string]any{
		"queueDepth":         s.engine.QueueDepth(),
		"pendingSettlements": len(pendingRows),
	}
	writeJSON(w, status)
}

func (s *adminServer) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.settler.SetPaused(paused)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *adminServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.SettleAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, results)
}

type exportRequest struct {
	FromMs int64 `json:"fromMs"`
	ToMs   int64 `json:"toMs"`
}

func (s *adminServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.ToMs == 0 {
		req.ToMs = time.Now().UnixMilli()
	}
	file, err := s.store.ExportEntries(s.exportDir, time.UnixMilli(req.FromMs), time.UnixMilli(req.ToMs))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, file)
}

type queryRequest struct {
	Prompt     string `json:"prompt"`
	Capability string `json:"capability"`
	MinAgents  int    `json:"minAgents,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
}

func (s *adminServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}
	cfg := s.queryConfig()
	cfg.Capability = req.Capability
	if req.MinAgents > 0 {
		cfg.MinAgents = req.MinAgents
	}
	if req.Strategy != "" {
		cfg.AggregationStrategy = req.Strategy
	}
	result, err := s.orchestrator.Query(r.Context(), req.Prompt, cfg, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
