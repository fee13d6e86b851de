// Package server is the HTTP surface of the gateway: the chat endpoint with
// its SSE stream, the file-recall admin and tenant APIs, and the metrics read
// API the external dashboard consumes.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/config"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/engine"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/memory"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/metrics"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/providers"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/recall"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/sandbox"
	"github.com/CoppingEthan/OWUI-Toolset-sub000/internal/shaper"
)

// ProviderFactory builds the adapter for one request. Tests substitute a
// scripted client.
type ProviderFactory func(provider string, cfg engine.RequestConfig) (engine.ProviderClient, error)

// Deps carries everything the handlers need. Sandboxes may be nil when the
// sandbox subsystem is disabled.
type Deps struct {
	Config     config.Config
	Registry   engine.Registry
	Shaper     *shaper.Shaper
	Memories   *memory.Store
	Recall     *recall.Manager
	Sandboxes  *sandbox.Manager
	Recorder   *metrics.Recorder
	Metrics    *metrics.Store
	Collectors *metrics.Collectors

	// NewProvider defaults to the real adapter factory.
	NewProvider ProviderFactory
}

// Server owns the router and the handler state.
type Server struct {
	cfg         config.Config
	registry    engine.Registry
	shaper      *shaper.Shaper
	memories    *memory.Store
	recall      *recall.Manager
	sandboxes   *sandbox.Manager
	recorder    *metrics.Recorder
	metrics     *metrics.Store
	collectors  *metrics.Collectors
	newProvider ProviderFactory
	logger      *slog.Logger
	router      chi.Router
}

// New assembles the server and its routes.
func New(deps Deps) *Server {
	s := &Server{
		cfg:         deps.Config,
		registry:    deps.Registry,
		shaper:      deps.Shaper,
		memories:    deps.Memories,
		recall:      deps.Recall,
		sandboxes:   deps.Sandboxes,
		recorder:    deps.Recorder,
		metrics:     deps.Metrics,
		collectors:  deps.Collectors,
		newProvider: deps.NewProvider,
		logger:      slog.Default().With("component", "server"),
	}
	if s.newProvider == nil {
		anthropicMax := deps.Config.AnthropicMaxTokens
		s.newProvider = func(provider string, cfg engine.RequestConfig) (engine.ProviderClient, error) {
			return providers.New(provider, cfg, anthropicMax)
		}
	}
	s.router = s.routes()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.cfg.APISecretKey))
		if s.collectors != nil {
			r.Method(http.MethodGet, "/metrics", s.collectors.Handler())
		}

		r.Route("/api/v1/file-recall/instances", func(r chi.Router) {
			r.Post("/", s.handleCreateTenant)
			r.Get("/", s.handleListTenants)
			r.Get("/{id}", s.handleGetTenant)
			r.Put("/{id}", s.handleRenameTenant)
			r.Delete("/{id}", s.handleDeleteTenant)
		})

		r.Route("/api/v1/metrics", func(r chi.Router) {
			r.Get("/daily", s.handleDailyTotals)
			r.Get("/models", s.handleModelAggregates)
			r.Get("/requests", s.handleRecentRequests)
			r.Get("/requests/{id}/tools", s.handleRequestToolCalls)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(ipAllowlist(s.cfg.AllowedInstances, s.logger))
		r.Use(bearerAuth(s.cfg.APISecretKey))
		r.Post("/api/v1/chat", s.handleChat)
		r.Delete("/api/v1/chat/conversations/{id}", s.handleCloseConversation)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.tenantAuth)
		r.Get("/api/v1/file-recall/documents", s.handleListDocuments)
		r.Post("/api/v1/file-recall/documents", s.handleUpload)
		r.Delete("/api/v1/file-recall/documents/{id}", s.handleDeleteDocument)
		r.Post("/api/v1/file-recall/search", s.handleSearch)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{"status": "ok", "sandbox": "disabled"}
	if s.sandboxes != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.sandboxes.Healthy(ctx); err != nil {
			body["sandbox"] = "unreachable"
			s.logger.Warn("sandbox health check failed", "error", err)
		} else {
			body["sandbox"] = "ready"
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if convID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "conversation id and user_id are required")
		return
	}
	if s.sandboxes != nil {
		s.sandboxes.CloseConversation(sandbox.Key{User: userID, Conversation: convID})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
