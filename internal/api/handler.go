package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/warden/internal/knowledge"
	"github.com/nidhogg/warden/internal/lifecycle"
	"github.com/nidhogg/warden/internal/task"
	"go.uber.org/zap"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager *lifecycle.Manager
	base    *knowledge.Base
	graph   *knowledge.Graph
	logger  *zap.Logger
}

// NewHandler creates a new API handler. base and graph may be nil when the
// knowledge backends are not configured.
func NewHandler(manager *lifecycle.Manager, base *knowledge.Base, graph *knowledge.Graph, logger *zap.Logger) *Handler {
	return &Handler{
		manager: manager,
		base:    base,
		graph:   graph,
		logger:  logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Post("/tasks", h.createTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)
		r.Post("/tasks/{id}/approve", h.decision(h.manager.Approve))
		r.Post("/tasks/{id}/reject", h.decision(h.manager.Reject))
		r.Post("/tasks/{id}/cancel", h.decision(h.manager.Cancel))
		r.Post("/tasks/{id}/pause", h.decision(h.manager.Pause))
		r.Post("/tasks/{id}/resume", h.decision(h.manager.Resume))

		r.Get("/knowledge/errors", h.similarErrors)
		r.Get("/history/{type}", h.recentRuns)
		r.Get("/history/{type}/failures", h.failingSteps)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "warden"})
}

type createTaskRequest struct {
	Type        task.Type         `json:"type"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
	Priority    task.Priority     `json:"priority"`
	Autonomy    task.Autonomy     `json:"autonomy_level"`
}

var validAutonomy = map[task.Autonomy]bool{
	task.AutonomyGuided:         true,
	task.AutonomySupervised:     true,
	task.AutonomySemiAutonomous: true,
	task.AutonomyFullAutonomous: true,
}

func (h *Handler) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" || req.Description == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type and description are required"})
		return
	}
	if req.Autonomy == "" {
		req.Autonomy = task.AutonomySupervised
	}
	if !validAutonomy[req.Autonomy] {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown autonomy level " + string(req.Autonomy)})
		return
	}
	if req.Priority == "" {
		req.Priority = task.PriorityMedium
	}

	id, err := h.manager.Create(r.Context(), req.Type, req.Description, req.Parameters, req.Priority, req.Autonomy)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	filter := task.Status(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, h.manager.List(filter))
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type decisionRequest struct {
	Actor string `json:"actor"`
}

// decision wraps the operator verbs that share the id+actor shape.
func (h *Handler) decision(op func(ctx context.Context, id, actor string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		}
		if req.Actor == "" {
			req.Actor = lifecycle.ActorOperator
		}

		id := chi.URLParam(r, "id")
		if err := op(r.Context(), id, req.Actor); err != nil {
			h.writeError(w, err)
			return
		}
		t, err := h.manager.Get(id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func (h *Handler) similarErrors(w http.ResponseWriter, r *http.Request) {
	if h.base == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "knowledge base not configured"})
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q parameter is required"})
		return
	}
	hits, err := h.base.SimilarErrors(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *Handler) recentRuns(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history graph not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.graph.RecentRuns(r.Context(), task.Type(chi.URLParam(r, "type")), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) failingSteps(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history graph not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	steps, err := h.graph.FailingSteps(r.Context(), task.Type(chi.URLParam(r, "type")), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ite *task.InvalidTransitionError
	switch {
	case errors.Is(err, task.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.As(err, &ite):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
