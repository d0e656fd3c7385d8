// Package api exposes the engine over HTTP: run intake, inspection, the
// approval resume endpoint, and operational endpoints (health, metrics).
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mailflow/pkg/engine"
	"mailflow/pkg/logx"
	"mailflow/pkg/proto"
)

const maxBodyBytes = 1 << 20

// Handlers serves the run API backed by one engine.
type Handlers struct {
	engine *engine.Engine
	logger *logx.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(eng *engine.Engine) *Handlers {
	return &Handlers{engine: eng, logger: logx.NewLogger("api")}
}

// NewRouter builds the chi router with standard middleware and all routes
// mounted.
func NewRouter(h *Handlers) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", h.handleCreateRun)
		r.Get("/", h.handleListRuns)
		r.Get("/{id}", h.handleGetRun)
		r.Get("/{id}/audit", h.handleAuditTrail)
		r.Post("/{id}/resume", h.handleResumeRun)
		r.Post("/{id}/cancel", h.handleCancelRun)
	})

	return r
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	task, ok := readJSON[proto.EmailTask](w, r)
	if !ok {
		return
	}
	run, err := h.engine.Intake(r.Context(), task)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.engine.List(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*proto.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []*proto.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handlers) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	decision, ok := readJSON[proto.ApprovalDecision](w, r)
	if !ok {
		return
	}
	run, err := h.engine.Resume(r.Context(), chi.URLParam(r, "id"), decision)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r)
	if !ok {
		return
	}
	run, err := h.engine.Cancel(r.Context(), chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// writeDomainError maps engine errors to HTTP statuses.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error) {
	var validationErr *proto.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, proto.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, proto.ErrNotAwaitingApproval),
		errors.Is(err, proto.ErrRunTerminal),
		errors.Is(err, proto.ErrConcurrentModification),
		errors.Is(err, proto.ErrAlreadySent):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
