// Package api serves the engine's HTTP API: jobs, workflow invocations,
// collections, objects and the health probes.
package api

import (
	"encoding/json"
	"errors"
	"jobengine/internal/apperrors"
	"jobengine/internal/health"
	"jobengine/internal/job"
	"jobengine/internal/model"
	"jobengine/internal/objectstore"
	"jobengine/internal/observability"
	"jobengine/internal/store"
	"jobengine/internal/workflow"
	"log/slog"
	"net/http"
	"strings"
)

const maxRequestBodySize = 1 << 20

type Handler struct {
	jobs      *job.Service
	workflows *workflow.Scheduler
	store     store.Store
	objects   objectstore.ObjectStore
	metrics   *observability.Metrics
	health    *health.Checker
}

func NewHandler(cfg RouterConfig) *Handler {
	return &Handler{
		jobs:      cfg.JobService,
		workflows: cfg.Workflows,
		store:     cfg.Store,
		objects:   cfg.Objects,
		metrics:   cfg.Metrics,
		health:    cfg.HealthChecker,
	}
}

// decodeBody reads a JSON request body of at most maxRequestBodySize into
// a T. On failure the 400 has been written and ok is false.
func decodeBody[T any](h *Handler, w http.ResponseWriter, r *http.Request) (v T, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.writeError(w, r, status, "Invalid request body: "+err.Error())
		return v, false
	}
	return v, true
}

// respond writes v as JSON with status, or maps err.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, status, v)
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[job.Request](h, w, r)
	if !ok {
		return
	}
	resp, err := h.jobs.Create(r.Context(), &req)
	h.respond(w, r, http.StatusAccepted, resp, err)
}

// ListJobs handles GET /v1/jobs?state=queued,running&invocationId=&userId=&destination=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		InvocationID:  q.Get("invocationId"),
		UserID:        q.Get("userId"),
		DestinationID: q.Get("destination"),
	}
	for s := range strings.SplitSeq(q.Get("state"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.States = append(filter.States, model.JobState(s))
		}
	}
	resp, err := h.jobs.List(r.Context(), filter)
	h.respond(w, r, http.StatusOK, resp, err)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	status, err := h.jobs.Get(r.Context(), r.PathValue("jobId"))
	h.respond(w, r, http.StatusOK, status, err)
}

// DeleteJob cancels a job. Cancelling a terminal job is a no-op.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(r.Context(), r.PathValue("jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPorts handles POST /v1/jobs/{jobId}/ports, the container port callback.
func (h *Handler) SetPorts(w http.ResponseWriter, r *http.Request) {
	ports, ok := decodeBody[map[string]model.Port](h, w, r)
	if !ok {
		return
	}
	status, err := h.jobs.SetPorts(r.Context(), r.PathValue("jobId"), ports)
	h.respond(w, r, http.StatusOK, status, err)
}

// CreateInvocation handles POST /v1/invocations. A workflow whose graph
// cannot be scheduled is still created, in state failed.
func (h *Handler) CreateInvocation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeBody[workflow.Request](h, w, r)
	if !ok {
		return
	}
	inv, err := h.workflows.Invoke(r.Context(), req)
	h.respond(w, r, http.StatusCreated, inv, err)
}

func (h *Handler) GetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.workflows.Get(r.Context(), r.PathValue("invocationId"))
	h.respond(w, r, http.StatusOK, inv, err)
}

func (h *Handler) CancelInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.workflows.Cancel(r.Context(), r.PathValue("invocationId"))
	h.respond(w, r, http.StatusOK, inv, err)
}

func (h *Handler) GetCollection(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCollection(r.Context(), r.PathValue("collectionId"))
	h.respond(w, r, http.StatusOK, c, err)
}

func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz answers 503 while a critical dependency is down or the engine is
// shutting down; a degraded engine is still ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())
	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	respondError(w, r, status, message)
}

// handleError maps a service error to its status code. Validation errors
// name the offending field.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	logger := requestLogger(r)
	if status >= 500 {
		logger.Error("Request failed", "error", err, "path", r.URL.Path)
	} else {
		logger.Warn("Request rejected", "error", err, "path", r.URL.Path, "status", status)
	}
	body := errorBody{Error: err.Error(), RequestID: RequestID(r.Context())}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && errors.Is(err, apperrors.ErrValidation) {
		body.Field = appErr.Field
	}
	writeErrorBody(w, r, status, body)
}
