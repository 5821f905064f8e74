package agent

import (
	"encoding/json"
	"jobengine/internal/api"
	"jobengine/internal/apperrors"
	remote "jobengine/internal/runner/pulsar"
	"log/slog"
	"net/http"
)

const maxRequestBodySize = 1 << 20

// NewRouter serves the agent API used by the HTTP transport.
func NewRouter(a *Agent, apiKey string) http.Handler {
	mux := http.NewServeMux()
	auth := api.AuthMiddleware(apiKey)
	prefix := remote.AgentAPIPrefix

	mux.HandleFunc("GET "+prefix+"/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("POST "+prefix+"/jobs", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req remote.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body: " + err.Error()})
			return
		}
		if err := a.HandleSubmit(r.Context(), req); err != nil {
			handleError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})))
	mux.Handle("GET "+prefix+"/jobs/{jobId}", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, err := a.Status(r.PathValue("jobId"))
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})))
	mux.Handle("DELETE "+prefix+"/jobs/{jobId}", auth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.HandleCancel(r.Context(), r.PathValue("jobId")); err != nil {
			handleError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})))

	var h http.Handler = mux
	h = api.LoggingMiddleware()(h)
	h = api.RecoveryMiddleware()(h)
	return h
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Agent request failed", "error", err, "path", r.URL.Path)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
