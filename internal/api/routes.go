package api

import (
	"jobengine/internal/health"
	"jobengine/internal/job"
	"jobengine/internal/objectstore"
	"jobengine/internal/observability"
	"jobengine/internal/store"
	"jobengine/internal/workflow"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Workflows     *workflow.Scheduler
	Store         store.Store
	Objects       objectstore.ObjectStore
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	route("POST /v1/jobs", handler.CreateJob)
	route("GET /v1/jobs", handler.ListJobs)
	route("GET /v1/jobs/{jobId}", handler.GetJob)
	route("DELETE /v1/jobs/{jobId}", handler.DeleteJob)
	route("POST /v1/jobs/{jobId}/ports", handler.SetPorts)

	route("POST /v1/invocations", handler.CreateInvocation)
	route("GET /v1/invocations/{invocationId}", handler.GetInvocation)
	route("DELETE /v1/invocations/{invocationId}", handler.CancelInvocation)
	route("GET /v1/collections/{collectionId}", handler.GetCollection)

	// GET also matches HEAD
	route("GET /v1/objects/{ref}", handler.GetObject)
	route("PUT /v1/objects/{ref}", handler.PutObject)
	route("DELETE /v1/objects/{ref}", handler.DeleteObject)

	mws := []Middleware{RequestIDMiddleware(), LoggingMiddleware(), RecoveryMiddleware()}
	if cfg.Metrics != nil {
		mws = append(mws, MetricsMiddleware(cfg.Metrics))
	}
	mws = append(mws, CORSMiddleware(), ContentTypeMiddleware())
	return chain(mux, mws...)
}
