package routes

import (
	"net/http"

	"github.com/zatekoja/claimvalidation/internal/api/handlers"
	"github.com/zatekoja/claimvalidation/internal/api/middleware"
	"github.com/zatekoja/claimvalidation/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	validationHandler *handlers.ValidationHandler
	rulesHandler      *handlers.RulesHandler
	sseHandler        *handlers.SSEHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. sseHandler and metrics may be nil.
func NewRouter(
	validationHandler *handlers.ValidationHandler,
	rulesHandler *handlers.RulesHandler,
	sseHandler *handlers.SSEHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:               http.NewServeMux(),
		validationHandler: validationHandler,
		rulesHandler:      rulesHandler,
		sseHandler:        sseHandler,
		allowedOrigins:    allowedOrigins,
		metrics:           metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Validation endpoints
	r.mux.HandleFunc("POST /api/validation/run", r.validationHandler.RunPending)
	r.mux.HandleFunc("POST /api/validation/batches", r.validationHandler.SubmitBatch)
	r.mux.HandleFunc("GET /api/validation/status/{id}", r.validationHandler.GetTaskStatus)
	r.mux.HandleFunc("GET /api/validation/tasks", r.validationHandler.ListTasks)
	r.mux.HandleFunc("GET /api/validation/results", r.validationHandler.GetResults)
	r.mux.HandleFunc("GET /api/validation/claims", r.validationHandler.ListClaims)

	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/validation/tasks/{id}/events", r.sseHandler.StreamTaskEvents)
	}

	// Rule endpoints
	r.mux.HandleFunc("POST /api/rules/{kind}/upload", r.rulesHandler.UploadRules)
	r.mux.HandleFunc("PUT /api/rules/{kind}", r.rulesHandler.PutRules)
	r.mux.HandleFunc("GET /api/rules/{kind}", r.rulesHandler.GetRules)

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.ResponseOptimization(handler)

	// CORS wraps everything so preflight never reaches the handlers
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
