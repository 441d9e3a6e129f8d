package routes

import (
	"net/http"

	"github.com/DataInsightAutomation/trainingFramework/api/rest/handlers"
	"github.com/DataInsightAutomation/trainingFramework/api/rest/middleware"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handlers groups the endpoint implementations
type Handlers struct {
	Jobs      *handlers.JobHandler
	Resources *handlers.ResourceHandler
	Chat      *handlers.ChatHandler
	Metrics   http.Handler
}

// Options configures the middleware chain
type Options struct {
	APIKey          string
	AllowedOrigins  []string
	SubmitRateLimit float64
	SubmitBurst     int
	Logger          *zap.Logger
}

type route struct {
	method  string
	path    string
	handler http.HandlerFunc
	// submissions go through the rate limiter
	submit bool
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, h Handlers, submit func(http.Handler) http.Handler) {
	table := []route{
		{http.MethodGet, "/", handlers.Root, false},
		{http.MethodGet, "/health", handlers.Health, false},
		{http.MethodGet, "/v1/test_call", handlers.TestCall, false},

		{http.MethodPost, "/v1/train", h.Jobs.Train, true},
		{http.MethodPost, "/v1/evaluate", h.Jobs.Evaluate, true},
		{http.MethodPost, "/v1/export", h.Jobs.Export, true},
		{http.MethodGet, "/v1/train/{job_id}/status", h.Jobs.GetJob, false},
		{http.MethodGet, "/v1/export/status/{job_id}", h.Jobs.GetJob, false},
		{http.MethodGet, "/v1/jobs", h.Jobs.ListJobs, false},
		{http.MethodGet, "/v1/jobs/{job_id}/events", h.Jobs.GetJobEvents, false},

		{http.MethodGet, "/v1/resources/models", h.Resources.Models, false},
		{http.MethodGet, "/v1/resources/datasets", h.Resources.Datasets, false},

		{http.MethodPost, "/chat", h.Chat.Stream, false},
		{http.MethodPost, "/chat/notstream", h.Chat.Complete, false},
	}

	for _, rt := range table {
		var handler http.Handler = rt.handler
		if rt.submit && submit != nil {
			handler = submit(handler)
		}
		r.Handle(rt.path, handler).Methods(rt.method)
	}

	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods(http.MethodGet)
	}

	r.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)
}

// NewRouter builds the router wrapped in the middleware chain. The chain
// sits outside mux so preflight and unmatched requests pass through it too.
func NewRouter(h Handlers, opts Options) http.Handler {
	r := mux.NewRouter()
	SetupRoutes(r, h, middleware.SubmitLimiter(opts.SubmitRateLimit, opts.SubmitBurst))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}

	var handler http.Handler = r
	handler = middleware.BearerAuth(opts.APIKey, "/health")(handler)
	handler = cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{handlers.SessionIDHeader, middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})(handler)
	handler = chimiddleware.Recoverer(handler)
	handler = middleware.Logger(logger, "http")(handler)
	handler = middleware.RequestID(handler)
	return handler
}
