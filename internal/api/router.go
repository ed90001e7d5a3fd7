package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/casafeed/server/internal/api/handlers"
	"github.com/casafeed/server/internal/api/middleware"
	"github.com/casafeed/server/internal/config"
	"github.com/casafeed/server/internal/jobs"
	"github.com/casafeed/server/internal/metrics"
)

// Service is everything the HTTP surface asks of the reconcile service.
type Service interface {
	handlers.RunService
	handlers.EventService
	handlers.Dispatcher
}

// Dependencies wires the router. Queue and RateLimiter are optional: without
// a queue webhooks reconcile inline; without a limiter nothing is throttled.
type Dependencies struct {
	Config      config.Config
	Logger      zerolog.Logger
	Service     Service
	Queue       jobs.Inserter
	Health      *handlers.HealthChecker
	RateLimiter *middleware.RateLimiter
	Version     string
	GitCommit   string
	BuildDate   string
}

func NewRouter(deps Dependencies) http.Handler {
	env := deps.Config.Environment

	runsHandler := handlers.NewRunsHandler(deps.Service, env)
	webhookHandler := handlers.NewWebhookHandler(deps.Service, deps.Queue, deps.Config.Apify.WebhookSecret, env)
	cronHandler := handlers.NewCronHandler(deps.Service, deps.Config.Cron.Secret, env)

	health := deps.Health
	if health == nil {
		health = handlers.NewHealthChecker(nil, nil, deps.Version, deps.GitCommit)
	}

	apiLimit := passThrough
	webhookLimit := passThrough
	if deps.RateLimiter != nil {
		apiLimit = deps.RateLimiter.Limit(middleware.TierAPI)
		webhookLimit = deps.RateLimiter.Limit(middleware.TierWebhook)
	}
	limited := func(h http.HandlerFunc) http.Handler {
		return apiLimit(middleware.APIRequestSize()(h))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", handlers.Healthz())
	mux.Handle("GET /readyz", health.Readyz())
	mux.Handle("GET /version", VersionHandler(deps.Version, deps.GitCommit, deps.BuildDate))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("GET /api/v1/openapi.json", OpenAPIHandler())

	mux.Handle("POST /api/v1/runs", limited(runsHandler.Start))
	mux.Handle("GET /api/v1/runs/{id}", limited(runsHandler.Get))
	mux.Handle("GET /api/v1/agencies/{id}/runs", limited(runsHandler.ListByAgency))

	mux.Handle("POST /webhooks/apify", webhookLimit(middleware.WebhookRequestSize()(http.HandlerFunc(webhookHandler.Apify))))
	mux.Handle("/cron/daily", methodMux(map[string]http.Handler{
		http.MethodPost: http.HandlerFunc(cronHandler.Daily),
	}))

	var handler http.Handler = middleware.RouteSpanName(mux)
	handler = metrics.HTTPMiddleware(handler)
	handler = middleware.RequestLogging(deps.Logger)(handler)
	handler = middleware.CorrelationID(deps.Logger)(handler)
	return middleware.Tracing(handler)
}

func passThrough(next http.Handler) http.Handler { return next }

// methodMux serves one path for several methods and answers 405 with an
// Allow header otherwise.
func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
