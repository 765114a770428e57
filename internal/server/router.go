package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"devicegate/internal/server/interceptors"
)

// Mounter registers API routes on a router.
type Mounter interface {
	Mount(r chi.Router)
}

// Deps holds what the HTTP router needs. Tokens and Users are required; the rest are optional.
type Deps struct {
	API          Mounter
	Tokens       interceptors.TokenValidator
	Users        interceptors.UserEnsurer
	DeviceCookie interceptors.DeviceCookie
	// Health serves /healthz. If nil, /healthz always returns 200.
	Health http.Handler
	// Gatherer backs /metrics. If nil, /metrics is not mounted.
	Gatherer prometheus.Gatherer
	Metrics  *Metrics
	// CORSOrigins enables CORS with credentials for the listed origins.
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter builds the chi router: ambient middleware at the root, device and client info on
// every API request, and Bearer authentication on /v1.
func NewRouter(deps Deps) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.Middleware)
	}
	if len(deps.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Health == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		deps.Health.ServeHTTP(w, req)
	})
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(middleware.Timeout(30 * time.Second))
		v1.Use(interceptors.ClientInfo)
		v1.Use(deps.DeviceCookie.Middleware)
		v1.Use(interceptors.Authenticate(deps.Tokens, deps.Users, logger))
		if deps.API != nil {
			deps.API.Mount(v1)
		}
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"endpoint not found"}`))
	})
	return r
}
