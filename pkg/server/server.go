// Package server exposes the health, metrics and run control endpoints of the runner.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/speedrun-hq/giwa-runner/pkg/chainclient"
	"github.com/speedrun-hq/giwa-runner/pkg/config"
	"github.com/speedrun-hq/giwa-runner/pkg/events"
	"github.com/speedrun-hq/giwa-runner/pkg/logger"
	"github.com/speedrun-hq/giwa-runner/pkg/pipeline"
	"github.com/speedrun-hq/giwa-runner/pkg/swap"
)

// DefaultRequestTimeout bounds every request except the event stream
const DefaultRequestTimeout = 60 * time.Second

// RouteDetector finds the AMM pool of a token pair
type RouteDetector interface {
	Detect(ctx context.Context, chain config.ChainKey, tokenA, tokenB common.Address) (*swap.RouteInfo, error)
}

// AttestationSource returns attestation documents as served upstream
type AttestationSource interface {
	Raw(ctx context.Context, messageHash common.Hash) (int, []byte, error)
}

// Config holds the listener settings
type Config struct {
	Port               string
	MetricsAPIKey      string
	AllowedOrigins     []string
	RateLimitPerMinute int
	RequestTimeout     time.Duration
}

// Deps are the components the endpoints read from. GasWatcher, Routes and
// Attestations are optional, their endpoints answer 503 when missing.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Clients      *chainclient.Factory
	GasWatcher   *chainclient.GasWatcher
	Routes       RouteDetector
	Attestations AttestationSource
	Logger       logger.Logger
}

// Server represents the control surface HTTP server
type Server struct {
	cfg          Config
	orchestrator *pipeline.Orchestrator
	clients      *chainclient.Factory
	gas          *chainclient.GasWatcher
	detector     RouteDetector
	attestations AttestationSource
	ws           *events.WSHandler
	logger       logger.Logger

	handler    http.Handler
	httpServer *http.Server
}

// NewServer creates a new control surface server
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if deps.Clients == nil {
		return nil, errors.New("client factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = &logger.EmptyLogger{}
	}
	if cfg.Port == "" {
		cfg.Port = config.DefaultHTTPPort
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	s := &Server{
		cfg:          cfg,
		orchestrator: deps.Orchestrator,
		clients:      deps.Clients,
		gas:          deps.GasWatcher,
		detector:     deps.Routes,
		attestations: deps.Attestations,
		ws:           events.NewWSHandler(deps.Orchestrator.Events(), cfg.AllowedOrigins, deps.Logger),
		logger:       deps.Logger,
	}
	s.handler = newCORSHandler(cfg.AllowedOrigins, s.router())
	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the root handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) router() http.Handler {
	mux := chi.NewMux()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(s.requestLogger)
	mux.Use(middleware.Recoverer)
	if s.cfg.RateLimitPerMinute > 0 {
		mux.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, time.Minute))
	}

	mux.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/status", s.handleStatus)
		r.Post("/circuit/reset", s.handleCircuitReset)

		// Expose Prometheus metrics with API key authentication
		r.With(s.metricsAuthMiddleware).Handle("/metrics", promhttp.Handler())
	})

	mux.Route("/api/v1", func(r chi.Router) {
		// the event stream outlives the request timeout
		r.Get("/runs/{id}/events", s.handleRunEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/intents/preview", s.handlePreview)
			r.Post("/runs", s.handleStartRun)
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Post("/runs/{id}/resume", s.handleResumeRun)
			r.Get("/routes", s.handleRoutes)
			r.Get("/attestations/{hash}", s.handleAttestation)
			r.Get("/balances/{address}", s.handleBalances)
		})
	})
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting control server on port %s", s.cfg.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for the active ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down control server...")
	return s.httpServer.Shutdown(ctx)
}

// metricsAuthMiddleware is a middleware that checks for a valid API key
func (s *Server) metricsAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key is configured
		if s.cfg.MetricsAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		if parts[1] != s.cfg.MetricsAPIKey {
			http.Error(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs every request at debug level
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("%s %s -> %d (%d bytes, %s) [%s]",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

func newCORSHandler(allowedOrigins []string, next http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	// credentials are not allowed with a wildcard origin
	allowCredentials := !(len(allowedOrigins) == 1 && allowedOrigins[0] == "*")

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-Request-Id",
		},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: allowCredentials,
		MaxAge:           int(2 * time.Hour / time.Second),
	}).Handler(next)
}
