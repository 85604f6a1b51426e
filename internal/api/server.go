package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"omb-test-runner/internal/config"
	"omb-test-runner/internal/environ"
	"omb-test-runner/internal/monitor"
	"omb-test-runner/internal/storage"
)

// Server is the main HTTP server for the test runner API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	engine     environ.Engine
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, handlers *Handlers, engine environ.Engine, db *storage.DB, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		engine:    engine,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	// Session API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /test/start", handlers.HandleStartTest)
	apiMux.HandleFunc("GET /test/status/{session_id}", handlers.HandleTestStatus)
	apiMux.HandleFunc("GET /test/results/{session_id}", handlers.HandleTestResults)
	apiMux.HandleFunc("POST /test/stop/{session_id}", handlers.HandleStopTest)
	apiMux.HandleFunc("POST /uat/start", handlers.HandleStartUAT)
	apiMux.HandleFunc("GET /uat/sessions", handlers.HandleListUAT)
	apiMux.HandleFunc("GET /uat/session/{session_id}", handlers.HandleUATSession)
	apiMux.HandleFunc("POST /uat/extend/{session_id}", handlers.HandleExtendUAT)
	apiMux.HandleFunc("POST /uat/stop/{session_id}", handlers.HandleStopUAT)
	apiMux.HandleFunc("POST /pricing/calculate", handlers.HandleCalculatePrice)
	apiMux.HandleFunc("GET /sessions", handlers.HandleSessionHistory)
	apiMux.HandleFunc("GET /sessions/{session_id}", handlers.HandleSessionHistoryGet)

	authedAPI := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth(db))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dockerOK := true
		if s.engine != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			dockerOK = s.engine.Ping(ctx) == nil
			cancel()
		}
		dbOK := db == nil || db.Healthy(r.Context())

		resp := HealthResponse{
			Status:          "ok",
			DockerAvailable: dockerOK,
			Database:        dbOK,
			ActiveSessions:  s.handlers.registry.ActiveCount(),
			Uptime:          time.Since(s.startTime).Round(time.Second).String(),
		}

		if !dockerOK || !dbOK {
			resp.Status = "degraded"
		}

		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, resp)
	}
}
