// Package server exposes the monitor control surface, feed overrides, the
// live feed, metrics and health over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/dlq"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/health"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/monitor"
	"github.com/therealutkarshpriyadarshi/gamewatch/internal/output"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// Monitors is the monitor lifecycle surface served over HTTP
type Monitors interface {
	Start(ctx context.Context, tenantID, serviceID string, opts monitor.StartOptions) (monitor.StartResult, error)
	Stop(tenantID, serviceID string) monitor.StopResult
	ForceCheck(ctx context.Context, tenantID, serviceID string) error
	LastTick(tenantID, serviceID string) (monitor.TickReport, bool)
	MonitoringStatus(tenantID string) []monitor.Status
	ServiceStatus(tenantID, serviceID string) monitor.Status
}

// Overrides stores tenant feed overrides
type Overrides interface {
	GetOverride(ctx context.Context, tenantID string, eventType types.EventType) (*types.FeedOverride, error)
	PutOverride(tenantID string, eventType types.EventType, o types.FeedOverride) error
	DeleteOverride(tenantID string, eventType types.EventType) (bool, error)
	ListOverrides(tenantID string) (map[types.EventType]types.FeedOverride, error)
}

// LiveFeed upgrades a request to a live event stream
type LiveFeed interface {
	ServeWS(w http.ResponseWriter, r *http.Request, tenantID string, admin bool)
}

// DeadLetters is the dead-letter queue surface
type DeadLetters interface {
	GetAll() ([]*dlq.DLQEntry, error)
	Replay(ctx context.Context, send func(ctx context.Context, entry *dlq.DLQEntry) error) (dlq.ReplayResult, error)
}

// Config holds server configuration
type Config struct {
	Address     string
	AuthToken   string
	CORSOrigins []string
	MetricsPath string

	Monitors        Monitors
	Overrides       Overrides
	Feeds           *output.FeedTable
	Live            LiveFeed
	DeadLetters     DeadLetters
	Redeliver       func(ctx context.Context, entry *dlq.DLQEntry) error
	MetricsRegistry *prometheus.Registry
	HealthChecker   *health.Checker
	Logger          *logging.Logger
}

// Server provides the HTTP API
type Server struct {
	cfg        Config
	router     chi.Router
	httpServer *http.Server
	logger     *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithComponent("server"),
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	if hc := s.cfg.HealthChecker; hc != nil {
		r.Get("/health", hc.HTTPHandler())
		r.Get("/health/live", hc.LivenessHandler())
		r.Get("/health/ready", hc.ReadinessHandler())
	}
	if s.cfg.MetricsRegistry != nil {
		r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.cfg.MetricsRegistry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	}

	// browsers cannot set headers on websocket requests
	if s.cfg.Live != nil {
		r.With(s.authenticate(true)).Get("/tenants/{tenant}/live", s.handleLive)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate(false))

		if s.cfg.Monitors != nil {
			r.Route("/tenants/{tenant}/monitors", func(r chi.Router) {
				r.Get("/", s.handleListMonitors)
				r.Route("/{service}", func(r chi.Router) {
					r.Get("/", s.handleGetMonitor)
					r.Post("/", s.handleStartMonitor)
					r.Delete("/", s.handleStopMonitor)
					r.Post("/check", s.handleCheckMonitor)
				})
			})
		}

		if s.cfg.Overrides != nil {
			r.Route("/tenants/{tenant}/feeds", func(r chi.Router) {
				r.Get("/", s.handleListFeeds)
				r.Get("/{eventType}", s.handleGetOverride)
				r.Put("/{eventType}", s.handlePutOverride)
				r.Delete("/{eventType}", s.handleDeleteOverride)
			})
		}

		if s.cfg.DeadLetters != nil {
			r.Get("/dlq", s.handleListDeadLetters)
			if s.cfg.Redeliver != nil {
				r.Post("/dlq/replay", s.handleReplay)
			}
		}
	})
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Name identifies the server during shutdown
func (s *Server) Name() string {
	return "http-server"
}

// Start starts serving in the background and reports immediate listen errors
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.httpServer.Addr).Msg("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down HTTP server")
		return err
	}
	return nil
}

// authenticate requires the bearer token when one is configured. allowQuery
// also accepts it as the token query parameter.
func (s *Server) authenticate(allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.AuthToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			} else if allowQuery {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization")
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		event := s.logger.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
