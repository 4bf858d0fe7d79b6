package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/boardwire/internal/api/v1"
	"github.com/gosuda/boardwire/internal/api/ws"
	"github.com/gosuda/boardwire/internal/config"
	"github.com/gosuda/boardwire/internal/metrics"
	"github.com/gosuda/boardwire/internal/realtime"
	"github.com/gosuda/boardwire/internal/server/middleware"
)

// EventPipeline is what the HTTP layer needs from the board event pipeline.
// *pipeline.EventPipeline satisfies this interface.
type EventPipeline interface {
	ws.Publisher
	v1.ReadinessChecker
}

// Deps are the runtime components the server routes to.
type Deps struct {
	Registry *realtime.Registry
	Pipeline EventPipeline
	// Metrics is nil when the /metrics endpoint is disabled.
	Metrics *prometheus.Registry
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	hub        *ws.Hub
	// cancelStreams ends long-lived SSE requests when Shutdown begins.
	cancelStreams context.CancelFunc
}

// New creates a Server with all routes wired. ctx bounds background work
// owned by middleware such as the rate limiter sweeper.
func New(ctx context.Context, cfg *config.Config, deps Deps) *Server {
	router := chi.NewRouter()

	var httpMetrics *metrics.HTTPMetrics
	if deps.Metrics != nil {
		httpMetrics = metrics.NewHTTPMetrics(deps.Metrics)
	}

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	if httpMetrics != nil {
		router.Use(middleware.Instrument(httpMetrics))
	}
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	if cfg.Server.SecurityHeaders {
		router.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeaders(cfg.Server.ContentSecurityPolicy)))
	}
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	hub := ws.NewHub(deps.Registry, deps.Pipeline, ws.Config{
		Token:          cfg.Realtime.Token,
		MaxConnections: cfg.Realtime.MaxConnections,
		Heartbeat:      cfg.Realtime.SSEHeartbeat,
		OriginPatterns: originPatterns(cfg.Server.CORSOrigins),
	})

	streamsCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	s := &Server{
		router:        router,
		hub:           hub,
		cancelStreams: cancelStreams,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			BaseContext:  func(net.Listener) context.Context { return streamsCtx },
		},
	}
	s.httpServer.RegisterOnShutdown(cancelStreams)

	// Probes live at the root, unauthenticated.
	router.Group(func(r chi.Router) {
		healthConfig := huma.DefaultConfig("Boardwire", "1.0.0")
		healthConfig.OpenAPIPath = ""
		healthConfig.DocsPath = ""
		healthConfig.SchemasPath = ""
		registerHealthRoutes(humachi.New(r, healthConfig), deps.Pipeline)
	})

	// Token-protected inspection API.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RealtimeToken(cfg.Realtime.Token))

		apiConfig := huma.DefaultConfig("Boardwire API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		registerAPIRoutes(humachi.New(r, apiConfig), deps.Registry)
	})

	var onReject func(*http.Request)
	if httpMetrics != nil {
		onReject = middleware.CountRateLimitRejection(httpMetrics)
	}
	registerRealtimeRoutes(ctx, router, hub, cfg.Realtime, onReject)

	if deps.Metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Metrics))
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the connection registry behind the realtime routes.
func (s *Server) Registry() *realtime.Registry {
	return s.hub.Registry()
}

// Start begins listening for HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server.Start: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts HTTP requests on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server. Open activity streams are
// ended first so they do not hold Shutdown until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancelStreams()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

// originPatterns converts CORS origins into the host patterns the WebSocket
// handshake checks. A "*" origin allows any host.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			log.Warn().Str("origin", o).Msg("ignoring malformed CORS origin for websocket checks")
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
