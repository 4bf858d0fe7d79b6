package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/boardwire/internal/api/v1"
	"github.com/gosuda/boardwire/internal/api/ws"
	"github.com/gosuda/boardwire/internal/config"
	"github.com/gosuda/boardwire/internal/server/middleware"
)

func registerHealthRoutes(api huma.API, pipeline v1.ReadinessChecker) {
	v1.RegisterHealthRoutes(api, pipeline)
}

func registerAPIRoutes(api huma.API, stats v1.ConnectionStats) {
	v1.RegisterConnectionRoutes(api, stats)
}

// registerRealtimeRoutes mounts the board socket and the activity stream.
// The socket checks its own token after the handshake; the stream is
// rate limited per IP before the token check when a rate is configured.
func registerRealtimeRoutes(ctx context.Context, r chi.Router, hub *ws.Hub, cfg config.RealtimeConfig, onReject func(*http.Request)) {
	r.Get("/ws/boards/{boardID}", hub.ServeBoard)

	r.Group(func(r chi.Router) {
		if cfg.StreamRate > 0 {
			limiter := middleware.NewClientLimiter(ctx, middleware.StreamLimitConfig{
				Rate:     cfg.StreamRate,
				Burst:    cfg.StreamBurst,
				OnReject: onReject,
			})
			r.Use(limiter.Middleware)
		}
		r.Use(middleware.RealtimeToken(cfg.Token))
		r.Get("/sse/activity", hub.ServeActivity)
	})
}
