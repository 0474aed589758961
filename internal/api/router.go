package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ticktalk/ticktalk/internal/app"
	iauth "github.com/ticktalk/ticktalk/internal/auth"
	"github.com/ticktalk/ticktalk/internal/cache"
	"github.com/ticktalk/ticktalk/internal/handlers"
	"github.com/ticktalk/ticktalk/internal/middleware"
	"github.com/ticktalk/ticktalk/internal/realtime"
	"github.com/ticktalk/ticktalk/internal/services"
)

// Dependencies bundles the services the router hands to its handlers.
type Dependencies struct {
	Config    *app.Config
	JWT       *iauth.JWTService
	Lifecycle *services.SessionLifecycleService
	Turns     *services.TurnCoordinator
	Presence  *services.PresenceService
	Policy    services.Policy
	Hub       *realtime.Hub
	Feed      *realtime.SessionFeed
	// RateStore holds rate limit counters. Nil disables rate limiting.
	RateStore    cache.Store
	HealthChecks map[string]handlers.HealthCheck
	// HandlerOptions are passed to the session handler (tests inject clocks here).
	HandlerOptions []handlers.SessionHandlerOption
}

func (d Dependencies) validate() error {
	switch {
	case d.Config == nil:
		return errors.New("config must be provided")
	case d.JWT == nil:
		return errors.New("jwt service must be provided")
	case d.Lifecycle == nil || d.Turns == nil || d.Presence == nil:
		return errors.New("session services must be provided")
	case d.Hub == nil || d.Feed == nil:
		return errors.New("realtime hub and feed must be provided")
	}
	return nil
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg := deps.Config

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	registerHealthRoutes(r, deps.HealthChecks)

	limiter := middleware.RateLimit(deps.RateStore, cfg.RateLimit.Requests, cfg.RateLimit.Window)

	identityHandler, err := handlers.NewIdentityHandler(deps.JWT)
	if err != nil {
		return nil, err
	}
	registerIdentityRoutes(r.Group("/api", limiter), identityHandler)

	sessionHandler, err := handlers.NewSessionHandler(deps.Lifecycle, deps.Turns, deps.Presence, deps.Policy, deps.HandlerOptions...)
	if err != nil {
		return nil, err
	}
	streamHandler, err := handlers.NewStreamHandler(deps.Hub, deps.Feed, deps.Lifecycle)
	if err != nil {
		return nil, err
	}

	protected := r.Group("/api", middleware.Auth(deps.JWT))
	registerStreamRoutes(protected, streamHandler)
	registerSessionRoutes(protected.Group("", limiter), sessionHandler)

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
