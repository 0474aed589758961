package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ticktalk/ticktalk/internal/api"
	"github.com/ticktalk/ticktalk/internal/app"
	"github.com/ticktalk/ticktalk/internal/app/maintenance"
	iauth "github.com/ticktalk/ticktalk/internal/auth"
	"github.com/ticktalk/ticktalk/internal/cache"
	"github.com/ticktalk/ticktalk/internal/database"
	"github.com/ticktalk/ticktalk/internal/handlers"
	"github.com/ticktalk/ticktalk/internal/realtime"
	"github.com/ticktalk/ticktalk/internal/services"
	"github.com/ticktalk/ticktalk/internal/store"
	"github.com/ticktalk/ticktalk/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Redis     *cache.RedisClient
	Cache     cache.Store
	Store     store.Store
	Lifecycle *services.SessionLifecycleService
	Turns     *services.TurnCoordinator
	Presence  *services.PresenceService
	Hub       *realtime.Hub
	Feed      *realtime.SessionFeed
	Sweeper   *maintenance.Sweeper
	Router    *gin.Engine
}

// bootstrapRuntime initialises storage, caches, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	healthChecks := map[string]handlers.HealthCheck{}

	if cfg.Store.UsesDatabase() {
		stack.DB, err = initialiseDatabase(cfg)
		if err != nil {
			return nil, err
		}
		healthChecks["database"] = func(context.Context) error { return database.Ping(stack.DB) }

		stack.Store, err = store.NewDatabaseStore(stack.DB, cfg.Store.Options()...)
		if err != nil {
			return nil, fmt.Errorf("initialise session store: %w", err)
		}
	} else {
		stack.Store = store.NewMemoryStore(cfg.Store.Options()...)
		log.Info("session documents kept in memory")
	}

	if cfg.Cache.Redis.Enabled {
		client, redisErr := cache.NewRedisClient(cfg.Cache.RedisClientConfig())
		if redisErr == nil {
			redisErr = client.Ping(ctx)
			if redisErr != nil {
				_ = client.Close()
			}
		}
		if redisErr != nil {
			log.Warn("redis unavailable; falling back to local cache", zap.Error(redisErr))
		} else {
			stack.Redis = client
			healthChecks["redis"] = client.Ping
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	var purger maintenance.ExpiredPurger
	switch {
	case stack.Redis != nil:
		stack.Cache = stack.Redis
	case stack.DB != nil:
		dbCache := cache.NewDatabaseStore(stack.DB, nil)
		stack.Cache = dbCache
		purger = dbCache
	default:
		stack.Cache = cache.NewMemoryStore(nil)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	overwrite, err := cfg.Session.OverwritePolicy()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	policy := cfg.Session.Policy()

	stack.Lifecycle, err = services.NewSessionLifecycleService(stack.Store,
		services.WithSessionRules(cfg.Session.Rules()),
		services.WithLifecyclePolicy(policy),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise lifecycle service: %w", err)
	}

	stack.Turns, err = services.NewTurnCoordinator(stack.Store,
		services.WithOverwritePolicy(overwrite),
		services.WithTurnPolicy(policy),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise turn coordinator: %w", err)
	}

	stack.Presence, err = services.NewPresenceService(stack.Store, stack.Cache,
		services.WithLeaseTTL(cfg.Presence.LeaseTTL),
		services.WithOnlineSuccessorPreference(cfg.Presence.PreferOnlineSuccessor),
		services.WithPresencePolicy(policy),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise presence service: %w", err)
	}

	stack.Hub = realtime.NewHub()
	stack.Feed = realtime.NewSessionFeed(stack.Hub, stack.Store, stack.Presence)

	var sweeping maintenance.PresenceSweeper
	if cfg.Presence.SweepEnabled {
		sweeping = stack.Presence
	}
	stack.Sweeper = maintenance.NewSweeper(sweeping, purger, maintenance.WithPresenceSchedule(cfg.Presence.SweepSchedule))
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:       cfg,
		JWT:          jwtSvc,
		Lifecycle:    stack.Lifecycle,
		Turns:        stack.Turns,
		Presence:     stack.Presence,
		Policy:       policy,
		Hub:          stack.Hub,
		Feed:         stack.Feed,
		RateStore:    stack.Cache,
		HealthChecks: healthChecks,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Sweeper != nil {
		select {
		case <-s.Sweeper.Stop().Done():
		case <-ctx.Done():
			log.Warn("maintenance jobs still running at shutdown")
		}
	}

	var errs error
	if s.Redis != nil {
		errs = multierr.Append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = multierr.Append(errs, database.Close(s.DB))
	}
	for _, err := range multierr.Errors(errs) {
		log.Warn("runtime shutdown", zap.Error(err))
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.ConnectionConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}
