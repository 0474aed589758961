package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/ticktalk/ticktalk/internal/api"
	"github.com/ticktalk/ticktalk/internal/app"
	iauth "github.com/ticktalk/ticktalk/internal/auth"
	"github.com/ticktalk/ticktalk/internal/cache"
	"github.com/ticktalk/ticktalk/internal/handlers"
	"github.com/ticktalk/ticktalk/internal/realtime"
	"github.com/ticktalk/ticktalk/internal/services"
	"github.com/ticktalk/ticktalk/internal/store"
	"github.com/ticktalk/ticktalk/pkg/response"
)

// Env encapsulates a fully-wired API instance backed by in-memory storage for handler tests.
type Env struct {
	T         *testing.T
	Config    *app.Config
	Router    *gin.Engine
	JWT       *iauth.JWTService
	Store     *store.MemoryStore
	Leases    *cache.MemoryStore
	Lifecycle *services.SessionLifecycleService
	Turns     *services.TurnCoordinator
	Presence  *services.PresenceService
	Hub       *realtime.Hub
	Feed      *realtime.SessionFeed
}

// EnvOption customises the wiring of a test environment.
type EnvOption func(*envConfig)

type envConfig struct {
	cfg          *app.Config
	healthChecks map[string]handlers.HealthCheck
}

// WithConfig lets a test adjust configuration before the router is built.
func WithConfig(mutate func(cfg *app.Config)) EnvOption {
	return func(ec *envConfig) {
		if mutate != nil {
			mutate(ec.cfg)
		}
	}
}

// WithHealthCheck registers a named dependency probe.
func WithHealthCheck(name string, check handlers.HealthCheck) EnvOption {
	return func(ec *envConfig) {
		ec.healthChecks[name] = check
	}
}

// NewEnv provisions a fresh handler test environment.
func NewEnv(t *testing.T, opts ...EnvOption) *Env {
	t.Helper()

	gin.SetMode(gin.TestMode)

	jwtSecret := "test-suite-super-secret-key-32-bytes!!"
	ec := &envConfig{
		cfg: &app.Config{
			Session: app.SessionConfig{
				DefaultSlotSeconds:     60,
				MinSlotSeconds:         1,
				MaxSlotSeconds:         3600,
				MinParticipantsToStart: 2,
				SpeakerOverwrite:       "overwrite",
			},
			Presence: app.PresenceConfig{LeaseTTL: 30 * time.Second},
			Auth: app.AuthConfig{
				JWT: app.JWTSettings{
					Secret: jwtSecret,
					Issuer: "test-suite",
					TTL:    time.Hour,
				},
			},
		},
		healthChecks: map[string]handlers.HealthCheck{},
	}
	for _, opt := range opts {
		opt(ec)
	}
	cfg := ec.cfg

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	require.NoError(t, err)

	st := store.NewMemoryStore(store.WithRetryBackoff(0))
	leases := cache.NewMemoryStore(nil)
	policy := cfg.Session.Policy()
	overwrite, err := cfg.Session.OverwritePolicy()
	require.NoError(t, err)

	lifecycle, err := services.NewSessionLifecycleService(st,
		services.WithSessionRules(cfg.Session.Rules()),
		services.WithLifecyclePolicy(policy),
	)
	require.NoError(t, err)
	turns, err := services.NewTurnCoordinator(st,
		services.WithOverwritePolicy(overwrite),
		services.WithTurnPolicy(policy),
	)
	require.NoError(t, err)
	presence, err := services.NewPresenceService(st, leases,
		services.WithLeaseTTL(cfg.Presence.LeaseTTL),
		services.WithOnlineSuccessorPreference(cfg.Presence.PreferOnlineSuccessor),
		services.WithPresencePolicy(policy),
	)
	require.NoError(t, err)

	hub := realtime.NewHub()
	feed := realtime.NewSessionFeed(hub, st, presence)

	router, err := api.NewRouter(api.Dependencies{
		Config:       cfg,
		JWT:          jwtSvc,
		Lifecycle:    lifecycle,
		Turns:        turns,
		Presence:     presence,
		Policy:       policy,
		Hub:          hub,
		Feed:         feed,
		RateStore:    leases,
		HealthChecks: ec.healthChecks,
	})
	require.NoError(t, err)

	return &Env{
		T:         t,
		Config:    cfg,
		Router:    router,
		JWT:       jwtSvc,
		Store:     st,
		Leases:    leases,
		Lifecycle: lifecycle,
		Turns:     turns,
		Presence:  presence,
		Hub:       hub,
		Feed:      feed,
	}
}

// Identity mirrors the payload of POST /api/identity.
type Identity struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ExpiresIn   int       `json:"expires_in"`
}

// NewIdentity requests an anonymous identity from the API.
func (e *Env) NewIdentity(displayName string) Identity {
	e.T.Helper()

	w := e.Request(http.MethodPost, "/api/identity", map[string]string{"display_name": displayName}, "")
	require.Equal(e.T, http.StatusCreated, w.Code, w.Body.String())

	resp := DecodeResponse(e.T, w)
	require.True(e.T, resp.Success, w.Body.String())

	var identity Identity
	DecodeInto(e.T, resp.Data, &identity)
	require.NotEmpty(e.T, identity.UserID)
	require.NotEmpty(e.T, identity.AccessToken)
	return identity
}

// APIResponse represents the canonical API envelope returned by handlers.
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

// DecodeResponse parses the standard API response object from a recorder.
func DecodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

// DecodeInto unmarshals the data payload into the provided destination.
func DecodeInto[T any](t *testing.T, raw json.RawMessage, dest *T) {
	t.Helper()
	if dest == nil {
		t.Fatal("destination must not be nil")
	}
	require.NoError(t, json.Unmarshal(raw, dest))
}

// Request executes an HTTP request against the test router, applying JSON encoding and auth headers automatically.
func (e *Env) Request(method, path string, body any, token string) *httptest.ResponseRecorder {
	e.T.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(e.T, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.Router.ServeHTTP(w, req)
	return w
}
