package app

import (
	"strings"

	iauth "github.com/ticktalk/ticktalk/internal/auth"
	"github.com/ticktalk/ticktalk/internal/database"
	"github.com/ticktalk/ticktalk/internal/services"
	"github.com/ticktalk/ticktalk/internal/store"
)

// JWTServiceConfig converts auth settings into the JWT service configuration.
func (a AuthConfig) JWTServiceConfig() iauth.JWTConfig {
	return iauth.JWTConfig{
		Secret:         a.JWT.Secret,
		Issuer:         a.JWT.Issuer,
		AccessTokenTTL: a.JWT.TTL,
	}
}

// Rules converts the session settings into lifecycle rules.
func (s SessionConfig) Rules() services.SessionRules {
	return services.SessionRules{
		DefaultSlotSeconds: s.DefaultSlotSeconds,
		MinSlotSeconds:     s.MinSlotSeconds,
		MaxSlotSeconds:     s.MaxSlotSeconds,
	}
}

// Policy builds the caller rules from the session settings.
func (s SessionConfig) Policy() services.Policy {
	return services.NewPolicy(s.MinParticipantsToStart)
}

// OverwritePolicy parses the configured speaker overwrite behaviour.
func (s SessionConfig) OverwritePolicy() (services.OverwritePolicy, error) {
	return services.ParseOverwritePolicy(s.SpeakerOverwrite)
}

// Options converts the retry settings into store options.
func (s StoreConfig) Options() []store.Option {
	return []store.Option{
		store.WithMaxRetries(s.MaxRetries),
		store.WithRetryBackoff(s.RetryBackoff),
	}
}

// UsesDatabase reports whether session documents are persisted in SQL.
func (s StoreConfig) UsesDatabase() bool {
	return !strings.EqualFold(strings.TrimSpace(s.Driver), "memory")
}

// ConnectionConfig converts the database section into the database package representation.
func (d DatabaseConfig) ConnectionConfig() database.Config {
	cfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(d.Driver)),
		Path:   strings.TrimSpace(d.Path),
		DSN:    strings.TrimSpace(d.DSN),
	}

	var auth DBAuthConfig
	switch cfg.Driver {
	case "", "sqlite":
		cfg.Driver = "sqlite"
		return cfg
	case "postgres", "postgresql":
		cfg.Driver = "postgres"
		auth = d.Postgres
	case "mysql":
		auth = d.MySQL
	default:
		// Leave driver as-is to surface unsupported driver error during open.
		return cfg
	}

	cfg.Host = strings.TrimSpace(auth.Host)
	cfg.Port = auth.Port
	cfg.Name = strings.TrimSpace(auth.Database)
	cfg.User = strings.TrimSpace(auth.Username)
	cfg.Password = auth.Password
	return cfg
}
