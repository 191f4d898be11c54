package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PUFFTRACK"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "pufftrack.db"
	defaultLogLevel      = "info"
	defaultTokenTTL      = 24 * time.Hour
	defaultGuardWindow   = time.Minute
	defaultGuardMax      = 60
	defaultAuthRatePerS  = 5
	defaultAuthRateBurst = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	DatabasePath   string
	LogLevel       string
	TokenTTL       time.Duration
	GoogleClientID string
	GoogleJWKSURL  string
	GuardWindow    time.Duration
	GuardMax       int
	AuthRatePerSec float64
	AuthRateBurst  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", int(defaultTokenTTL.Minutes()))
	configViper.SetDefault("guard.window_ms", int(defaultGuardWindow.Milliseconds()))
	configViper.SetDefault("guard.max_intents", defaultGuardMax)
	configViper.SetDefault("authlimit.per_second", defaultAuthRatePerS)
	configViper.SetDefault("authlimit.burst", defaultAuthRateBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		TokenTTL:       time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		GoogleClientID: configViper.GetString("google.client_id"),
		GoogleJWKSURL:  configViper.GetString("google.jwks_url"),
		GuardWindow:    time.Duration(configViper.GetInt("guard.window_ms")) * time.Millisecond,
		GuardMax:       configViper.GetInt("guard.max_intents"),
		AuthRatePerSec: configViper.GetFloat64("authlimit.per_second"),
		AuthRateBurst:  configViper.GetInt("authlimit.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.GuardWindow <= 0 {
		return fmt.Errorf("guard.window_ms must be positive")
	}
	if c.GuardMax <= 0 {
		return fmt.Errorf("guard.max_intents must be positive")
	}
	return nil
}
