package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pufftrack/backend/internal/auth"
	"github.com/pufftrack/backend/internal/config"
	"github.com/pufftrack/backend/internal/database"
	"github.com/pufftrack/backend/internal/logging"
	"github.com/pufftrack/backend/internal/realtime"
	"github.com/pufftrack/backend/internal/server"
	"github.com/pufftrack/backend/internal/store"
	"golang.org/x/time/rate"
)

const (
	retentionHorizon = 30 * 24 * time.Hour
	retentionPeriod  = time.Hour
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pufftrack-api",
		Short: "PuffTrack backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Int("guard-window-ms", defaults.GetInt("guard.window_ms"), "Intent guard window in milliseconds")
	cmd.PersistentFlags().Int("guard-max-intents", defaults.GetInt("guard.max_intents"), "Max intents per guard window")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "guard.window_ms", "guard-window-ms")
	bindFlag(cmd, "guard.max_intents", "guard-max-intents")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return err
		}
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dataStore, err := store.New(store.Config{
		Database:   db,
		IDProvider: store.NewIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "pufftrack-auth",
		Audience:      "pufftrack-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	var googleVerifier server.GoogleVerifier
	if appConfig.GoogleClientID != "" {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			Audience: appConfig.GoogleClientID,
			JWKSURL:  appConfig.GoogleJWKSURL,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		googleVerifier = verifier
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Store:    dataStore,
		Registry: realtime.NewRegistry(),
		Guard:    realtime.NewGuard(appConfig.GuardWindow, appConfig.GuardMax, time.Now),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		PasswordHasher: auth.NewPasswordHasher(),
		Store:          dataStore,
		Hub:            hub,
		Logger:         logger,
		AuthRate:       rate.Limit(appConfig.AuthRatePerSec),
		AuthBurst:      appConfig.AuthRateBurst,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runRetentionSweep(signalCtx, dataStore, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runRetentionSweep periodically drops puffs past the retention horizon.
func runRetentionSweep(ctx context.Context, dataStore *store.Store, logger *zap.Logger) {
	ticker := time.NewTicker(retentionPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retentionHorizon)
			removed, err := dataStore.DeletePuffsOlderThan(ctx, cutoff)
			if err != nil {
				logger.Warn("retention sweep failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("retention sweep removed puffs", zap.Int64("count", removed))
			}
		}
	}
}
