package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quellhq/noticequell/internal/allowlist"
	"github.com/quellhq/noticequell/internal/auth"
	"github.com/quellhq/noticequell/internal/config"
	"github.com/quellhq/noticequell/internal/database"
	"github.com/quellhq/noticequell/internal/logging"
	"github.com/quellhq/noticequell/internal/notices"
	"github.com/quellhq/noticequell/internal/server"
	"github.com/quellhq/noticequell/internal/suppression"
	"github.com/quellhq/noticequell/internal/visibility"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "noticequell-api",
		Short: "Notice suppression backend service",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("auth.session_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("admin-secret", "", "Shared operator secret (overrides env)")
	cmd.PersistentFlags().Bool("suppression-enabled", defaults.GetBool("suppression.enabled"), "Host-wide suppression switch")
	cmd.PersistentFlags().Bool("user-default", defaults.GetBool("suppression.user_default"), "Default per-user participation in suppression")
	cmd.PersistentFlags().Int("log-capacity", defaults.GetInt("notice_log.capacity"), "Maximum notice log entries before eviction")
	cmd.PersistentFlags().Float64("rate-limit", defaults.GetFloat64("http.rate_limit"), "Capture endpoint requests per second")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.session_ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.admin_secret", "admin-secret")
	bindFlag(cmd, "suppression.enabled", "suppression-enabled")
	bindFlag(cmd, "suppression.user_default", "user-default")
	bindFlag(cmd, "notice_log.capacity", "log-capacity")
	bindFlag(cmd, "http.rate_limit", "rate-limit")
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
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
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

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Issuer + "-api",
		SessionTTL:    appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	logStore, err := notices.NewLogStore(notices.LogStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ruleStore, err := allowlist.NewStore(allowlist.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: allowlist.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	visibilityStore, err := visibility.NewStore(visibility.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	engine, err := suppression.NewEngine(suppression.EngineConfig{
		Log:        logStore,
		Rules:      ruleStore,
		Visibility: visibilityStore,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:   sessions,
		Engine:     engine,
		Log:        logStore,
		Rules:      ruleStore,
		Visibility: visibilityStore,
		Feed:       server.NewDecisionFeed(),
		Settings: suppression.Settings{
			Enabled:     appConfig.SuppressionEnabled,
			UserDefault: appConfig.UserDefaultEnabled,
			LogCapacity: appConfig.NoticeLogCapacity,
		},
		AdminSecret: appConfig.AdminSecret,
		RateLimit:   rate.Limit(appConfig.RateLimit),
		RateBurst:   appConfig.RateBurst,
		Logger:      logger,
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
