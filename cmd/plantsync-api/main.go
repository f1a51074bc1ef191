package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/floraverse/plantsync/internal/auth"
	"github.com/floraverse/plantsync/internal/config"
	"github.com/floraverse/plantsync/internal/content"
	"github.com/floraverse/plantsync/internal/database"
	"github.com/floraverse/plantsync/internal/docstore"
	"github.com/floraverse/plantsync/internal/identity"
	"github.com/floraverse/plantsync/internal/logging"
	"github.com/floraverse/plantsync/internal/outbox"
	"github.com/floraverse/plantsync/internal/plants"
	"github.com/floraverse/plantsync/internal/profile"
	"github.com/floraverse/plantsync/internal/projector"
	"github.com/floraverse/plantsync/internal/reconcile"
	"github.com/floraverse/plantsync/internal/server"
	"github.com/floraverse/plantsync/internal/syncqueue"
	"github.com/floraverse/plantsync/internal/syncworker"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "plantsync-api",
		Short: "FloraVerse cross-database synchronization service",
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
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Relational driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres DSN")
	cmd.PersistentFlags().String("docstore-driver", defaults.GetString("docstore.driver"), "Document cache driver (memory, surreal)")
	cmd.PersistentFlags().String("docstore-url", defaults.GetString("docstore.url"), "SurrealDB websocket URL")
	cmd.PersistentFlags().String("idp-audience", defaults.GetString("idp.audience"), "Identity provider audience")
	cmd.PersistentFlags().String("idp-jwks-url", defaults.GetString("idp.jwks_url"), "Identity provider JWKS URL")
	cmd.PersistentFlags().String("idp-issuer", defaults.GetString("idp.issuer"), "Identity provider issuer")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("worker-count", defaults.GetInt("sync.worker_count"), "Sync worker goroutines")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "docstore.driver", "docstore-driver")
	bindFlag(cmd, "docstore.url", "docstore-url")
	bindFlag(cmd, "idp.audience", "idp-audience")
	bindFlag(cmd, "idp.jwks_url", "idp-jwks-url")
	bindFlag(cmd, "idp.issuer", "idp-issuer")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.worker_count", "worker-count")
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

	dsn := appConfig.DatabaseDSN
	if appConfig.DatabaseDriver == database.DriverSQLite {
		dsn = appConfig.DatabasePath
	}
	db, err := database.Open(appConfig.DatabaseDriver, dsn, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	docs, err := openDocstore(appConfig)
	if err != nil {
		return err
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "plantsync-auth",
		Audience:      "plantsync-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	verifier, err := auth.NewJWKSVerifier(auth.JWKSVerifierConfig{
		Audience: appConfig.IDPAudience,
		JWKSURL:  appConfig.IDPJWKSURL,
		Issuer:   appConfig.IDPIssuer,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	identities, err := identity.NewService(identity.ServiceConfig{
		Database:   db,
		IDProvider: identity.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	queue, err := syncqueue.NewQueue(syncqueue.QueueConfig{
		Database:    db,
		MaxAttempts: appConfig.MaxAttempts,
		Lease:       appConfig.LeaseDuration,
		RetryBase:   appConfig.RetryBase,
		RetryCap:    appConfig.RetryCap,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	profiles, err := profile.NewService(profile.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	contentService, err := content.NewService(content.ServiceConfig{
		Database:   db,
		IDProvider: identity.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	plantStore, err := plants.NewStore(plants.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	worker, err := syncworker.New(syncworker.Config{
		Queue:        queue,
		Plants:       plantStore,
		Profiles:     profiles,
		Identities:   identities,
		WorkerCount:  appConfig.WorkerCount,
		BatchSize:    appConfig.WorkerBatchSize,
		PollInterval: appConfig.PollInterval,
		CallTimeout:  appConfig.CallTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	outboxService, err := outbox.NewService(db)
	if err != nil {
		return err
	}

	cacheProjector, err := projector.New(projector.Config{
		Outbox:       outboxService,
		Docs:         docs,
		BatchSize:    appConfig.ProjectorBatchSize,
		PollInterval: appConfig.ProjectorPollInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sweeper, err := reconcile.New(reconcile.Config{
		DB:       db,
		Docs:     docs,
		Profiles: profiles,
		Content:  contentService,
		Interval: appConfig.ReconcileInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:   verifier,
		Tokens:     tokenIssuer,
		Identities: identities,
		Queue:      queue,
		Profiles:   profiles,
		Content:    contentService,
		Logger:     logger,
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

	go worker.Run(signalCtx)
	go cacheProjector.Run(signalCtx)
	go sweeper.Run(signalCtx)
	go purgeLoop(signalCtx, queue, appConfig.QueueRetention, logger)

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

func openDocstore(appConfig config.AppConfig) (docstore.Store, error) {
	switch appConfig.DocstoreDriver {
	case "surreal":
		return docstore.NewSurreal(docstore.SurrealConfig{
			URL:       appConfig.DocstoreURL,
			Namespace: appConfig.DocstoreNamespace,
			Database:  appConfig.DocstoreName,
			Username:  appConfig.DocstoreUser,
			Password:  appConfig.DocstorePass,
		})
	default:
		return docstore.NewMemory(), nil
	}
}

func purgeLoop(ctx context.Context, queue *syncqueue.Queue, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := queue.PurgeCompleted(ctx, retention)
			if err != nil {
				logger.Error("queue purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("purged completed queue items", zap.Int64("count", purged))
			}
		}
	}
}
