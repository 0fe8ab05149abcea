package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/auth"
	"github.com/MarcoPoloResearchLab/featureboard/internal/config"
	"github.com/MarcoPoloResearchLab/featureboard/internal/database"
	"github.com/MarcoPoloResearchLab/featureboard/internal/delivery"
	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/directory"
	"github.com/MarcoPoloResearchLab/featureboard/internal/email"
	"github.com/MarcoPoloResearchLab/featureboard/internal/ids"
	"github.com/MarcoPoloResearchLab/featureboard/internal/logging"
	"github.com/MarcoPoloResearchLab/featureboard/internal/notify"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/push"
	"github.com/MarcoPoloResearchLab/featureboard/internal/queue"
	"github.com/MarcoPoloResearchLab/featureboard/internal/server"
	"github.com/MarcoPoloResearchLab/featureboard/internal/statusgate"
	"github.com/MarcoPoloResearchLab/featureboard/internal/users"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "featureboard-api",
		Short: "Featureboard notification service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("workers", defaults.GetInt("notify.workers"), "Notification workers")
	cmd.PersistentFlags().String("queue-backend", defaults.GetString("notify.queue.backend"), "Event queue backend (memory, redis, amqp)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "notify.workers", "workers")
	bindFlag(cmd, "notify.queue.backend", "queue-backend")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver:                appConfig.DatabaseDriver,
		Path:                  appConfig.DatabasePath,
		DSN:                   appConfig.DatabaseDSN,
		ManageDirectoryTables: appConfig.ManageDirectoryTables,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := ids.NewUUIDProvider()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	preferenceStore, err := preferences.NewStore(preferences.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return err
	}
	gate, err := statusgate.New(statusgate.Config{
		Database:    db,
		ApplyToPush: appConfig.StatusGateApplyToPush,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	projectDirectory, err := directory.New(directory.Config{Database: db, Emails: userService})
	if err != nil {
		return err
	}
	deliveryLog, err := delivery.NewLog(delivery.LogConfig{Database: db, IDProvider: idProvider, Logger: logger})
	if err != nil {
		return err
	}

	dispatcherConfig := notify.DispatcherConfig{
		Endpoints:   registry,
		Records:     deliveryLog,
		Concurrency: appConfig.NotifyDispatchConcurrency,
		SendTimeout: appConfig.NotifySendTimeout,
		Logger:      logger,
	}
	if appConfig.PushEnabled {
		provider, err := push.NewExpoProvider(push.ExpoConfig{
			Endpoint:      appConfig.PushEndpoint,
			AccessToken:   appConfig.PushAccessToken,
			RatePerSecond: appConfig.PushRatePerSecond,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		dispatcherConfig.Push = provider
	} else {
		logger.Warn("push delivery disabled")
	}
	if appConfig.EmailEnabled {
		sender, err := email.NewResendSender(email.ResendConfig{
			APIKey:     appConfig.EmailAPIKey,
			From:       appConfig.EmailFrom,
			RedirectTo: appConfig.EmailRedirectTo,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		dispatcherConfig.Email = sender
	} else {
		logger.Warn("email delivery disabled")
	}

	resolver, err := notify.NewResolver(notify.ResolverConfig{
		Audience:    projectDirectory,
		Preferences: preferenceStore,
		StatusGate:  gate,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	dispatcher, err := notify.NewDispatcher(dispatcherConfig)
	if err != nil {
		return err
	}

	eventQueue, closeTransport, err := openQueue(ctx, appConfig)
	if err != nil {
		return err
	}
	defer closeTransport()

	engine, err := notify.NewEngine(notify.EngineConfig{
		Queue:         eventQueue,
		Resolver:      resolver,
		Dispatcher:    dispatcher,
		Workers:       appConfig.NotifyWorkers,
		SubmitTimeout: appConfig.NotifySubmitTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Preferences:      preferenceStore,
		Devices:          registry,
		StatusGate:       gate,
		Projects:         projectDirectory,
		Events:           engine,
		IngestToken:      appConfig.IngestToken,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	engine.Start(workerCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("queue_backend", appConfig.QueueBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		serveErr = httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		serveErr = err
	}

	drained := make(chan error, 1)
	go func() {
		drained <- engine.Close()
	}()
	select {
	case err := <-drained:
		if err != nil {
			logger.Warn("event queue close failed", zap.Error(err))
		}
	case <-time.After(shutdownTimeout):
		logger.Warn("notification drain timed out, stopping workers")
		cancelWorkers()
		<-drained
	}
	return serveErr
}

// openQueue builds the configured event queue and returns a cleanup for the
// transport it owns.
func openQueue(ctx context.Context, appConfig config.AppConfig) (queue.Queue, func(), error) {
	switch appConfig.QueueBackend {
	case config.QueueBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		redisQueue, err := queue.NewRedis(queue.RedisConfig{Client: client, Key: appConfig.RedisQueueKey})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return redisQueue, func() { _ = client.Close() }, nil
	case config.QueueBackendAMQP:
		amqpQueue, err := queue.NewAMQP(queue.AMQPConfig{URL: appConfig.AMQPURL, Queue: appConfig.AMQPQueue})
		if err != nil {
			return nil, nil, err
		}
		return amqpQueue, func() {}, nil
	default:
		return queue.NewMemory(appConfig.NotifyQueueSize), func() {}, nil
	}
}
