package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pubky/pubky-app-cache/internal/auth"
	"github.com/pubky/pubky-app-cache/internal/config"
	"github.com/pubky/pubky-app-cache/internal/coordinator"
	"github.com/pubky/pubky-app-cache/internal/database"
	"github.com/pubky/pubky-app-cache/internal/logging"
	"github.com/pubky/pubky-app-cache/internal/models"
	"github.com/pubky/pubky-app-cache/internal/nexus"
	"github.com/pubky/pubky-app-cache/internal/poststream"
	"github.com/pubky/pubky-app-cache/internal/server"
	"github.com/pubky/pubky-app-cache/internal/streams"
	"github.com/pubky/pubky-app-cache/internal/tagsearch"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pubky-cache",
		Short: "Local-first cache and polling service for Pubky App",
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
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins allowed to call the API (empty allows any)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("nexus-url", defaults.GetString("nexus.base_url"), "Nexus indexer base URL")
	cmd.PersistentFlags().Int("nexus-rate", defaults.GetInt("nexus.requests_per_second"), "Maximum Nexus requests per second")
	cmd.PersistentFlags().Duration("polling-interval", defaults.GetDuration("polling.interval"), "Interval between polls")
	cmd.PersistentFlags().String("home-stream", defaults.GetString("streams.home_stream"), "Stream watched for new posts")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "nexus.base_url", "nexus-url")
	bindFlag(cmd, "nexus.requests_per_second", "nexus-rate")
	bindFlag(cmd, "polling.interval", "polling-interval")
	bindFlag(cmd, "streams.home_stream", "home-stream")
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

	store, err := models.NewStore(db, logger)
	if err != nil {
		return err
	}
	streamService, err := streams.NewService(streams.ServiceConfig{
		Model:     store.Streams,
		CacheSize: appConfig.StreamsLRUSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	nexusClient, err := nexus.NewClient(nexus.ClientConfig{
		BaseURL:           appConfig.NexusBaseURL,
		Timeout:           appConfig.NexusTimeout,
		RequestsPerSecond: appConfig.NexusRate,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	session := auth.NewStore()
	visibility := coordinator.NewPageVisibility(true)
	dispatcher := server.NewRealtimeDispatcher()

	pagination, err := poststream.NewApplication(poststream.ApplicationConfig{
		Remote:  nexusClient,
		Details: store.Details,
		Streams: streamService,
		Store:   store,
		Viewer:  session,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	suggester, err := tagsearch.NewSuggester(tagsearch.Config{Searcher: nexusClient, Logger: logger})
	if err != nil {
		return err
	}

	coordinators, homeStream, err := buildCoordinators(appConfig, nexusClient, store, streamService, session, visibility, dispatcher, logger)
	if err != nil {
		return err
	}
	controllers := make([]server.PollingController, 0, len(coordinators))
	for _, c := range coordinators {
		defer c.Destroy()
		controllers = append(controllers, c)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Streams:        pagination,
		Store:          store,
		Auth:           session,
		Visibility:     visibility,
		Tags:           suggester,
		Realtime:       dispatcher,
		Pollers:        controllers,
		HomeStream:     homeStream,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
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

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("nexus", appConfig.NexusBaseURL))
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

func buildCoordinators(
	appConfig config.AppConfig,
	nexusClient *nexus.Client,
	store *models.Store,
	streamService *streams.Service,
	session *auth.Store,
	visibility *coordinator.PageVisibility,
	publisher coordinator.Publisher,
	logger *zap.Logger,
) ([]*coordinator.Coordinator, *coordinator.StreamUpdatesPoller, error) {
	notificationsPoller, err := coordinator.NewNotificationsPoller(coordinator.NotificationsPollerConfig{
		Fetcher:   nexusClient,
		Store:     store.Notifications,
		Viewer:    session,
		Publisher: publisher,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}
	streamPoller, err := coordinator.NewStreamUpdatesPoller(coordinator.StreamUpdatesPollerConfig{
		Fetcher:   nexusClient,
		Streams:   streamService,
		Viewer:    session,
		Publisher: publisher,
		StreamID:  appConfig.HomeStream,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, err
	}

	pollingConfig := coordinator.Config{
		Interval:          appConfig.PollingInterval,
		PollOnStart:       appConfig.PollOnStart,
		RespectVisibility: appConfig.RespectVisibility,
	}
	pollers := []coordinator.Poller{notificationsPoller, streamPoller}
	coordinators := make([]*coordinator.Coordinator, 0, len(pollers))
	for _, poller := range pollers {
		c, err := coordinator.New(coordinator.Options{
			Poller:     poller,
			Auth:       session,
			Visibility: visibility,
			Config:     pollingConfig,
			Logger:     logger,
		})
		if err != nil {
			for _, built := range coordinators {
				built.Destroy()
			}
			return nil, nil, err
		}
		c.Start()
		coordinators = append(coordinators, c)
	}
	return coordinators, streamPoller, nil
}
