package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/api/rest/handlers"
	"github.com/DataInsightAutomation/trainingFramework/api/rest/routes"
	"github.com/DataInsightAutomation/trainingFramework/config"
	"github.com/DataInsightAutomation/trainingFramework/core/catalog"
	"github.com/DataInsightAutomation/trainingFramework/core/chat"
	"github.com/DataInsightAutomation/trainingFramework/core/datasets"
	"github.com/DataInsightAutomation/trainingFramework/core/defaults"
	"github.com/DataInsightAutomation/trainingFramework/core/executor"
	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/core/monitoring"
	"github.com/DataInsightAutomation/trainingFramework/core/repository"
	"github.com/DataInsightAutomation/trainingFramework/core/scheduler"
	"github.com/DataInsightAutomation/trainingFramework/core/service"
	"github.com/DataInsightAutomation/trainingFramework/core/spec"
	"github.com/DataInsightAutomation/trainingFramework/pkg/log"
	"github.com/DataInsightAutomation/trainingFramework/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:          "training-api",
	Short:        "Fine-tune, evaluate and export language models over HTTP",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host, _ = cmd.Flags().GetString("host")
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Server.LogLevel, _ = cmd.Flags().GetString("log-level")
		}

		logger := log.InitLog(log.ParseLevel(cfg.Server.LogLevel))
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.Flags().String("host", "", "bind address (overrides API_HOST)")
	rootCmd.Flags().Int("port", 0, "listen port (overrides API_PORT)")
	rootCmd.Flags().String("log-level", "", "log level (overrides API_LOG_LEVEL)")
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	sugar := logger.Sugar().Named("server")

	repo, closeRepo, err := newJobRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	metrics := monitoring.NewMetricsExporter()
	dispatcher := scheduler.NewDispatcher(repo,
		scheduler.WithWorkers(cfg.Jobs.MaxConcurrent),
		scheduler.WithObserver(metrics),
	)
	dispatcher.Start(context.Background())

	opts := []service.Option{service.WithSubmitObserver(metrics)}
	if cfg.ArtifactSyncEnabled() {
		store, err := storage.NewS3ArtifactStore(ctx, storage.S3Config{
			Bucket:   cfg.Artifacts.Bucket,
			Prefix:   cfg.Artifacts.Prefix,
			Region:   cfg.Artifacts.Region,
			Endpoint: cfg.Artifacts.Endpoint,
		})
		if err != nil {
			return fmt.Errorf("artifact store: %w", err)
		}
		opts = append(opts, service.WithArtifactStore(store))
		sugar.Infow("artifact sync enabled", "bucket", cfg.Artifacts.Bucket, "prefix", cfg.Artifacts.Prefix)
	}

	hub, ok := models.ParseDatasetSource(cfg.Runner.DatasetHub)
	if !ok {
		return fmt.Errorf("unknown DATASET_HUB %q", cfg.Runner.DatasetHub)
	}
	ds := datasets.NewResolver(datasets.WithHub(hub))
	table := defaults.Builtin()
	jobs := service.NewJobService(repo, dispatcher, newRunner(cfg), service.Resolvers{
		Train:  spec.NewTrainResolver(ds, table, cfg.Runner.SavesDir),
		Eval:   spec.NewEvalResolver(ds, table, cfg.Runner.SavesDir),
		Export: spec.NewExportResolver(table),
	}, opts...)

	chatService := chat.NewService(chat.NewSessionStore(), chat.NewOpenAIEngine(cfg.Chat.EngineURL, cfg.Chat.EngineTimeout))

	router := routes.NewRouter(routes.Handlers{
		Jobs:      handlers.NewJobHandler(jobs),
		Resources: handlers.NewResourceHandler(catalog.Builtin()),
		Chat:      handlers.NewChatHandler(chatService),
		Metrics:   metrics.Handler(),
	}, routes.Options{
		APIKey:          cfg.Server.APIKey,
		AllowedOrigins:  cfg.Server.CORSAllowedOrigins,
		SubmitRateLimit: cfg.Jobs.SubmitRateLimit,
		SubmitBurst:     cfg.Jobs.SubmitBurst,
		Logger:          logger,
	})

	sweeper := monitoring.NewMemorySweeper(cfg.MemoryCleanupInterval())
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("starting server", "address", server.Addr, "runner", cfg.Runner.Kind, "store", cfg.Jobs.Store)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		dispatcher.Stop()
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	sugar.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("running jobs cancelled", "error", err, "queued", dispatcher.Pending())
	}
	sweeper.Sweep()
	sugar.Info("server exited")
	return nil
}

func newJobRepository(ctx context.Context, cfg *config.Config) (repository.JobRepository, func(), error) {
	if cfg.Jobs.Store != config.StorePostgres {
		return repository.NewMemoryJobRepository(), func() {}, nil
	}

	db, err := repository.NewDB(ctx, cfg.Jobs.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	zap.S().Named("server").Info("database connected successfully")
	return repository.NewPostgresJobRepository(db), func() { db.Close() }, nil
}

func newRunner(cfg *config.Config) executor.Runner {
	if cfg.Runner.Kind == config.RunnerSimulated {
		return executor.NewSimulatedRunner(cfg.Runner.SimulatedStepDelay)
	}
	return executor.NewLlamaFactoryRunner(cfg.Runner.LlamaFactoryCLI, cfg.Runner.RunDir, executor.WithLaunch(cfg.Launch()))
}
