package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuongbtq/plotter-api/internal/api/handler"
	"github.com/cuongbtq/plotter-api/internal/api/router"
	"github.com/cuongbtq/plotter-api/internal/archive"
	"github.com/cuongbtq/plotter-api/internal/config"
	"github.com/cuongbtq/plotter-api/internal/controller"
	"github.com/cuongbtq/plotter-api/internal/driver"
	"github.com/cuongbtq/plotter-api/internal/events"
	"github.com/cuongbtq/plotter-api/internal/project"
	"github.com/cuongbtq/plotter-api/internal/queue"
	"github.com/cuongbtq/plotter-api/internal/settings"
	"github.com/cuongbtq/plotter-api/internal/upload"
	"github.com/cuongbtq/plotter-api/internal/worker"
	"github.com/cuongbtq/plotter-api/shared/logger"
	"github.com/cuongbtq/plotter-api/shared/postgresql"
	"github.com/cuongbtq/plotter-api/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// observerBuffer bounds the archive and event backlogs
const observerBuffer = 256

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("PLOTTER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	slogger := appLogger.Logger

	appLogger.Info("Starting plotter service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("driver", cfg.Plotter.Driver),
		slog.String("dispatch_mode", cfg.Dispatcher.Mode),
	)

	// Job registry and settings
	q, err := queue.New(cfg.Queue.StateFile, cfg.Queue.MaxSize, slogger)
	if err != nil {
		return fmt.Errorf("failed to load job queue: %w", err)
	}
	store, err := settings.New(cfg.Plotter.SettingsFile, cfg.Plotter.Defaults, slogger)
	if err != nil {
		return fmt.Errorf("failed to load plotter settings: %w", err)
	}

	ctrl := controller.New(controller.Config{
		Logger:   slogger,
		Factory:  initDriver(&cfg.Plotter, slogger),
		Defaults: store.Values,
	})
	ctrl.AddObserver(worker.NewRecorder(q, slogger))
	q.SetCancelListener(ctrl.AnnounceCancelled)

	projects, err := project.NewManager(cfg.Storage.ProjectDir, slogger)
	if err != nil {
		return fmt.Errorf("failed to load project: %w", err)
	}
	ctrl.AddObserver(projects)

	uploads, err := upload.NewAssembler(cfg.Storage.ChunkDir, cfg.Storage.UploadDir, slogger)
	if err != nil {
		return fmt.Errorf("failed to prepare upload storage: %w", err)
	}

	checks := map[string]handler.HealthChecker{}
	var history handler.HistoryStore

	// Optional job archive
	var (
		dbClient *postgresql.Client
		archiver *archive.Archiver
	)
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, cfg.App.Name, slogger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		archiveStore := archive.NewStorage(dbClient)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = archiveStore.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			dbClient.Close()
			return fmt.Errorf("failed to prepare archive schema: %w", err)
		}
		archiver = archive.NewArchiver(archiveStore, observerBuffer, slogger)
		ctrl.AddObserver(archiver)
		history = archiveStore
		checks["database"] = dbClient
		appLogger.Info("Job archive enabled")
	}

	// Optional lifecycle event publishing
	var (
		rabbitClient *rabbitmq.Client
		publisher    *events.Publisher
	)
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = initRabbitMQ(&cfg.RabbitMQ, slogger)
		if err != nil {
			if dbClient != nil {
				dbClient.Close()
			}
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		publisher = events.NewPublisher(rabbitClient, observerBuffer, slogger)
		ctrl.AddObserver(publisher)
		checks["rabbitmq"] = brokerCheck{rabbitClient}
		appLogger.Info("Event publishing enabled", slog.String("exchange", cfg.RabbitMQ.Exchange.Name))
	}

	w := worker.NewWorker(&worker.Config{
		Logger:          slogger,
		Queue:           q,
		Controller:      ctrl,
		Mode:            worker.Mode(cfg.Dispatcher.Mode),
		PollInterval:    cfg.Queue.PollInterval,
		Retention:       cfg.Queue.Retention,
		CleanupInterval: cfg.Queue.CleanupInterval,
		Uploads:         []worker.Sweeper{uploads, projects},
		UploadTTL:       cfg.Storage.UploadTTL,
	})

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	// A device that is not attached yet is not fatal; POST /plotter/initialize retries
	initCtx, cancelInit := context.WithTimeout(background, cfg.Plotter.InitTimeout)
	if err := ctrl.Initialize(initCtx); err != nil {
		appLogger.Warn("Plotter not initialized", slog.String("error", err.Error()))
	}
	cancelInit()

	if err := w.Start(background); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	r := initRouter(cfg, &handler.Dependencies{
		Logger:         slogger,
		Queue:          q,
		Controller:     ctrl,
		Worker:         w,
		Uploads:        uploads,
		Projects:       projects,
		Settings:       store,
		History:        history,
		Checks:         checks,
		Background:     background,
		InitTimeout:    cfg.Plotter.InitTimeout,
		UploadDir:      cfg.Storage.UploadDir,
		LogFile:        logFile(&cfg.Logging),
		MaxInlineBytes: cfg.Server.MaxInlineBytes,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ServiceName:    cfg.App.Name,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Plotter service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
	case runErr = <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", runErr))
	}

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
		runErr = errors.Join(runErr, err)
	}

	w.Stop()
	stopBackground()
	if err := ctrl.Close(); err != nil {
		appLogger.Warn("Controller close failed", slog.Any("error", err))
	}

	// observers drain after the controller emitted its last event
	if archiver != nil {
		archiver.Close()
	}
	if publisher != nil {
		publisher.Close()
	}
	if dbClient != nil {
		dbClient.Close()
	}
	if rabbitClient != nil {
		rabbitClient.Close()
	}

	appLogger.Info("Server shutdown complete")
	return runErr
}

// brokerCheck reports the RabbitMQ connection state to /health
type brokerCheck struct {
	client *rabbitmq.Client
}

func (b brokerCheck) HealthCheck(context.Context) error {
	if !b.client.IsConnected() {
		return rabbitmq.ErrNotConnected
	}
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		File:         cfg.File,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// logFile returns the file served by GET /api/v1/logs, "" when logs only go to a stream
func logFile(cfg *config.LoggingConfig) string {
	if cfg.File != "" {
		return cfg.File
	}
	switch cfg.Output {
	case "", "stdout", "stderr":
		return ""
	}
	return filepath.Clean(cfg.Output)
}

// initDriver picks the device backend
func initDriver(cfg *config.PlotterConfig, logger *slog.Logger) driver.Factory {
	if cfg.Driver == "command" {
		return driver.NewCommandFactory(driver.CommandConfig{
			Binary:  cfg.Command.Binary,
			Args:    cfg.Command.Args,
			WorkDir: cfg.Command.WorkDir,
			Port:    cfg.Command.Port,
		}, logger)
	}

	sim := driver.DefaultSimConfig()
	if cfg.Simulator.MMPerByte > 0 {
		sim.MMPerByte = cfg.Simulator.MMPerByte
	}
	if cfg.Simulator.StepMM > 0 {
		sim.StepMM = cfg.Simulator.StepMM
	}
	if cfg.Simulator.StepDelay > 0 {
		sim.StepDelay = cfg.Simulator.StepDelay
	}
	if cfg.Simulator.Firmware != "" {
		sim.Firmware = cfg.Simulator.Firmware
	}
	if cfg.Simulator.Nickname != "" {
		sim.Nickname = cfg.Simulator.Nickname
	}
	return driver.NewSimDevice(sim).Factory()
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, appName string, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ApplicationName: appName,
		ConnectTimeout:  cfg.ConnectTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}

	return postgresql.NewClient(context.Background(), dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps, router.Options{
		CORSOrigins:    cfg.Server.CORSOrigins,
		ChunkRateLimit: cfg.Server.ChunkRateLimit,
		ChunkBurst:     cfg.Server.ChunkBurst,
	})
}
