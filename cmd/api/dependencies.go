package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/FACorreiaa/statement-importer/internal/domain/expense"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/extractor"
	importhandler "github.com/FACorreiaa/statement-importer/internal/domain/import/handler"
	importrepo "github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/statement-importer/internal/domain/import/service"
	"github.com/FACorreiaa/statement-importer/pkg/config"
	"github.com/FACorreiaa/statement-importer/pkg/db"
	"github.com/FACorreiaa/statement-importer/pkg/metrics"
	"github.com/FACorreiaa/statement-importer/pkg/storage"
	"github.com/FACorreiaa/statement-importer/pkg/tracing"
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config  *config.Config
	DB      *db.DB
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.Provider

	// Repositories
	ImportRepo importrepo.Repository

	// Services
	Gateway        *dedup.Gateway
	ImportService  *importservice.ImportService
	ExpenseService *expense.Service
	FileStorage    storage.Storage
	Trackers       *importhandler.TrackerRegistry

	// Handlers
	ImportHandler  *importhandler.ImportHandler
	ExpenseHandler *importhandler.ExpenseHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if err := deps.initRepositories(); err != nil {
		return nil, fmt.Errorf("failed to init repositories: %w", err)
	}

	if err := deps.initServices(); err != nil {
		deps.Cleanup()
		return nil, fmt.Errorf("failed to init services: %w", err)
	}

	deps.initHandlers()

	logger.Info("all dependencies initialized successfully")

	return deps, nil
}

// initDatabase initializes the database connection and runs migrations
func (d *Dependencies) initDatabase() error {
	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initRepositories picks the document store named by STORE_DRIVER
func (d *Dependencies) initRepositories() error {
	switch d.Config.Store.Driver {
	case config.StoreDriverMemory:
		d.ImportRepo = importrepo.NewMemoryRepository()
		d.Logger.Warn("using in-memory store, data is lost on exit")
	default:
		if err := d.initDatabase(); err != nil {
			return fmt.Errorf("failed to init database: %w", err)
		}
		d.ImportRepo = importrepo.NewPostgresRepository(d.DB.Pool)
	}

	d.Logger.Info("repositories initialized", slog.String("driver", d.Config.Store.Driver))
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() error {
	policy, err := dedup.ParsePolicy(d.Config.Import.DefaultPolicy)
	if err != nil {
		return err
	}

	fileStorage, err := storage.New(&d.Config.Storage)
	if err != nil {
		return fmt.Errorf("failed to init file storage: %w", err)
	}
	d.FileStorage = fileStorage

	d.Tracing, err = tracing.New(tracing.Config{
		Enabled:     d.Config.Observability.TracingEnabled,
		ServiceName: d.Config.Observability.TracingServiceName,
	})
	if err != nil {
		return err
	}

	d.Metrics = metrics.New()
	d.Gateway = dedup.NewGateway(d.ImportRepo, d.Logger)

	d.ImportService = importservice.NewImportService(
		d.ImportRepo,
		extractor.NewAutoExtractor(d.Logger),
		d.Gateway,
		d.Logger,
	).
		WithDefaults(policy, d.Config.Import.DefaultCurrency).
		WithProgressEvery(d.Config.Import.ProgressEvery).
		WithMetrics(d.Metrics).
		WithTracer(d.Tracing.Tracer(importservice.TracerName))
	if d.FileStorage != nil {
		d.ImportService.WithStorage(d.FileStorage)
	}

	d.ExpenseService = expense.NewService(d.ImportRepo, d.Logger)
	d.Trackers = importhandler.NewTrackerRegistry()

	d.Logger.Info("services initialized")
	return nil
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() {
	d.ImportHandler = importhandler.NewImportHandler(d.ImportService, d.Trackers, d.Logger).
		WithMaxUpload(d.Config.Server.MaxUploadBytes())
	d.ExpenseHandler = importhandler.NewExpenseHandler(d.ExpenseService, d.Logger)

	d.Logger.Info("handlers initialized")
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.Tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Tracing.Shutdown(ctx); err != nil {
			d.Logger.Warn("failed to flush traces", slog.Any("error", err))
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
