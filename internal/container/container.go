package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/garyjia/kra-fiscalizer/internal/config"
	"github.com/garyjia/kra-fiscalizer/internal/pipeline"
	"github.com/garyjia/kra-fiscalizer/internal/worker"
	"github.com/garyjia/kra-fiscalizer/pkg/database"
	"go.uber.org/zap"
)

// Container manages all application dependencies and lifecycle.
// Components start in dependency order and are torn down in reverse.
type Container struct {
	config *config.Config
	logger *zap.Logger

	// Infrastructure
	db           *database.DB
	repositories *RepositoryBundle
	storage      *StorageBundle
	fiscal       *FiscalBundle

	// Application
	session   *pipeline.Session
	processor *pipeline.Processor

	// Workers
	workers     *worker.Manager
	batchWorker *worker.BatchWorker

	// Lifecycle
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *config.Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components in dependency order:
// 1. Database and repositories
// 2. Folders and file storage
// 3. Tariff session
// 4. Fiscal watcher and correlator
// 5. Invoice pipeline
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization")

	db, err := ProvideDatabase(ctx, &c.config.Database, c.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	c.db = db
	c.repositories = ProvideRepositories(db, c.logger)
	c.logger.Info("Database initialized")

	if c.storage, err = ProvideStorage(c.config, c.logger); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if c.session, err = ProvideSession(c.config, c.logger); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize tariff session: %w", err)
	}

	if c.fiscal, err = ProvideFiscal(c.config, c.repositories.Receipts, c.logger); err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize fiscal watcher: %w", err)
	}

	c.processor = ProvideProcessor(&ProcessorDeps{
		Config:  c.config,
		Session: c.session,
		Repos:   c.repositories,
		Storage: c.storage,
		Fiscal:  c.fiscal,
		Logger:  c.logger,
	})

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// StartWorkers starts the batch worker and, when configured, the inbox watcher.
func (c *Container) StartWorkers() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ready.Load() {
		return fmt.Errorf("container not started")
	}
	if c.workers != nil {
		return fmt.Errorf("workers already started")
	}

	manager := worker.NewManager(c.logger)
	batchWorker := worker.NewBatchWorker(c.processor, c.storage.FolderManager, c.config.Server.QueueSize, c.logger)
	manager.Register(batchWorker)
	if c.config.Server.WatchInput {
		manager.Register(worker.NewInboxWatcher(c.config.Folders.Input, c.config.Server.WatchSettle, batchWorker, c.logger))
	}

	if err := manager.StartAll(c.ctx); err != nil {
		return err
	}

	c.workers = manager
	c.batchWorker = batchWorker
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	err := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if err != nil {
		c.logger.Error("Container closed with errors", zap.Error(err))
		return err
	}

	c.logger.Info("Container closed successfully")
	return nil
}

func (c *Container) teardown() error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.workers != nil {
		c.workers.StopAll()
		c.workers = nil
	}

	if c.fiscal != nil {
		if err := c.fiscal.Watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close watcher: %w", err))
		}
		c.fiscal = nil
	}

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		c.db = nil
	}

	return errors.Join(errs...)
}

// Ready returns true once Start completed.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health() *HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	if c.db != nil {
		if err := c.db.Ping(); err != nil {
			status.Components["database"] = ComponentHealth{Healthy: false, Message: err.Error()}
			status.Overall = false
		} else {
			status.Components["database"] = ComponentHealth{Healthy: true}
		}
	} else {
		status.Components["database"] = ComponentHealth{Healthy: false, Message: "not initialized"}
		status.Overall = false
	}

	if c.session != nil && c.session.Materials() > 0 {
		status.Components["tariff"] = ComponentHealth{Healthy: true}
	} else {
		// Resolution still works on category codes, so this does not fail the whole check
		status.Components["tariff"] = ComponentHealth{Healthy: false, Message: "no reference data loaded"}
	}

	for _, dir := range c.config.StorageFolders().All() {
		if c.storage == nil || !c.storage.FolderManager.FolderExists(dir) {
			status.Components["folders"] = ComponentHealth{Healthy: false, Message: "missing " + dir}
			status.Overall = false
			break
		}
	}
	if _, ok := status.Components["folders"]; !ok {
		status.Components["folders"] = ComponentHealth{Healthy: true}
	}

	return status
}

// Config returns the configuration.
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the logger.
func (c *Container) Logger() *zap.Logger {
	return c.logger
}

// Repositories returns the repositories.
func (c *Container) Repositories() *RepositoryBundle {
	return c.repositories
}

// Storage returns the storage bundle.
func (c *Container) Storage() *StorageBundle {
	return c.storage
}

// Session returns the tariff session.
func (c *Container) Session() *pipeline.Session {
	return c.session
}

// Processor returns the invoice pipeline.
func (c *Container) Processor() *pipeline.Processor {
	return c.processor
}

// BatchWorker returns the batch worker, nil until StartWorkers.
func (c *Container) BatchWorker() *worker.BatchWorker {
	return c.batchWorker
}
