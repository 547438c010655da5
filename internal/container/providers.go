// Package container wires the fiscalizer's components from configuration
// and manages their lifecycle.
package container

import (
	"context"
	"fmt"

	"github.com/garyjia/kra-fiscalizer/internal/config"
	"github.com/garyjia/kra-fiscalizer/internal/fiscal"
	"github.com/garyjia/kra-fiscalizer/internal/invoice"
	"github.com/garyjia/kra-fiscalizer/internal/pipeline"
	"github.com/garyjia/kra-fiscalizer/internal/qr"
	"github.com/garyjia/kra-fiscalizer/internal/repository"
	"github.com/garyjia/kra-fiscalizer/internal/stamper"
	"github.com/garyjia/kra-fiscalizer/internal/storage"
	"github.com/garyjia/kra-fiscalizer/internal/tariff"
	"github.com/garyjia/kra-fiscalizer/pkg/database"
	"go.uber.org/zap"
)

// RepositoryBundle groups all repositories for convenient access.
type RepositoryBundle struct {
	Receipts *repository.FiscalReceiptRepository
	Runs     *repository.InvoiceRunRepository
}

// StorageBundle holds storage-related components.
type StorageBundle struct {
	FileStorage   *storage.LocalFileStorage
	FolderManager *storage.FolderManager
}

// FiscalBundle holds the response correlation components.
type FiscalBundle struct {
	Watcher    *fiscal.DirWatcher
	Correlator *fiscal.Correlator
}

// ProvideDatabase opens the database and runs pending migrations.
// A configured migrations directory replaces the embedded migrations.
func ProvideDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*database.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	db, err := database.New(database.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}

	migrator := database.NewMigrator(db, logger)
	if cfg.MigrationsDir != "" {
		_, err = migrator.RunDir(ctx, cfg.MigrationsDir)
	} else {
		_, err = migrator.RunEmbedded(ctx)
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// ProvideRepositories creates all repositories.
func ProvideRepositories(db *database.DB, logger *zap.Logger) *RepositoryBundle {
	return &RepositoryBundle{
		Receipts: repository.NewFiscalReceiptRepository(db.DB, logger),
		Runs:     repository.NewInvoiceRunRepository(db.DB, logger),
	}
}

// ProvideStorage creates the folder manager and file storage, creating missing folders.
func ProvideStorage(cfg *config.Config, logger *zap.Logger) (*StorageBundle, error) {
	folders := cfg.StorageFolders()
	manager := storage.NewFolderManager(folders, logger)
	if err := manager.EnsureFolders(); err != nil {
		return nil, err
	}

	var roots []string
	if cfg.Storage.RestrictToFolders {
		roots = folders.All()
	}

	return &StorageBundle{
		FileStorage:   storage.NewLocalFileStorage(roots, cfg.RetryStrategy(), logger),
		FolderManager: manager,
	}, nil
}

// ProvideSession creates the tariff session and loads the reference workbook.
// A missing or rejected workbook is logged; resolution then uses category codes.
func ProvideSession(cfg *config.Config, logger *zap.Logger) (*pipeline.Session, error) {
	fallback, err := cfg.FallbackCodes()
	if err != nil {
		return nil, err
	}

	session := pipeline.NewSession(tariff.Config{
		MinVotes:      cfg.Tariff.MinFuzzyVotes,
		FallbackCodes: fallback,
	}, cfg.Tariff.ReferencePath, logger)

	if cfg.Tariff.ReferencePath != "" {
		if n, err := session.Reload(""); err != nil {
			logger.Warn("Tariff reference data not loaded", zap.Error(err))
		} else {
			logger.Info("Tariff reference data ready", zap.Int("materials", n))
		}
	}

	return session, nil
}

// ProvideFiscal creates the directory watcher and the correlator.
func ProvideFiscal(cfg *config.Config, store fiscal.Store, logger *zap.Logger) (*FiscalBundle, error) {
	watcher, err := fiscal.NewDirWatcher(logger)
	if err != nil {
		return nil, err
	}

	correlator := fiscal.NewCorrelator(fiscal.Config{
		SentDir:         cfg.Folders.Sent,
		FailDir:         cfg.Folders.Fail,
		PostingPrefix:   cfg.Fiscal.PostingPrefix,
		ResponsePrefix:  cfg.Fiscal.ResponsePrefix,
		WaitTimeout:     cfg.Fiscal.WaitTimeout,
		ParseRetries:    cfg.Fiscal.ParseRetries,
		ParseRetryDelay: cfg.Fiscal.ParseRetryDelay,
		ResponseSettle:  cfg.Fiscal.ResponseSettle,
	}, store, watcher, logger)

	return &FiscalBundle{Watcher: watcher, Correlator: correlator}, nil
}

// ProcessorDeps are the already-built components a processor needs.
type ProcessorDeps struct {
	Config  *config.Config
	Session *pipeline.Session
	Repos   *RepositoryBundle
	Storage *StorageBundle
	Fiscal  *FiscalBundle
	Logger  *zap.Logger
}

// ProvideProcessor creates the invoice pipeline.
func ProvideProcessor(deps *ProcessorDeps) *pipeline.Processor {
	cfg := deps.Config

	generator := qr.NewGenerator(qr.Config{
		Dir:          cfg.Folders.QR,
		ModulePixels: cfg.QR.ModulePixels,
	}, deps.Storage.FileStorage, deps.Logger)

	pdfStamper := stamper.NewStamper(stamper.Config{
		OutputDir:    cfg.Folders.Output,
		WorkDir:      cfg.Folders.Work,
		QRSizePoints: cfg.Stamp.QRSize,
		QRX:          cfg.Stamp.QRX,
		QRY:          cfg.Stamp.QRY,
		TextX:        cfg.Stamp.TextX,
		TextY:        cfg.Stamp.TextY,
		FontSize:     cfg.Stamp.FontSize,
	}, deps.Storage.FileStorage, deps.Logger)

	return pipeline.NewProcessor(pipeline.Config{
		PostingDir:    cfg.Folders.Posting,
		PostingPrefix: cfg.Fiscal.PostingPrefix,
	}, pipeline.Dependencies{
		Session:    deps.Session,
		TextSource: invoice.NewPDFTextSource(deps.Logger),
		Parser:     invoice.NewParser(deps.Logger),
		Correlator: deps.Fiscal.Correlator,
		Receipts:   deps.Repos.Receipts,
		Runs:       deps.Repos.Runs,
		QR:         generator,
		Stamper:    pdfStamper,
		Files:      deps.Storage.FileStorage,
	}, deps.Logger)
}
