package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned when no invoice run matches
var ErrRunNotFound = errors.New("invoice run not found")

// InvoiceRunRepository persists the per-invoice batch ledger
type InvoiceRunRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewInvoiceRunRepository creates a new invoice run repository
func NewInvoiceRunRepository(db *sql.DB, logger *zap.Logger) *InvoiceRunRepository {
	return &InvoiceRunRepository{
		db:     db,
		logger: logger,
	}
}

const runColumns = `id, batch_id, file_path, invoice_number, status, message, output_path, stamp_strategy, started_at, finished_at`

// Create inserts a run and sets its ID
func (r *InvoiceRunRepository) Create(ctx context.Context, run *models.InvoiceRun) error {
	query := `
		INSERT INTO invoice_runs (
			batch_id, file_path, invoice_number, status, message, output_path, stamp_strategy, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		run.BatchID,
		run.FilePath,
		run.InvoiceNumber,
		run.Status,
		run.Message,
		run.OutputPath,
		run.StampStrategy,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create invoice run", zap.Error(err))
		return fmt.Errorf("failed to create invoice run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id

	return nil
}

// Update writes the mutable fields of a run
func (r *InvoiceRunRepository) Update(ctx context.Context, run *models.InvoiceRun) error {
	query := `
		UPDATE invoice_runs
		SET invoice_number = ?, status = ?, message = ?, output_path = ?, stamp_strategy = ?, finished_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		run.InvoiceNumber,
		run.Status,
		run.Message,
		run.OutputPath,
		run.StampStrategy,
		run.FinishedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice run: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}

	return nil
}

// HasSuccess reports whether the invoice number already completed successfully
func (r *InvoiceRunRepository) HasSuccess(ctx context.Context, invoiceNumber string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM invoice_runs WHERE invoice_number = ? AND status = ?)`

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, invoiceNumber, models.RunStatusSuccess).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check invoice run: %w", err)
	}
	return exists, nil
}

// ListByBatch returns the runs of a batch in insertion order
func (r *InvoiceRunRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.InvoiceRun, error) {
	query := `SELECT ` + runColumns + ` FROM invoice_runs WHERE batch_id = ? ORDER BY id`
	return r.list(ctx, query, batchID)
}

// ListByInvoiceNumber returns every run of an invoice, newest first
func (r *InvoiceRunRepository) ListByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*models.InvoiceRun, error) {
	query := `SELECT ` + runColumns + ` FROM invoice_runs WHERE invoice_number = ? ORDER BY id DESC`
	return r.list(ctx, query, invoiceNumber)
}

func (r *InvoiceRunRepository) list(ctx context.Context, query string, arg interface{}) ([]*models.InvoiceRun, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query invoice runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.InvoiceRun
	for rows.Next() {
		run := &models.InvoiceRun{}
		var finished sql.NullTime
		if err := rows.Scan(
			&run.ID,
			&run.BatchID,
			&run.FilePath,
			&run.InvoiceNumber,
			&run.Status,
			&run.Message,
			&run.OutputPath,
			&run.StampStrategy,
			&run.StartedAt,
			&finished,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoice runs: %w", err)
	}

	return runs, nil
}
