package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"go.uber.org/zap"
)

// FiscalReceiptRepository handles fiscal receipt database operations
type FiscalReceiptRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewFiscalReceiptRepository creates a new fiscal receipt repository
func NewFiscalReceiptRepository(db *sql.DB, logger *zap.Logger) *FiscalReceiptRepository {
	return &FiscalReceiptRepository{
		db:     db,
		logger: logger,
	}
}

// FindByInvoiceNumber returns the stored fiscal response, or models.ErrResponseNotFound
func (r *FiscalReceiptRepository) FindByInvoiceNumber(ctx context.Context, invoiceNumber string) (*models.FiscalResponseData, error) {
	query := `
		SELECT invoice_number, transaction_date, ts_num, control_code, serial_number, fiscal_seal
		FROM fiscal_receipts
		WHERE invoice_number = ?
	`

	data := &models.FiscalResponseData{}
	err := r.db.QueryRowContext(ctx, query, invoiceNumber).Scan(
		&data.InvoiceNumber,
		&data.TransactionDate,
		&data.TSNum,
		&data.ControlCode,
		&data.SerialNumber,
		&data.FiscalSeal,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrResponseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fiscal receipt: %w", err)
	}

	return data, nil
}

// Upsert inserts or replaces the receipt of data.InvoiceNumber
func (r *FiscalReceiptRepository) Upsert(ctx context.Context, tx *sql.Tx, data *models.FiscalResponseData, source models.ResponseSource) error {
	query := `
		INSERT INTO fiscal_receipts (
			invoice_number, transaction_date, ts_num, control_code, serial_number, fiscal_seal, source
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invoice_number) DO UPDATE SET
			transaction_date = excluded.transaction_date,
			ts_num = excluded.ts_num,
			control_code = excluded.control_code,
			serial_number = excluded.serial_number,
			fiscal_seal = excluded.fiscal_seal,
			source = excluded.source,
			updated_at = CURRENT_TIMESTAMP
	`

	args := []interface{}{
		data.InvoiceNumber,
		data.TransactionDate,
		data.TSNum,
		data.ControlCode,
		data.SerialNumber,
		data.FiscalSeal,
		string(source),
	}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.db.ExecContext(ctx, query, args...)
	}

	if err != nil {
		r.logger.Error("Failed to upsert fiscal receipt",
			zap.String("invoice_number", data.InvoiceNumber),
			zap.Error(err))
		return fmt.Errorf("failed to upsert fiscal receipt: %w", err)
	}

	r.logger.Debug("Fiscal receipt stored",
		zap.String("invoice_number", data.InvoiceNumber),
		zap.String("source", string(source)))
	return nil
}

// Count returns the number of stored receipts
func (r *FiscalReceiptRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fiscal_receipts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count fiscal receipts: %w", err)
	}
	return n, nil
}
