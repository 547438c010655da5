package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/fiscal"
	"github.com/garyjia/kra-fiscalizer/internal/invoice"
	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/posting"
	"github.com/garyjia/kra-fiscalizer/internal/stamper"
	"go.uber.org/zap"
)

// ParserInterface turns a source document into an invoice
type ParserInterface interface {
	ParseDocument(source invoice.TextSource, path string) (*models.Invoice, error)
}

// CorrelatorInterface starts a fiscal response wait
type CorrelatorInterface interface {
	Begin(ctx context.Context, invoiceNumber string) (*fiscal.Correlation, error)
}

// ReceiptRepositoryInterface stores responses read from files
type ReceiptRepositoryInterface interface {
	Upsert(ctx context.Context, tx *sql.Tx, data *models.FiscalResponseData, source models.ResponseSource) error
}

// RunRepositoryInterface persists the batch ledger
type RunRepositoryInterface interface {
	Create(ctx context.Context, run *models.InvoiceRun) error
	Update(ctx context.Context, run *models.InvoiceRun) error
	HasSuccess(ctx context.Context, invoiceNumber string) (bool, error)
}

// QRWriterInterface renders the fiscal seal
type QRWriterInterface interface {
	WriteForInvoice(invoiceNumber, seal string) (string, error)
	FindExisting(invoiceNumber string) (string, bool)
}

// StamperInterface produces the fiscalized document
type StamperInterface interface {
	Stamp(ctx context.Context, req stamper.Request) (*stamper.Result, error)
}

// FileSaverInterface writes posting files
type FileSaverInterface interface {
	SaveFile(ctx context.Context, fullPath string, content []byte) error
}

// Config holds pipeline configuration
type Config struct {
	PostingDir    string
	PostingPrefix string
}

// Dependencies groups the collaborators of a Processor
type Dependencies struct {
	Session    *Session
	TextSource invoice.TextSource
	Parser     ParserInterface
	Correlator CorrelatorInterface
	Receipts   ReceiptRepositoryInterface
	Runs       RunRepositoryInterface
	QR         QRWriterInterface
	Stamper    StamperInterface
	Files      FileSaverInterface
}

// Processor drives one invoice at a time through parse, tariff resolution,
// posting, response correlation, QR rendering and stamping
type Processor struct {
	cfg    Config
	deps   Dependencies
	logger *zap.Logger
	now    func() time.Time
}

// NewProcessor creates a new processor
func NewProcessor(cfg Config, deps Dependencies, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// ProcessBatch processes files in order. A failing invoice never stops the batch;
// once ctx ends the remaining files are recorded as skipped.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string, files []string, onRun func(*models.InvoiceRun)) *models.BatchReport {
	report := &models.BatchReport{BatchID: batchID, StartedAt: p.now()}

	p.logger.Info("Batch started", zap.String("batch_id", batchID), zap.Int("files", len(files)))

	for _, path := range files {
		var run *models.InvoiceRun
		if ctx.Err() != nil {
			run = p.newRun(ctx, batchID, path)
			p.finish(ctx, run, models.RunStatusSkipped, "batch cancelled")
		} else {
			run = p.ProcessInvoice(ctx, batchID, path)
		}

		report.Add(run)
		if onRun != nil {
			onRun(run)
		}
	}

	report.FinishedAt = p.now()
	p.logger.Info("Batch finished",
		zap.String("batch_id", batchID),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))

	return report
}

// ProcessInvoice runs the full pipeline for one file and returns its final run record
func (p *Processor) ProcessInvoice(ctx context.Context, batchID, path string) *models.InvoiceRun {
	run := p.newRun(ctx, batchID, path)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Invoice processing panicked", zap.String("file", path), zap.Any("panic", r))
			p.finish(ctx, run, models.RunStatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	status, message := p.process(ctx, run)
	p.finish(ctx, run, status, message)
	return run
}

func (p *Processor) process(ctx context.Context, run *models.InvoiceRun) (string, string) {
	if !strings.EqualFold(filepath.Ext(run.FilePath), ".pdf") {
		return models.RunStatusSkipped, "not a PDF document"
	}

	inv, err := p.deps.Parser.ParseDocument(p.deps.TextSource, run.FilePath)
	if err != nil {
		return models.RunStatusFailed, describeError(err)
	}
	run.InvoiceNumber = inv.InvoiceNumber

	if p.deps.Runs != nil {
		done, err := p.deps.Runs.HasSuccess(ctx, inv.InvoiceNumber)
		if err != nil {
			p.logger.Warn("Failed to check previous runs", zap.String("invoice_number", inv.InvoiceNumber), zap.Error(err))
		} else if done {
			return models.RunStatusSkipped, "already fiscalized"
		}
	}

	items := p.deps.Session.ResolveItems(inv.LineItems)

	result, err := p.fiscalize(ctx, inv, items)
	if err != nil {
		return models.RunStatusFailed, describeError(err)
	}
	if result.Outcome != fiscal.OutcomeSuccess {
		return models.RunStatusFailed, describeOutcome(result)
	}

	if result.Source == models.ResponseSourceFile && p.deps.Receipts != nil {
		if err := p.deps.Receipts.Upsert(ctx, nil, result.Data, models.ResponseSourceFile); err != nil {
			p.logger.Warn("Failed to store fiscal receipt", zap.String("invoice_number", inv.InvoiceNumber), zap.Error(err))
		}
	}

	qrPath, err := p.deps.QR.WriteForInvoice(inv.InvoiceNumber, result.Data.FiscalSeal)
	if err != nil {
		existing, ok := p.deps.QR.FindExisting(inv.InvoiceNumber)
		if !ok {
			return models.RunStatusFailed, describeError(err)
		}
		p.logger.Warn("QR generation failed, using existing image",
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.String("path", existing),
			zap.Error(err))
		qrPath = existing
	}

	stamped, err := p.deps.Stamper.Stamp(ctx, stamper.Request{
		InvoiceNumber: inv.InvoiceNumber,
		SourcePDF:     run.FilePath,
		QRImage:       qrPath,
		Footer:        result.Data.FiscalFooter,
	})
	if err != nil {
		return models.RunStatusFailed, describeError(err)
	}
	run.OutputPath = stamped.OutputPath
	run.StampStrategy = string(stamped.Strategy)

	if stamped.Degraded() {
		return models.RunStatusSuccess, fmt.Sprintf("fiscalized; stamped as %s", stamped.Strategy)
	}
	return models.RunStatusSuccess, "fiscalized"
}

// fiscalize writes the posting file and waits for the device's answer.
// Watching starts before the posting file exists so a fast device cannot be missed,
// and an invoice that already has an answer is not posted again.
func (p *Processor) fiscalize(ctx context.Context, inv *models.Invoice, items []models.LineItem) (fiscal.Result, error) {
	corr, err := p.deps.Correlator.Begin(ctx, inv.InvoiceNumber)
	if err != nil {
		return fiscal.Result{}, fmt.Errorf("failed to watch for fiscal response: %w", err)
	}

	select {
	case <-corr.Done():
		return corr.Result(), nil
	default:
	}

	postingPath := filepath.Join(p.cfg.PostingDir, posting.FileName(p.cfg.PostingPrefix, inv.InvoiceNumber))
	if err := p.deps.Files.SaveFile(ctx, postingPath, posting.Encode(inv, items)); err != nil {
		abort, cancel := context.WithCancel(ctx)
		cancel()
		corr.Wait(abort)
		return fiscal.Result{}, err
	}

	p.logger.Info("Posting file written",
		zap.String("invoice_number", inv.InvoiceNumber),
		zap.String("path", postingPath),
		zap.Int("items", len(items)))

	return corr.Wait(ctx), nil
}

func (p *Processor) newRun(ctx context.Context, batchID, path string) *models.InvoiceRun {
	run := &models.InvoiceRun{
		BatchID:   batchID,
		FilePath:  path,
		Status:    models.RunStatusPending,
		StartedAt: p.now(),
	}
	if p.deps.Runs != nil {
		if err := p.deps.Runs.Create(context.WithoutCancel(ctx), run); err != nil {
			p.logger.Warn("Failed to record invoice run", zap.String("file", path), zap.Error(err))
		}
	}
	return run
}

func (p *Processor) finish(ctx context.Context, run *models.InvoiceRun, status, message string) {
	finished := p.now()
	run.Status = status
	run.Message = message
	run.FinishedAt = &finished

	if p.deps.Runs != nil && run.ID != 0 {
		if err := p.deps.Runs.Update(context.WithoutCancel(ctx), run); err != nil {
			p.logger.Warn("Failed to update invoice run", zap.Int64("run_id", run.ID), zap.Error(err))
		}
	}

	fields := []zap.Field{
		zap.String("file", run.FilePath),
		zap.String("invoice_number", run.InvoiceNumber),
		zap.String("status", status),
		zap.String("message", message),
	}
	if status == models.RunStatusFailed {
		p.logger.Error("Invoice failed", fields...)
	} else {
		p.logger.Info("Invoice finished", fields...)
	}
}

func describeOutcome(result fiscal.Result) string {
	switch result.Outcome {
	case fiscal.OutcomeFailure:
		if result.Err != nil {
			return fmt.Sprintf("fiscal response unusable: %v", result.Err)
		}
		return "fiscal device rejected the invoice"
	case fiscal.OutcomeTimeout:
		return "timed out waiting for fiscal response"
	case fiscal.OutcomeCancelled:
		return "cancelled while waiting for fiscal response"
	}
	return fmt.Sprintf("unexpected outcome %q", result.Outcome)
}

func describeError(err error) string {
	var parseErr *models.ParseError
	var ioErr *models.IOError
	var encErr *models.EncodingError
	switch {
	case errors.As(err, &parseErr):
		return "could not read invoice: " + parseErr.Reason
	case errors.As(err, &ioErr):
		return "file error: " + ioErr.Error()
	case errors.As(err, &encErr):
		return "QR encoding failed: " + encErr.Error()
	}
	return err.Error()
}
