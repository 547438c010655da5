package fiscal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"go.uber.org/zap"
)

// Store looks up fiscal responses by invoice number.
// It returns models.ErrResponseNotFound when no row exists.
type Store interface {
	FindByInvoiceNumber(ctx context.Context, invoiceNumber string) (*models.FiscalResponseData, error)
}

// Outcome is the terminal state of a correlation
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is what a correlation resolved to. Data is nil unless Outcome is success.
type Result struct {
	InvoiceNumber string
	Outcome       Outcome
	Data          *models.FiscalResponseData
	Source        models.ResponseSource
	Preexisting   bool
	Path          string
	Err           error
}

// Config holds correlator configuration
type Config struct {
	SentDir         string
	FailDir         string
	PostingPrefix   string
	ResponsePrefix  string
	WaitTimeout     time.Duration
	ParseRetries    int
	ParseRetryDelay time.Duration

	// ResponseSettle is how long an unreadable response file may stay quiet before
	// the correlation fails; another write to it within that time starts over.
	ResponseSettle time.Duration
}

const (
	defaultWaitTimeout     = 2 * time.Minute
	defaultParseRetries    = 3
	defaultParseRetryDelay = 250 * time.Millisecond
	defaultResponseSettle  = 2 * time.Second
)

// Correlator pairs outbound posting files with inbound responses
type Correlator struct {
	cfg     Config
	store   Store
	watcher Watcher
	logger  *zap.Logger
}

// NewCorrelator creates a new correlator
func NewCorrelator(cfg Config, store Store, watcher Watcher, logger *zap.Logger) *Correlator {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.ParseRetries <= 0 {
		cfg.ParseRetries = defaultParseRetries
	}
	if cfg.ParseRetryDelay <= 0 {
		cfg.ParseRetryDelay = defaultParseRetryDelay
	}
	if cfg.ResponseSettle <= 0 {
		cfg.ResponseSettle = defaultResponseSettle
	}
	return &Correlator{cfg: cfg, store: store, watcher: watcher, logger: logger}
}

// ResponseFileName returns the expected response file name, e.g. R_SI_KE00001017.txt
func (c *Correlator) ResponseFileName(invoiceNumber string) string {
	return c.cfg.ResponsePrefix + c.cfg.PostingPrefix + invoiceNumber + ".txt"
}

// FailureFileName returns the expected failure marker name, e.g. SI_KE00001017.txt
func (c *Correlator) FailureFileName(invoiceNumber string) string {
	return c.cfg.PostingPrefix + invoiceNumber + ".txt"
}

// AwaitResponse begins a correlation and waits for it to resolve
func (c *Correlator) AwaitResponse(ctx context.Context, invoiceNumber string) (Result, error) {
	corr, err := c.Begin(ctx, invoiceNumber)
	if err != nil {
		return Result{}, err
	}
	return corr.Wait(ctx), nil
}

// Begin checks for an existing result, and otherwise starts watching for the
// response file, the failure marker and the wait timeout. The returned
// Correlation is owned by the caller.
func (c *Correlator) Begin(ctx context.Context, invoiceNumber string) (*Correlation, error) {
	corrCtx, cancel := context.WithCancel(context.Background())
	corr := &Correlation{
		invoiceNumber: invoiceNumber,
		correlator:    c,
		ctx:           corrCtx,
		done:          make(chan struct{}),
	}
	corr.addCleanup(cancel)

	if result, ok := c.checkExisting(ctx, invoiceNumber); ok {
		corr.complete(result)
		return corr, nil
	}

	cancelSuccess, err := c.watcher.Watch(c.cfg.SentDir, c.ResponseFileName(invoiceNumber), func(path string) {
		go corr.onResponseFile(path)
	})
	if err != nil {
		corr.complete(Result{InvoiceNumber: invoiceNumber, Outcome: OutcomeFailure, Err: err})
		return nil, err
	}
	corr.addCleanup(cancelSuccess)

	cancelFailure, err := c.watcher.Watch(c.cfg.FailDir, c.FailureFileName(invoiceNumber), func(path string) {
		corr.complete(Result{InvoiceNumber: invoiceNumber, Outcome: OutcomeFailure, Path: path})
	})
	if err != nil {
		corr.complete(Result{InvoiceNumber: invoiceNumber, Outcome: OutcomeFailure, Err: err})
		return nil, err
	}
	corr.addCleanup(cancelFailure)

	timer := time.AfterFunc(c.cfg.WaitTimeout, corr.onTimeout)
	corr.addCleanup(func() { timer.Stop() })

	c.logger.Debug("Watching for fiscal response",
		zap.String("invoice_number", invoiceNumber),
		zap.Duration("timeout", c.cfg.WaitTimeout))

	// An artifact written between the first check and the watch registration raises no event
	if result, ok := c.checkExisting(ctx, invoiceNumber); ok {
		corr.complete(result)
	}

	return corr, nil
}

// checkExisting looks for a stored row, then a response file, then a failure marker
func (c *Correlator) checkExisting(ctx context.Context, invoiceNumber string) (Result, bool) {
	if data, ok := c.lookupStore(ctx, invoiceNumber); ok {
		return Result{InvoiceNumber: invoiceNumber, Outcome: OutcomeSuccess, Data: data,
			Source: models.ResponseSourceStore, Preexisting: true}, true
	}

	responsePath := filepath.Join(c.cfg.SentDir, c.ResponseFileName(invoiceNumber))
	if fileExists(responsePath) {
		data, err := ParseResponseFile(responsePath)
		if err == nil {
			data.InvoiceNumber = invoiceNumber
			return Result{InvoiceNumber: invoiceNumber, Outcome: OutcomeSuccess, Data: data,
				Source: models.ResponseSourceFile, Preexisting: true, Path: responsePath}, true
		}
		c.logger.Warn("Existing response file could not be parsed",
			zap.String("invoice_number", invoiceNumber),
			zap.String("path", responsePath),
			zap.Error(err))
	}

	failurePath := filepath.Join(c.cfg.FailDir, c.FailureFileName(invoiceNumber))
	if fileExists(failurePath) {
		return Result{InvoiceNumber: invoiceNumber, Outcome: OutcomeFailure,
			Preexisting: true, Path: failurePath}, true
	}

	return Result{}, false
}

func (c *Correlator) lookupStore(ctx context.Context, invoiceNumber string) (*models.FiscalResponseData, bool) {
	if c.store == nil {
		return nil, false
	}
	data, err := c.store.FindByInvoiceNumber(ctx, invoiceNumber)
	if err != nil {
		if !errors.Is(err, models.ErrResponseNotFound) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Fiscal response lookup failed",
				zap.String("invoice_number", invoiceNumber),
				zap.Error(err))
		}
		return nil, false
	}
	data.InvoiceNumber = invoiceNumber
	if data.FiscalFooter == "" {
		data.FiscalFooter = FormatFooter(data)
	}
	return data, true
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Correlation is one in-flight wait for an invoice's fiscal response.
// Exactly one completion sets the result; every registered cleanup runs once after it.
type Correlation struct {
	invoiceNumber string
	correlator    *Correlator
	ctx           context.Context

	resolved atomic.Bool
	done     chan struct{}
	result   Result

	// responseEvents counts response file events; only the latest one may fail the correlation
	responseEvents atomic.Uint64

	mu       sync.Mutex
	cleanups []func()
	cleaned  bool
}

// InvoiceNumber returns the invoice this correlation waits for
func (c *Correlation) InvoiceNumber() string {
	return c.invoiceNumber
}

// Done is closed once the correlation has resolved and cleaned up
func (c *Correlation) Done() <-chan struct{} {
	return c.done
}

// Result returns the resolved result; it is only meaningful after Done is closed
func (c *Correlation) Result() Result {
	<-c.done
	return c.result
}

// Wait blocks until the correlation resolves or ctx ends
func (c *Correlation) Wait(ctx context.Context) Result {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.complete(Result{InvoiceNumber: c.invoiceNumber, Outcome: OutcomeCancelled, Err: ctx.Err()})
		<-c.done
	}
	return c.result
}

// complete resolves the correlation if nothing else has yet
func (c *Correlation) complete(result Result) bool {
	if !c.resolved.CompareAndSwap(false, true) {
		return false
	}
	defer close(c.done)
	defer c.cleanup()

	c.result = result
	c.correlator.logger.Info("Fiscal response correlation resolved",
		zap.String("invoice_number", c.invoiceNumber),
		zap.String("outcome", string(result.Outcome)),
		zap.String("source", string(result.Source)),
		zap.Bool("preexisting", result.Preexisting))
	return true
}

// addCleanup registers fn to run at resolution, or runs it now when already resolved
func (c *Correlation) addCleanup(fn func()) {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		fn()
		return
	}
	c.cleanups = append(c.cleanups, fn)
	c.mu.Unlock()
}

func (c *Correlation) cleanup() {
	c.mu.Lock()
	c.cleaned = true
	fns := c.cleanups
	c.cleanups = nil
	c.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.correlator.logger.Error("Correlation cleanup panicked",
						zap.String("invoice_number", c.invoiceNumber),
						zap.Any("panic", r))
				}
			}()
			fns[i]()
		}()
	}
}

// onResponseFile resolves from the store first, then from the file itself.
// The file may still be being written, so parsing is retried a few times, and a file
// that stays unreadable only fails the correlation after ResponseSettle without
// another event for it. A newer event takes over from an older one.
func (c *Correlation) onResponseFile(path string) {
	if c.resolved.Load() {
		return
	}
	event := c.responseEvents.Add(1)
	superseded := func() bool { return c.responseEvents.Load() != event }

	cfg := c.correlator.cfg
	var lastErr error
	for attempt := 0; attempt <= cfg.ParseRetries; attempt++ {
		delay := cfg.ParseRetryDelay
		if attempt == cfg.ParseRetries {
			delay = cfg.ResponseSettle
		}
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}
			if superseded() {
				return
			}
		}

		if c.tryResolve(path, &lastErr) {
			return
		}
	}

	c.correlator.logger.Warn("Response file could not be parsed",
		zap.String("invoice_number", c.invoiceNumber),
		zap.String("path", path),
		zap.Error(lastErr))
	c.complete(Result{InvoiceNumber: c.invoiceNumber, Outcome: OutcomeFailure, Path: path, Err: lastErr})
}

// tryResolve checks the store, then parses the file; it records a parse failure in lastErr
func (c *Correlation) tryResolve(path string, lastErr *error) bool {
	if data, ok := c.correlator.lookupStore(c.ctx, c.invoiceNumber); ok {
		c.complete(Result{InvoiceNumber: c.invoiceNumber, Outcome: OutcomeSuccess, Data: data,
			Source: models.ResponseSourceStore, Path: path})
		return true
	}

	data, err := ParseResponseFile(path)
	if err != nil {
		*lastErr = err
		return false
	}
	data.InvoiceNumber = c.invoiceNumber
	c.complete(Result{InvoiceNumber: c.invoiceNumber, Outcome: OutcomeSuccess, Data: data,
		Source: models.ResponseSourceFile, Path: path})
	return true
}

// onTimeout makes one last store check before giving up
func (c *Correlation) onTimeout() {
	if c.resolved.Load() {
		return
	}
	if data, ok := c.correlator.lookupStore(c.ctx, c.invoiceNumber); ok {
		c.complete(Result{InvoiceNumber: c.invoiceNumber, Outcome: OutcomeSuccess, Data: data,
			Source: models.ResponseSourceStore})
		return
	}
	c.complete(Result{InvoiceNumber: c.invoiceNumber, Outcome: OutcomeTimeout})
}
