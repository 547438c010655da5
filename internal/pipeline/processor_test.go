package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/fiscal"
	"github.com/garyjia/kra-fiscalizer/internal/invoice"
	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/posting"
	"github.com/garyjia/kra-fiscalizer/internal/stamper"
	"github.com/garyjia/kra-fiscalizer/internal/tariff"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testInvoice  = "KE00001017"
	responseBody = "TSIN:KE00001017\nCUIN:1234\nCUSN:5678\nDATE:2025-05-20 10:00:00\nhttps://verify.example/abc\n"
)

// stubParser returns a fixed invoice, or err
type stubParser struct {
	inv *models.Invoice
	err error
}

func (s *stubParser) ParseDocument(_ invoice.TextSource, path string) (*models.Invoice, error) {
	if s.err != nil {
		return nil, s.err
	}
	inv := *s.inv
	inv.SourceFile = path
	return &inv, nil
}

type watchSub struct {
	dir, name string
	fn        func(string)
}

// deviceWatcher hands subscriptions to the simulated fiscal device
type deviceWatcher struct {
	mu   sync.Mutex
	subs map[int]watchSub
	next int
}

func (w *deviceWatcher) Watch(dir, name string, fn func(string)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.subs == nil {
		w.subs = make(map[int]watchSub)
	}
	w.next++
	id := w.next
	w.subs[id] = watchSub{dir, name, fn}
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.subs, id)
	}, nil
}

func (w *deviceWatcher) fire(dir, name string) {
	w.mu.Lock()
	var fns []func(string)
	for _, sub := range w.subs {
		if sub.dir == dir && sub.name == name {
			fns = append(fns, sub.fn)
		}
	}
	w.mu.Unlock()
	for _, fn := range fns {
		fn(filepath.Join(dir, name))
	}
}

func (w *deviceWatcher) active() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

type deviceMode int

const (
	deviceSilent deviceMode = iota
	deviceAccept
	deviceReject
)

// fakeDevice records posting files and answers them the way the fiscal device would
type fakeDevice struct {
	t       *testing.T
	mode    deviceMode
	sentDir string
	failDir string
	watcher *deviceWatcher
	saveErr error

	mu     sync.Mutex
	posted map[string][]byte
}

func (d *fakeDevice) SaveFile(_ context.Context, fullPath string, content []byte) error {
	if d.saveErr != nil {
		return d.saveErr
	}
	d.mu.Lock()
	if d.posted == nil {
		d.posted = make(map[string][]byte)
	}
	d.posted[fullPath] = content
	d.mu.Unlock()

	name := filepath.Base(fullPath)
	switch d.mode {
	case deviceAccept:
		require.NoError(d.t, os.WriteFile(filepath.Join(d.sentDir, "R_"+name), []byte(responseBody), 0644))
		go d.watcher.fire(d.sentDir, "R_"+name)
	case deviceReject:
		require.NoError(d.t, os.WriteFile(filepath.Join(d.failDir, name), []byte("error"), 0644))
		go d.watcher.fire(d.failDir, name)
	}
	return nil
}

func (d *fakeDevice) postings() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.posted))
	for k, v := range d.posted {
		out[k] = v
	}
	return out
}

// memoryReceipts is an in-memory receipt store
type memoryReceipts struct {
	mu   sync.Mutex
	rows map[string]models.FiscalResponseData
}

func (m *memoryReceipts) FindByInvoiceNumber(_ context.Context, invoiceNumber string) (*models.FiscalResponseData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[invoiceNumber]
	if !ok {
		return nil, models.ErrResponseNotFound
	}
	return &row, nil
}

func (m *memoryReceipts) Upsert(_ context.Context, _ *sql.Tx, data *models.FiscalResponseData, _ models.ResponseSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[string]models.FiscalResponseData)
	}
	m.rows[data.InvoiceNumber] = *data
	return nil
}

// memoryRuns is an in-memory run ledger
type memoryRuns struct {
	mu      sync.Mutex
	runs    map[int64]models.InvoiceRun
	next    int64
	success map[string]bool
}

func (m *memoryRuns) Create(_ context.Context, run *models.InvoiceRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[int64]models.InvoiceRun)
	}
	m.next++
	run.ID = m.next
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRuns) Update(_ context.Context, run *models.InvoiceRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	if run.Status == models.RunStatusSuccess {
		if m.success == nil {
			m.success = make(map[string]bool)
		}
		m.success[run.InvoiceNumber] = true
	}
	return nil
}

func (m *memoryRuns) HasSuccess(_ context.Context, invoiceNumber string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.success[invoiceNumber], nil
}

// MockQR is a mock QR writer
type MockQR struct {
	mock.Mock
}

func (m *MockQR) WriteForInvoice(invoiceNumber, seal string) (string, error) {
	args := m.Called(invoiceNumber, seal)
	return args.String(0), args.Error(1)
}

func (m *MockQR) FindExisting(invoiceNumber string) (string, bool) {
	args := m.Called(invoiceNumber)
	return args.String(0), args.Bool(1)
}

// MockStamper is a mock PDF stamper
type MockStamper struct {
	mock.Mock
}

func (m *MockStamper) Stamp(ctx context.Context, req stamper.Request) (*stamper.Result, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*stamper.Result)
	return result, args.Error(1)
}

type harness struct {
	processor *Processor
	device    *fakeDevice
	watcher   *deviceWatcher
	receipts  *memoryReceipts
	runs      *memoryRuns
	qr        *MockQR
	stamp     *MockStamper
	parser    *stubParser
	dirs      map[string]string
}

func sampleInvoice() *models.Invoice {
	return &models.Invoice{
		InvoiceNumber: testInvoice,
		FederalTaxID:  "P051234567X",
		LineItems: []models.LineItem{{
			ItemCode:               "100000000001",
			Description:            "Glyphosate 480 SL",
			Quantity:               decimal.RequireFromString("2"),
			UnitPriceAfterDiscount: decimal.RequireFromString("150.50"),
			Amount:                 decimal.RequireFromString("301.00"),
		}},
	}
}

func newHarness(t *testing.T, mode deviceMode, timeout time.Duration) *harness {
	t.Helper()
	root := t.TempDir()
	dirs := map[string]string{}
	for _, name := range []string{"sent", "fail", "posting"} {
		dirs[name] = filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dirs[name], 0755))
	}

	logger := zap.NewNop()
	watcher := &deviceWatcher{}
	receipts := &memoryReceipts{}
	device := &fakeDevice{t: t, mode: mode, sentDir: dirs["sent"], failDir: dirs["fail"], watcher: watcher}

	correlator := fiscal.NewCorrelator(fiscal.Config{
		SentDir:         dirs["sent"],
		FailDir:         dirs["fail"],
		PostingPrefix:   "SI_",
		ResponsePrefix:  "R_",
		WaitTimeout:     timeout,
		ParseRetries:    1,
		ParseRetryDelay: 10 * time.Millisecond,
		ResponseSettle:  20 * time.Millisecond,
	}, receipts, watcher, logger)

	session := NewSession(tariff.Config{}, "", logger)
	require.NoError(t, session.LoadRows([][]string{
		{"Material", "Description", "Category", "HS Code"},
		{"100000000001", "Glyphosate 480 SL", "HERBICIDES", "3808.93.11"},
	}))

	h := &harness{
		device:   device,
		watcher:  watcher,
		receipts: receipts,
		runs:     &memoryRuns{},
		qr:       &MockQR{},
		stamp:    &MockStamper{},
		parser:   &stubParser{inv: sampleInvoice()},
		dirs:     dirs,
	}
	h.processor = NewProcessor(Config{PostingDir: dirs["posting"], PostingPrefix: "SI_"}, Dependencies{
		Session:    session,
		Parser:     h.parser,
		Correlator: correlator,
		Receipts:   receipts,
		Runs:       h.runs,
		QR:         h.qr,
		Stamper:    h.stamp,
		Files:      device,
	}, logger)
	return h
}

func TestProcessInvoice_Success(t *testing.T) {
	h := newHarness(t, deviceAccept, 5*time.Second)
	h.qr.On("WriteForInvoice", testInvoice, "https://verify.example/abc").Return("/qr/KE00001017.png", nil)
	h.stamp.On("Stamp", mock.Anything, mock.MatchedBy(func(req stamper.Request) bool {
		return req.InvoiceNumber == testInvoice &&
			req.SourcePDF == "/input/invoice.pdf" &&
			req.QRImage == "/qr/KE00001017.png" &&
			req.Footer != ""
	})).Return(&stamper.Result{Strategy: stamper.StrategyLastPage, OutputPath: "/out/Modified_KE00001017.pdf"}, nil)

	run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")

	assert.Equal(t, models.RunStatusSuccess, run.Status, run.Message)
	assert.Equal(t, "fiscalized", run.Message)
	assert.Equal(t, testInvoice, run.InvoiceNumber)
	assert.Equal(t, "/out/Modified_KE00001017.pdf", run.OutputPath)
	assert.Equal(t, "last_page", run.StampStrategy)
	require.NotNil(t, run.FinishedAt)

	postings := h.device.postings()
	body, ok := postings[filepath.Join(h.dirs["posting"], "SI_KE00001017.txt")]
	require.True(t, ok)

	record, err := posting.Decode(body)
	require.NoError(t, err)
	require.Len(t, record.Items, 1)
	assert.Equal(t, "38089311", record.Items[0].HSCode)

	// a response read from a file is kept for later runs
	stored, err := h.receipts.FindByInvoiceNumber(context.Background(), testInvoice)
	require.NoError(t, err)
	assert.Equal(t, "1234", stored.ControlCode)

	assert.Equal(t, 0, h.watcher.active())
	h.qr.AssertExpectations(t)
	h.stamp.AssertExpectations(t)
}

func TestProcessInvoice_PreexistingResponseIsNotPostedAgain(t *testing.T) {
	h := newHarness(t, deviceSilent, time.Second)
	require.NoError(t, h.receipts.Upsert(context.Background(), nil, &models.FiscalResponseData{
		InvoiceNumber: testInvoice,
		FiscalSeal:    "https://verify.example/stored",
	}, models.ResponseSourceFile))

	h.qr.On("WriteForInvoice", testInvoice, "https://verify.example/stored").Return("/qr/KE00001017.png", nil)
	h.stamp.On("Stamp", mock.Anything, mock.Anything).
		Return(&stamper.Result{Strategy: stamper.StrategyCoverPage, OutputPath: "/out/Fiscal_KE00001017.pdf"}, nil)

	run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")

	assert.Equal(t, models.RunStatusSuccess, run.Status, run.Message)
	assert.Equal(t, "fiscalized; stamped as cover_page", run.Message)
	assert.Empty(t, h.device.postings())
}

func TestProcessInvoice_Failures(t *testing.T) {
	t.Run("device rejects", func(t *testing.T) {
		h := newHarness(t, deviceReject, 5*time.Second)
		run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "fiscal device rejected the invoice", run.Message)
		h.stamp.AssertNotCalled(t, "Stamp", mock.Anything, mock.Anything)
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, deviceSilent, 50*time.Millisecond)
		run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "timed out waiting for fiscal response", run.Message)
		assert.Equal(t, 0, h.watcher.active())
	})

	t.Run("parse error", func(t *testing.T) {
		h := newHarness(t, deviceAccept, time.Second)
		h.parser.err = models.NewParseError("scan.pdf", "invoice number not found", models.ErrInvoiceNumberNotFound)
		run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/scan.pdf")
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "could not read invoice: invoice number not found", run.Message)
		assert.Empty(t, run.InvoiceNumber)
	})

	t.Run("posting write fails", func(t *testing.T) {
		h := newHarness(t, deviceAccept, 5*time.Second)
		h.device.saveErr = models.NewIOError("write", "/posting/SI_KE00001017.txt", os.ErrPermission)
		run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Contains(t, run.Message, "file error")
		assert.Equal(t, 0, h.watcher.active())
	})

	t.Run("every stamp strategy fails", func(t *testing.T) {
		h := newHarness(t, deviceAccept, 5*time.Second)
		h.qr.On("WriteForInvoice", testInvoice, mock.Anything).Return("/qr/KE00001017.png", nil)
		h.stamp.On("Stamp", mock.Anything, mock.Anything).Return(nil, errors.New("all stamping strategies failed"))
		run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")
		assert.Equal(t, models.RunStatusFailed, run.Status)
		assert.Equal(t, "all stamping strategies failed", run.Message)
	})
}

func TestProcessInvoice_QRFallsBackToExistingImage(t *testing.T) {
	h := newHarness(t, deviceAccept, 5*time.Second)
	h.qr.On("WriteForInvoice", testInvoice, mock.Anything).
		Return("", &models.EncodingError{Content: "x", Cause: errors.New("data too long")})
	h.qr.On("FindExisting", testInvoice).Return("/qr/QR_KE00001017_20240101.png", true)
	h.stamp.On("Stamp", mock.Anything, mock.MatchedBy(func(req stamper.Request) bool {
		return req.QRImage == "/qr/QR_KE00001017_20240101.png"
	})).Return(&stamper.Result{Strategy: stamper.StrategyLastPage, OutputPath: "/out/x.pdf"}, nil)

	run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")
	assert.Equal(t, models.RunStatusSuccess, run.Status, run.Message)
}

func TestProcessBatch(t *testing.T) {
	h := newHarness(t, deviceAccept, 5*time.Second)
	h.qr.On("WriteForInvoice", testInvoice, mock.Anything).Return("/qr/KE00001017.png", nil)
	h.stamp.On("Stamp", mock.Anything, mock.Anything).
		Return(&stamper.Result{Strategy: stamper.StrategyLastPage, OutputPath: "/out/x.pdf"}, nil)

	var seen []string
	report := h.processor.ProcessBatch(context.Background(), "b1",
		[]string{"/input/a.pdf", "/input/notes.txt", "/input/a-copy.PDF"},
		func(run *models.InvoiceRun) { seen = append(seen, run.Status) })

	assert.Equal(t, []string{models.RunStatusSuccess, models.RunStatusSkipped, models.RunStatusSkipped}, seen)
	assert.Equal(t, 3, report.Total())
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, "not a PDF document", report.Runs[1].Message)
	assert.Equal(t, "already fiscalized", report.Runs[2].Message)

	for _, run := range report.Runs {
		assert.True(t, run.IsFinal())
		assert.NotZero(t, run.ID)
	}
}

func TestProcessBatch_CancelledSkipsRemaining(t *testing.T) {
	h := newHarness(t, deviceSilent, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := h.processor.ProcessBatch(ctx, "b1", []string{"/input/a.pdf", "/input/b.pdf"}, nil)
	assert.Equal(t, 2, report.Skipped)
	assert.Equal(t, "batch cancelled", report.Runs[0].Message)
	assert.Empty(t, h.device.postings())
}

func TestProcessInvoice_ContinuesAfterPanic(t *testing.T) {
	h := newHarness(t, deviceAccept, 5*time.Second)
	h.qr.On("WriteForInvoice", testInvoice, mock.Anything).Run(func(mock.Arguments) {
		panic("renderer exploded")
	}).Return("", nil)

	run := h.processor.ProcessInvoice(context.Background(), "b1", "/input/invoice.pdf")
	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Contains(t, run.Message, "renderer exploded")
}
