package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/tariff"
	"github.com/garyjia/kra-fiscalizer/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockBatchQueue is a mock batch queue
type MockBatchQueue struct {
	mock.Mock
}

func (m *MockBatchQueue) Submit(files []string) (string, error) {
	args := m.Called(files)
	return args.String(0), args.Error(1)
}

func (m *MockBatchQueue) Status(id string) (worker.BatchStatus, bool) {
	args := m.Called(id)
	return args.Get(0).(worker.BatchStatus), args.Bool(1)
}

// MockTariffService is a mock tariff service
type MockTariffService struct {
	mock.Mock
}

func (m *MockTariffService) Reload(path string) (int, error) {
	args := m.Called(path)
	return args.Int(0), args.Error(1)
}

func (m *MockTariffService) Resolve(itemCode, description string) (string, tariff.Source) {
	args := m.Called(itemCode, description)
	return args.String(0), args.Get(1).(tariff.Source)
}

func (m *MockTariffService) Materials() int {
	return m.Called().Int(0)
}

func (m *MockTariffService) ReferencePath() string {
	return m.Called().String(0)
}

// MockReceipts is a mock receipt finder and run lister
type MockReceipts struct {
	mock.Mock
}

func (m *MockReceipts) FindByInvoiceNumber(ctx context.Context, invoiceNumber string) (*models.FiscalResponseData, error) {
	args := m.Called(invoiceNumber)
	data, _ := args.Get(0).(*models.FiscalResponseData)
	return data, args.Error(1)
}

func (m *MockReceipts) ListByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*models.InvoiceRun, error) {
	args := m.Called(invoiceNumber)
	runs, _ := args.Get(0).([]*models.InvoiceRun)
	return runs, args.Error(1)
}

type testAPI struct {
	server  *Server
	batches *MockBatchQueue
	tariffs *MockTariffService
	store   *MockReceipts
}

func newTestAPI() *testAPI {
	api := &testAPI{
		batches: &MockBatchQueue{},
		tariffs: &MockTariffService{},
		store:   &MockReceipts{},
	}
	logger := zap.NewNop().Sugar()
	handlers := NewHandlers(api.batches, api.tariffs, api.store, api.store, logger)
	api.server = NewServer(DefaultServerConfig(), handlers, logger)
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.server.Router().ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestHealthCheck(t *testing.T) {
	api := newTestAPI()
	api.tariffs.On("Materials").Return(120)
	api.tariffs.On("ReferencePath").Return("data/reference/hs_codes.xlsx")

	rec, resp := api.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, float64(120), data["materials"])
}

func TestRequestID(t *testing.T) {
	api := newTestAPI()
	api.tariffs.On("Materials").Return(0)
	api.tariffs.On("ReferencePath").Return("")

	rec, _ := api.do(t, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "batch-upload-7")
	rec = httptest.NewRecorder()
	api.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, "batch-upload-7", rec.Header().Get(RequestIDHeader))
}

func TestSubmitBatch(t *testing.T) {
	t.Run("explicit files", func(t *testing.T) {
		api := newTestAPI()
		api.batches.On("Submit", []string{"/in/a.pdf"}).Return("batch-1", nil)

		rec, resp := api.do(t, http.MethodPost, "/api/batches", SubmitBatchRequest{Files: []string{"/in/a.pdf"}})

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "batch-1", resp.Data.(map[string]interface{})["batch_id"])
	})

	t.Run("empty body uses input folder", func(t *testing.T) {
		api := newTestAPI()
		api.batches.On("Submit", []string(nil)).Return("batch-2", nil)

		rec, _ := api.do(t, http.MethodPost, "/api/batches", nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		api.batches.AssertExpectations(t)
	})

	t.Run("no input files", func(t *testing.T) {
		api := newTestAPI()
		api.batches.On("Submit", mock.Anything).Return("", worker.ErrNoInputFiles)

		rec, resp := api.do(t, http.MethodPost, "/api/batches", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.False(t, resp.Success)
	})

	t.Run("queue full", func(t *testing.T) {
		api := newTestAPI()
		api.batches.On("Submit", mock.Anything).Return("", worker.ErrQueueFull)

		rec, _ := api.do(t, http.MethodPost, "/api/batches", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestGetBatch(t *testing.T) {
	api := newTestAPI()
	api.batches.On("Status", "batch-1").Return(worker.BatchStatus{
		ID:        "batch-1",
		State:     worker.BatchCompleted,
		Processed: 2,
		QueuedAt:  time.Now(),
		Report:    &models.BatchReport{BatchID: "batch-1", Succeeded: 1, Failed: 1},
	}, true)
	api.batches.On("Status", "missing").Return(worker.BatchStatus{}, false)

	rec, resp := api.do(t, http.MethodGet, "/api/batches/batch-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "completed", data["state"])
	assert.Equal(t, float64(1), data["report"].(map[string]interface{})["failed"])

	rec, _ = api.do(t, http.MethodGet, "/api/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetInvoice(t *testing.T) {
	t.Run("receipt and runs", func(t *testing.T) {
		api := newTestAPI()
		api.store.On("FindByInvoiceNumber", "KE00001017").Return(&models.FiscalResponseData{
			InvoiceNumber: "KE00001017",
			ControlCode:   "1234",
		}, nil)
		api.store.On("ListByInvoiceNumber", "KE00001017").Return([]*models.InvoiceRun{
			{ID: 3, InvoiceNumber: "KE00001017", Status: models.RunStatusSuccess},
		}, nil)

		rec, resp := api.do(t, http.MethodGet, "/api/invoices/KE00001017", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "1234", data["receipt"].(map[string]interface{})["control_code"])
		assert.Len(t, data["runs"], 1)
	})

	t.Run("runs only", func(t *testing.T) {
		api := newTestAPI()
		api.store.On("FindByInvoiceNumber", "KE00001018").Return(nil, models.ErrResponseNotFound)
		api.store.On("ListByInvoiceNumber", "KE00001018").Return([]*models.InvoiceRun{
			{ID: 4, InvoiceNumber: "KE00001018", Status: models.RunStatusFailed},
		}, nil)

		rec, resp := api.do(t, http.MethodGet, "/api/invoices/KE00001018", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, resp.Data.(map[string]interface{})["receipt"])
	})

	t.Run("unknown", func(t *testing.T) {
		api := newTestAPI()
		api.store.On("FindByInvoiceNumber", "KE00009999").Return(nil, models.ErrResponseNotFound)
		api.store.On("ListByInvoiceNumber", "KE00009999").Return(nil, nil)

		rec, _ := api.do(t, http.MethodGet, "/api/invoices/KE00009999", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid number", func(t *testing.T) {
		api := newTestAPI()
		rec, _ := api.do(t, http.MethodGet, "/api/invoices/INV-1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		api.store.AssertNotCalled(t, "FindByInvoiceNumber", mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		api := newTestAPI()
		api.store.On("FindByInvoiceNumber", "KE00001017").Return(nil, errors.New("disk I/O error"))

		rec, _ := api.do(t, http.MethodGet, "/api/invoices/KE00001017", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestReloadTariffs(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		api := newTestAPI()
		api.tariffs.On("Reload", "/data/new.xlsx").Return(42, nil)
		api.tariffs.On("ReferencePath").Return("/data/new.xlsx")

		rec, resp := api.do(t, http.MethodPost, "/api/tariffs/reload", ReloadRequest{Path: "/data/new.xlsx"})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(42), resp.Data.(map[string]interface{})["materials"])
	})

	t.Run("rejected workbook", func(t *testing.T) {
		api := newTestAPI()
		api.tariffs.On("Reload", "").Return(0, &models.ReferenceDataError{
			Source: "hs_codes.xlsx",
			Cause:  models.ErrNoValidReferenceRows,
		})

		rec, resp := api.do(t, http.MethodPost, "/api/tariffs/reload", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Contains(t, resp.Error, "no valid reference rows")
	})
}

func TestResolveTariff(t *testing.T) {
	api := newTestAPI()
	api.tariffs.On("Resolve", "100000000001", "Glyphosate").Return("38089311", tariff.SourceExact)

	rec, resp := api.do(t, http.MethodPost, "/api/tariffs/resolve", ResolveRequest{ItemCode: "100000000001", Description: "Glyphosate"})
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "38089311", data["hs_code"])
	assert.Equal(t, "exact", data["source"])

	rec, _ = api.do(t, http.MethodPost, "/api/tariffs/resolve", ResolveRequest{ItemCode: "123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = api.do(t, http.MethodPost, "/api/tariffs/resolve", ResolveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
