package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/tariff"
	"github.com/garyjia/kra-fiscalizer/internal/worker"
	"github.com/garyjia/kra-fiscalizer/pkg/utils"
)

// Version is reported by the health check
const Version = "1.0.0"

// BatchQueue accepts batches and reports on them
type BatchQueue interface {
	Submit(files []string) (string, error)
	Status(id string) (worker.BatchStatus, bool)
}

// TariffService resolves and reloads HS codes
type TariffService interface {
	Reload(path string) (int, error)
	Resolve(itemCode, description string) (string, tariff.Source)
	Materials() int
	ReferencePath() string
}

// ReceiptFinder looks up stored fiscal responses
type ReceiptFinder interface {
	FindByInvoiceNumber(ctx context.Context, invoiceNumber string) (*models.FiscalResponseData, error)
}

// RunLister lists the ledger entries of an invoice
type RunLister interface {
	ListByInvoiceNumber(ctx context.Context, invoiceNumber string) ([]*models.InvoiceRun, error)
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	batches  BatchQueue
	tariffs  TariffService
	receipts ReceiptFinder
	runs     RunLister
	logger   Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(batches BatchQueue, tariffs TariffService, receipts ReceiptFinder, runs RunLister, logger Logger) *Handlers {
	return &Handlers{
		batches:  batches,
		tariffs:  tariffs,
		receipts: receipts,
		runs:     runs,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Version       string `json:"version"`
	Materials     int    `json:"materials"`
	ReferencePath string `json:"reference_path,omitempty"`
}

// SubmitBatchRequest lists the files of a batch; empty means the whole input folder
type SubmitBatchRequest struct {
	Files []string `json:"files"`
}

// SubmitBatchResponse carries the queued batch ID
type SubmitBatchResponse struct {
	BatchID string `json:"batch_id"`
}

// InvoiceResponse combines the stored fiscal response and the run history of an invoice
type InvoiceResponse struct {
	InvoiceNumber string                     `json:"invoice_number"`
	Receipt       *models.FiscalResponseData `json:"receipt,omitempty"`
	Runs          []*models.InvoiceRun       `json:"runs"`
}

// ReloadRequest optionally names a different reference workbook
type ReloadRequest struct {
	Path string `json:"path"`
}

// ReloadResponse reports the loaded reference data
type ReloadResponse struct {
	Materials int    `json:"materials"`
	Path      string `json:"path"`
}

// ResolveRequest is a single line item to classify
type ResolveRequest struct {
	ItemCode    string `json:"item_code"`
	Description string `json:"description"`
}

// ResolveResponse is the resolved HS code and the tier that produced it
type ResolveResponse struct {
	HSCode string `json:"hs_code"`
	Source string `json:"source"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: HealthResponse{
			Status:        "healthy",
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Version:       Version,
			Materials:     h.tariffs.Materials(),
			ReferencePath: h.tariffs.ReferencePath(),
		},
	})
}

// SubmitBatch handles POST /api/batches
func (h *Handlers) SubmitBatch(c *gin.Context) {
	var req SubmitBatchRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "invalid request body", err)
			return
		}
	}

	id, err := h.batches.Submit(req.Files)
	switch {
	case errors.Is(err, worker.ErrNoInputFiles):
		h.badRequest(c, "no input files to process", err)
		return
	case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrNotRunning):
		c.JSON(http.StatusServiceUnavailable, Response{Success: false, Error: err.Error()})
		return
	case err != nil:
		h.internalError(c, "failed to queue batch", err)
		return
	}

	c.JSON(http.StatusAccepted, Response{Success: true, Data: SubmitBatchResponse{BatchID: id}})
}

// GetBatch handles GET /api/batches/:id
func (h *Handlers) GetBatch(c *gin.Context) {
	status, ok := h.batches.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "batch not found"})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: status})
}

// GetInvoice handles GET /api/invoices/:number
func (h *Handlers) GetInvoice(c *gin.Context) {
	number := c.Param("number")
	if err := utils.ValidateInvoiceNumber(number); err != nil {
		h.badRequest(c, err.Error(), err)
		return
	}

	ctx := c.Request.Context()
	resp := InvoiceResponse{InvoiceNumber: number, Runs: []*models.InvoiceRun{}}

	receipt, err := h.receipts.FindByInvoiceNumber(ctx, number)
	switch {
	case err == nil:
		resp.Receipt = receipt
	case !errors.Is(err, models.ErrResponseNotFound):
		h.internalError(c, "failed to load fiscal receipt", err)
		return
	}

	runs, err := h.runs.ListByInvoiceNumber(ctx, number)
	if err != nil {
		h.internalError(c, "failed to load invoice runs", err)
		return
	}
	if len(runs) > 0 {
		resp.Runs = runs
	}

	if resp.Receipt == nil && len(runs) == 0 {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "invoice not found"})
		return
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: resp})
}

// ReloadTariffs handles POST /api/tariffs/reload
func (h *Handlers) ReloadTariffs(c *gin.Context) {
	var req ReloadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "invalid request body", err)
			return
		}
	}

	n, err := h.tariffs.Reload(utils.SanitizeString(req.Path))
	if err != nil {
		var refErr *models.ReferenceDataError
		var ioErr *models.IOError
		if errors.As(err, &refErr) || errors.As(err, &ioErr) {
			h.logger.Errorw("Tariff reload rejected", "error", err)
			c.JSON(http.StatusUnprocessableEntity, Response{Success: false, Error: err.Error()})
			return
		}
		h.internalError(c, "failed to reload tariffs", err)
		return
	}

	h.logger.Infow("Tariff reference data reloaded", "materials", n)
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    ReloadResponse{Materials: n, Path: h.tariffs.ReferencePath()},
	})
}

// ResolveTariff handles POST /api/tariffs/resolve
func (h *Handlers) ResolveTariff(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body", err)
		return
	}

	req.ItemCode = utils.SanitizeString(req.ItemCode)
	if err := utils.ValidateItemCode(req.ItemCode); err != nil {
		h.badRequest(c, err.Error(), err)
		return
	}
	if req.ItemCode == "" && utils.SanitizeString(req.Description) == "" {
		h.badRequest(c, "item_code or description is required", nil)
		return
	}

	code, source := h.tariffs.Resolve(req.ItemCode, req.Description)
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    ResolveResponse{HSCode: code, Source: string(source)},
	})
}

func (h *Handlers) badRequest(c *gin.Context, message string, err error) {
	if err != nil {
		h.logger.Errorw("Bad request", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: message})
}

func (h *Handlers) internalError(c *gin.Context, message string, err error) {
	h.logger.Errorw(message, "error", err)
	c.JSON(http.StatusInternalServerError, Response{Success: false, Error: message})
}
