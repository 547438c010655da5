package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.New(database.Config{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = database.NewMigrator(db, logger).RunEmbedded(context.Background())
	require.NoError(t, err)
	return db
}

func sampleResponse(invoiceNumber string) *models.FiscalResponseData {
	return &models.FiscalResponseData{
		InvoiceNumber:   invoiceNumber,
		TransactionDate: time.Date(2024, 3, 5, 14, 22, 10, 0, time.UTC),
		TSNum:           "0040612090000000087",
		ControlCode:     "0040612090000000087",
		SerialNumber:    "KRAMW004202207061209",
		FiscalSeal:      "https://itax.kra.go.ke/KRA-Portal/invoiceChk.htm?actionCode=loadPage&invoiceNo=0040612090000000087",
	}
}

func TestFiscalReceiptRepository_FindAndUpsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewFiscalReceiptRepository(db.DB, zap.NewNop())
	ctx := context.Background()

	_, err := repo.FindByInvoiceNumber(ctx, "KE00001017")
	assert.ErrorIs(t, err, models.ErrResponseNotFound)

	require.NoError(t, repo.Upsert(ctx, nil, sampleResponse("KE00001017"), models.ResponseSourceFile))

	got, err := repo.FindByInvoiceNumber(ctx, "KE00001017")
	require.NoError(t, err)
	assert.Equal(t, "KE00001017", got.InvoiceNumber)
	assert.Equal(t, "KRAMW004202207061209", got.SerialNumber)
	assert.True(t, got.TransactionDate.Equal(time.Date(2024, 3, 5, 14, 22, 10, 0, time.UTC)))

	// second upsert replaces rather than duplicates
	updated := sampleResponse("KE00001017")
	updated.SerialNumber = "KRAMW004202207069999"
	require.NoError(t, repo.Upsert(ctx, nil, updated, models.ResponseSourceFile))

	got, err = repo.FindByInvoiceNumber(ctx, "KE00001017")
	require.NoError(t, err)
	assert.Equal(t, "KRAMW004202207069999", got.SerialNumber)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFiscalReceiptRepository_UpsertInTransaction(t *testing.T) {
	db := setupTestDB(t)
	repo := NewFiscalReceiptRepository(db.DB, zap.NewNop())
	ctx := context.Background()

	err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
		return repo.Upsert(ctx, tx, sampleResponse("KE00002000"), models.ResponseSourceFile)
	})
	require.NoError(t, err)

	_, err = repo.FindByInvoiceNumber(ctx, "KE00002000")
	assert.NoError(t, err)
}

func TestFiscalReceiptRepository_CancelledContext(t *testing.T) {
	db := setupTestDB(t)
	repo := NewFiscalReceiptRepository(db.DB, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.FindByInvoiceNumber(ctx, "KE00001017")
	require.Error(t, err)
	assert.NotErrorIs(t, err, models.ErrResponseNotFound)
}

func TestInvoiceRunRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvoiceRunRepository(db.DB, zap.NewNop())
	ctx := context.Background()

	started := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	run := &models.InvoiceRun{
		BatchID:   "batch-1",
		FilePath:  "/input/a.pdf",
		Status:    models.RunStatusPending,
		StartedAt: started,
	}
	require.NoError(t, repo.Create(ctx, run))
	assert.NotZero(t, run.ID)

	ok, err := repo.HasSuccess(ctx, "KE00001017")
	require.NoError(t, err)
	assert.False(t, ok)

	finished := started.Add(3 * time.Second)
	run.InvoiceNumber = "KE00001017"
	run.Status = models.RunStatusSuccess
	run.Message = "stamped"
	run.OutputPath = "/output/Modified_KE00001017_20240305090003.pdf"
	run.StampStrategy = "last_page"
	run.FinishedAt = &finished
	require.NoError(t, repo.Update(ctx, run))

	ok, err = repo.HasSuccess(ctx, "KE00001017")
	require.NoError(t, err)
	assert.True(t, ok)

	runs, err := repo.ListByBatch(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
	assert.Equal(t, "last_page", runs[0].StampStrategy)
	require.NotNil(t, runs[0].FinishedAt)
	assert.True(t, runs[0].FinishedAt.Equal(finished))
}

func TestInvoiceRunRepository_ListOrdering(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvoiceRunRepository(db.DB, zap.NewNop())
	ctx := context.Background()

	for _, status := range []string{models.RunStatusFailed, models.RunStatusSuccess} {
		require.NoError(t, repo.Create(ctx, &models.InvoiceRun{
			BatchID:       "batch-" + status,
			FilePath:      "/input/a.pdf",
			InvoiceNumber: "KE00001017",
			Status:        status,
			StartedAt:     time.Now(),
		}))
	}

	runs, err := repo.ListByInvoiceNumber(ctx, "KE00001017")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunStatusSuccess, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)

	empty, err := repo.ListByBatch(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInvoiceRunRepository_UpdateMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInvoiceRunRepository(db.DB, zap.NewNop())

	err := repo.Update(context.Background(), &models.InvoiceRun{ID: 42, Status: models.RunStatusFailed})
	assert.ErrorIs(t, err, ErrRunNotFound)
}
