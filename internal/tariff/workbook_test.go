package tariff

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func writeWorkbook(t *testing.T, rows [][]string) string {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, row := range rows {
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow(sheet, cell, &values))
	}

	path := filepath.Join(t.TempDir(), "reference.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func TestIndex_LoadWorkbook(t *testing.T) {
	path := writeWorkbook(t, referenceRows())

	idx := NewIndex(Config{}, zap.NewNop())
	require.NoError(t, idx.LoadWorkbook(path))

	assert.Equal(t, 5, idx.Len())
	assert.Equal(t, "38089111", idx.Resolve("100000000002", ""))
}

func TestIndex_LoadWorkbookMissingFile(t *testing.T) {
	idx := NewIndex(Config{}, zap.NewNop())
	require.NoError(t, idx.Load(referenceRows()))

	err := idx.LoadWorkbook(filepath.Join(t.TempDir(), "missing.xlsx"))

	var ioErr *models.IOError
	require.True(t, errors.As(err, &ioErr))
	assert.Equal(t, 0, idx.Len())
}

func TestIndex_LoadWorkbookWithoutValidRows(t *testing.T) {
	path := writeWorkbook(t, [][]string{
		{"Material Number", "Description", "Category", "HS Code"},
		{"not-a-material", "Glyphosate", "HERBICIDES", "38089390"},
	})

	idx := NewIndex(Config{}, zap.NewNop())
	err := idx.LoadWorkbook(path)

	var refErr *models.ReferenceDataError
	require.True(t, errors.As(err, &refErr))
	assert.Equal(t, path, refErr.Source)
	assert.ErrorIs(t, err, models.ErrNoValidReferenceRows)
}
