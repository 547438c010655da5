package tariff

import (
	"errors"
	"fmt"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/xuri/excelize/v2"
)

// ReadWorkbook returns the rows of the first sheet of an .xlsx reference file
func ReadWorkbook(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, models.NewIOError("open workbook", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &models.ReferenceDataError{Source: path, Cause: fmt.Errorf("workbook has no sheets")}
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, models.NewIOError("read sheet", path, err)
	}
	return rows, nil
}

// LoadWorkbook reads path and replaces the index contents with it
func (x *Index) LoadWorkbook(path string) error {
	rows, err := ReadWorkbook(path)
	if err != nil {
		x.Clear()
		return err
	}
	if err := x.Load(rows); err != nil {
		var refErr *models.ReferenceDataError
		if errors.As(err, &refErr) {
			refErr.Source = path
		}
		return err
	}
	return nil
}

// Clear drops every mapping
func (x *Index) Clear() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.materials = make(map[string]models.MaterialInfo)
	x.byToken = make(map[string][]string)
}
