package tariff

import (
	"regexp"
	"strings"
)

// Default column offsets when neither headers nor contents identify the layout
const (
	defaultMaterialCol    = 0
	defaultDescriptionCol = 1
	defaultCategoryCol    = 2
	defaultHSCodeCol      = 3
)

var headerPhrases = struct {
	material, hsCode, description, category []string
}{
	material:    []string{"material number", "material no", "material code", "material"},
	hsCode:      []string{"hs code", "hscode", "hs-code", "tariff"},
	description: []string{"description", "material desc", "product name"},
	category:    []string{"category", "product group"},
}

var eightDigitsRe = regexp.MustCompile(`^\d{8}$`)

type columns struct {
	Material    int
	HSCode      int
	Description int
	Category    int
	Strategy    string
}

// resolveColumns locates the column roles: header text first, then
// content patterns on the second row, then fixed offsets.
func resolveColumns(rows [][]string) columns {
	header := rows[0]
	cols := columns{
		Material:    findHeader(header, headerPhrases.material, -1),
		HSCode:      -1,
		Description: -1,
		Category:    -1,
		Strategy:    "header",
	}
	cols.HSCode = findHeader(header, headerPhrases.hsCode, cols.Material)
	cols.Description = findHeader(header, headerPhrases.description, cols.Material, cols.HSCode)
	cols.Category = findHeader(header, headerPhrases.category, cols.Material, cols.HSCode, cols.Description)

	if cols.Material < 0 || cols.HSCode < 0 {
		cols.Strategy = "content"
		cols.Material, cols.HSCode = -1, -1
		if len(rows) > 1 {
			sample := rows[1]
			for i, cell := range sample {
				if materialNumberRe.MatchString(strings.TrimSpace(cell)) {
					cols.Material = i
					break
				}
			}
			for i := len(sample) - 1; i >= 0; i-- {
				if i != cols.Material && eightDigitsRe.MatchString(stripDots(sample[i])) {
					cols.HSCode = i
					break
				}
			}
		}
	}

	if cols.Material < 0 || cols.HSCode < 0 {
		cols.Strategy = "default"
		cols.Material = defaultMaterialCol
		cols.HSCode = defaultHSCodeCol
	}

	if cols.Description < 0 {
		cols.Description = firstFree(defaultDescriptionCol, cols.Material, cols.HSCode, cols.Category)
	}
	if cols.Category < 0 {
		cols.Category = firstFree(defaultCategoryCol, cols.Material, cols.HSCode, cols.Description)
	}

	return cols
}

// findHeader returns the first column whose header contains one of the phrases,
// trying phrases in order and skipping columns already taken.
func findHeader(header []string, phrases []string, taken ...int) int {
	for _, phrase := range phrases {
		for i, cell := range header {
			if isTaken(i, taken) {
				continue
			}
			if strings.Contains(strings.ToLower(strings.TrimSpace(cell)), phrase) {
				return i
			}
		}
	}
	return -1
}

func firstFree(preferred int, taken ...int) int {
	if !isTaken(preferred, taken) {
		return preferred
	}
	return -1
}

func isTaken(col int, taken []int) bool {
	for _, t := range taken {
		if t == col {
			return true
		}
	}
	return false
}
