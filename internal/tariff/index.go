// Package tariff resolves HS tariff codes for invoice line items.
package tariff

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"go.uber.org/zap"
)

// DefaultMinVotes is the number of shared description tokens a fuzzy match needs
const DefaultMinVotes = 2

// DefaultFallbackCodes are the category codes used when no material matches
var DefaultFallbackCodes = map[models.Category]string{
	models.CategoryHerbicides:   "38089390",
	models.CategoryInsecticides: "38089190",
	models.CategoryFungicides:   "38089290",
}

var materialNumberRe = regexp.MustCompile(`^\d{12}$`)

// Config holds index configuration
type Config struct {
	MinVotes      int
	FallbackCodes map[models.Category]string
}

// Index holds exact material mappings and the description token index.
// Load replaces the whole state; Resolve only reads it.
type Index struct {
	mu            sync.RWMutex
	materials     map[string]models.MaterialInfo
	byToken       map[string][]string // token -> sorted material numbers
	minVotes      int
	fallbackCodes map[models.Category]string
	logger        *zap.Logger
}

// NewIndex creates an empty index
func NewIndex(cfg Config, logger *zap.Logger) *Index {
	minVotes := cfg.MinVotes
	if minVotes <= 0 {
		minVotes = DefaultMinVotes
	}

	fallback := make(map[models.Category]string, len(DefaultFallbackCodes))
	for category, code := range DefaultFallbackCodes {
		fallback[category] = code
	}
	for category, code := range cfg.FallbackCodes {
		if code = stripDots(code); code != "" {
			fallback[category] = code
		}
	}

	return &Index{
		materials:     make(map[string]models.MaterialInfo),
		byToken:       make(map[string][]string),
		minVotes:      minVotes,
		fallbackCodes: fallback,
		logger:        logger,
	}
}

// Load replaces all mappings with the rows of a reference sheet.
// rows[0] is the header row. Prior mappings are cleared before validation,
// so a rejected load leaves the index empty rather than half-populated.
func (x *Index) Load(rows [][]string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.materials = make(map[string]models.MaterialInfo)
	x.byToken = make(map[string][]string)

	if len(rows) < 2 {
		return &models.ReferenceDataError{Source: "sheet", Rows: len(rows), Cause: models.ErrNoValidReferenceRows}
	}

	cols := resolveColumns(rows)
	header := rows[0]
	materialLabel := cellAt(header, cols.Material)
	hsLabel := cellAt(header, cols.HSCode)

	materials := make(map[string]models.MaterialInfo)
	rejected := 0
	for _, row := range rows[1:] {
		material := strings.TrimSpace(cellAt(row, cols.Material))
		rawHS := strings.TrimSpace(cellAt(row, cols.HSCode))

		if material == materialLabel || rawHS == hsLabel {
			rejected++
			continue
		}
		hs := stripDots(rawHS)
		if !materialNumberRe.MatchString(material) || hs == "" {
			rejected++
			continue
		}

		description := strings.TrimSpace(cellAt(row, cols.Description))
		materials[material] = models.MaterialInfo{
			MaterialNumber: material,
			Description:    description,
			Category:       parseCategory(cellAt(row, cols.Category), description),
			HSCode:         hs,
		}
	}

	if len(materials) == 0 {
		return &models.ReferenceDataError{Source: "sheet", Rows: len(rows) - 1, Cause: models.ErrNoValidReferenceRows}
	}

	x.materials = materials
	x.byToken = buildTokenIndex(materials)

	if x.logger != nil {
		x.logger.Info("Tariff reference data loaded",
			zap.Int("materials", len(materials)),
			zap.Int("tokens", len(x.byToken)),
			zap.Int("rejected_rows", rejected),
			zap.String("columns", cols.String()))
	}

	return nil
}

// Resolve returns an HS code for the item. It never fails:
// exact material match, then fuzzy description match, then category, then the herbicide code.
func (x *Index) Resolve(itemCode, description string) string {
	code, _ := x.ResolveWithSource(itemCode, description)
	return code
}

// Source identifies which tier produced a resolved code
type Source string

const (
	SourceExact    Source = "exact"
	SourceFuzzy    Source = "fuzzy"
	SourceCategory Source = "category"
	SourceDefault  Source = "default"
)

// ResolveWithSource is Resolve that also reports the matching tier
func (x *Index) ResolveWithSource(itemCode, description string) (string, Source) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if info, ok := x.materials[strings.TrimSpace(itemCode)]; ok {
		return info.HSCode, SourceExact
	}

	if material, ok := x.fuzzyMatch(description); ok {
		return x.materials[material].HSCode, SourceFuzzy
	}

	if category, ok := Classify(description); ok {
		return x.fallbackCodes[category], SourceCategory
	}

	return x.fallbackCodes[models.CategoryHerbicides], SourceDefault
}

// fuzzyMatch votes per material number over the description tokens
func (x *Index) fuzzyMatch(description string) (string, bool) {
	votes := make(map[string]int)
	for _, token := range Tokenize(description) {
		for _, material := range x.byToken[token] {
			votes[material]++
		}
	}
	if len(votes) == 0 {
		return "", false
	}

	best, bestVotes := "", 0
	for material, n := range votes {
		if n > bestVotes || (n == bestVotes && material < best) {
			best, bestVotes = material, n
		}
	}

	if bestVotes < x.minVotes {
		return "", false
	}
	return best, true
}

// Material returns the reference row for a material number
func (x *Index) Material(materialNumber string) (models.MaterialInfo, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	info, ok := x.materials[materialNumber]
	return info, ok
}

// Len returns the number of loaded materials
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.materials)
}

// FallbackCode returns the configured code for a category
func (x *Index) FallbackCode(category models.Category) string {
	return x.fallbackCodes[category]
}

func buildTokenIndex(materials map[string]models.MaterialInfo) map[string][]string {
	index := make(map[string][]string)
	for material, info := range materials {
		for _, token := range Tokenize(info.Description) {
			index[token] = append(index[token], material)
		}
	}
	for token := range index {
		sort.Strings(index[token])
	}
	return index
}

// Tokenize lower-cases and splits a description into distinct index tokens,
// dropping tokens of length <= 2 and purely numeric tokens.
func Tokenize(description string) []string {
	fields := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		switch r {
		case ' ', '\t', ',', '.', '-', '/', '+', '(', ')', '[', ']', '{', '}':
			return true
		}
		return false
	})

	seen := make(map[string]bool, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 2 || isNumeric(f) || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func stripDots(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), ".", "")
}

func cellAt(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return row[col]
}

func parseCategory(cell, description string) models.Category {
	upper := strings.ToUpper(cell)
	switch {
	case strings.Contains(upper, "HERB"):
		return models.CategoryHerbicides
	case strings.Contains(upper, "INSECT"):
		return models.CategoryInsecticides
	case strings.Contains(upper, "FUNG"):
		return models.CategoryFungicides
	}
	if category, ok := Classify(description); ok {
		return category
	}
	return ""
}

func (c columns) String() string {
	return fmt.Sprintf("material=%d hs=%d description=%d category=%d (%s)",
		c.Material, c.HSCode, c.Description, c.Category, c.Strategy)
}
