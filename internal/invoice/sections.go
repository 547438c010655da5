package invoice

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/models"
)

// Strategy names the line-item section locator that produced the items
type Strategy string

const (
	StrategyHeader     Strategy = "header"
	StrategyLineNumber Strategy = "line_number"
	StrategyItemScan   Strategy = "item_scan"
)

var (
	itemHeaderRe     = regexp.MustCompile(`(?i)\b(item|sr\.?\s*no)\b.*\bamount\b`)
	itemLineRe       = regexp.MustCompile(`^\s*(?:(\d{1,3})\s+)?(\d{12})\b\s*(.*)$`)
	lineNumberItemRe = regexp.MustCompile(`^\s*(\d{1,3})\s+(\d{12})\b`)
	itemCodeRe       = regexp.MustCompile(`\b\d{12}\b`)

	endMarkerRe = []*regexp.Regexp{
		regexp.MustCompile(`(?i)bank\s+information`),
		regexp.MustCompile(`(?i)sub\s?total`),
		regexp.MustCompile(`(?i)^\s*account\s+name`),
		regexp.MustCompile(`(?i)^\s*total\s*:\s*$`),
	}
)

func isEndMarker(line string) bool {
	for _, re := range endMarkerRe {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// locator finds line items with one section strategy; nil means the strategy did not apply
type locator struct {
	strategy Strategy
	locate   func(lines []string) []models.LineItem
}

var locators = []locator{
	{StrategyHeader, headerSection},
	{StrategyLineNumber, lineNumberSection},
	{StrategyItemScan, itemScan},
}

// extractLineItems tries each locator in order, from the strictest to the most permissive
func extractLineItems(lines []string) ([]models.LineItem, Strategy) {
	for _, l := range locators {
		if items := l.locate(lines); len(items) > 0 {
			return items, l.strategy
		}
	}
	return nil, ""
}

// headerSection reads the rows between an item/amount column header and the first end marker
func headerSection(lines []string) []models.LineItem {
	start := -1
	for i, line := range lines {
		if itemHeaderRe.MatchString(line) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}
	return itemsInRange(lines, start, sectionEnd(lines, start, len(lines)), false)
}

// lineNumberSection spans from the first "<n> <item code>" row to the line after the last one.
// Repeated (line number, item code) pairs are skipped.
func lineNumberSection(lines []string) []models.LineItem {
	first, last := -1, -1
	for i, line := range lines {
		if lineNumberItemRe.MatchString(line) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}
	end := last + 2
	if end > len(lines) {
		end = len(lines)
	}
	return itemsInRange(lines, first, sectionEnd(lines, first+1, end), true)
}

func sectionEnd(lines []string, from, limit int) int {
	for i := from; i < limit; i++ {
		if isEndMarker(lines[i]) {
			return i
		}
	}
	return limit
}

func itemsInRange(lines []string, start, end int, dedupe bool) []models.LineItem {
	var items []models.LineItem
	seen := make(map[string]bool)

	for i := start; i < end; i++ {
		m := itemLineRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}

		lineNumber := len(items) + 1
		if m[1] != "" {
			lineNumber, _ = strconv.Atoi(m[1])
		}
		if dedupe {
			key := m[1] + "|" + m[2]
			if seen[key] {
				continue
			}
			seen[key] = true
		}

		next := ""
		if i+1 < end && !itemLineRe.MatchString(lines[i+1]) {
			next = lines[i+1]
		}

		items = append(items, buildLineItem(lineNumber, m[2], m[3], next, false))
	}
	return items
}

// itemScan treats every standalone 12-digit code in the document as a line item
func itemScan(lines []string) []models.LineItem {
	var items []models.LineItem
	for i, line := range lines {
		locs := itemCodeRe.FindAllStringIndex(line, -1)
		for j, loc := range locs {
			restEnd := len(line)
			if j+1 < len(locs) {
				restEnd = locs[j+1][0]
			}
			next := ""
			if i+1 < len(lines) && !itemCodeRe.MatchString(lines[i+1]) {
				next = lines[i+1]
			}
			code := line[loc[0]:loc[1]]
			items = append(items, buildLineItem(len(items)+1, code, line[loc[1]:restEnd], next, true))
		}
	}
	return items
}

// buildLineItem resolves the description and numeric fields of one row.
// With priceFromAmount set, a missing unit price falls back to the net unit price.
func buildLineItem(lineNumber int, code, rest, nextLine string, priceFromAmount bool) models.LineItem {
	description, cur := splitRow(rest)
	nextText, next := splitRow(nextLine)
	if isEndMarker(nextLine) {
		nextText, next = "", rowValues{}
	}

	description = strings.TrimSpace(description)
	if description == "" {
		description = strings.TrimSpace(nextText)
	}

	f := resolveFields(cur, next)

	unitPrice := f.unitPrice.value
	if priceFromAmount && !f.unitPrice.found() {
		unitPrice = f.unitPriceAfterDiscount.value
	}

	return models.LineItem{
		LineNumber:             lineNumber,
		ItemCode:               code,
		Description:            description,
		Quantity:               f.quantity.value,
		UnitPrice:              unitPrice,
		DiscountPercent:        f.discount.value,
		UnitPriceAfterDiscount: f.unitPriceAfterDiscount.value,
		Amount:                 f.amount.value,
	}
}
