package posting

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/money"
	"github.com/shopspring/decimal"
)

// Record is a decoded posting file
type Record struct {
	InvoiceNumber string          `json:"invoice_number"`
	FederalTaxID  string          `json:"federal_tax_id,omitempty"`
	Items         []RecordItem    `json:"items"`
	Total         decimal.Decimal `json:"total"`
}

// RecordItem is one item line of a posting record
type RecordItem struct {
	Description            string          `json:"description"`
	Quantity               decimal.Decimal `json:"quantity"`
	UnitPriceAfterDiscount decimal.Decimal `json:"unit_price_after_discount"`
	HSCode                 string          `json:"hs_code"`
}

var (
	invoiceLineRe = regexp.MustCompile(`^"([^"]*)"@1j$`)
	taxIDLineRe   = regexp.MustCompile(`^"([^"]*)"@39F$`)
	itemLineRe    = regexp.MustCompile(`^"([^"]*)"@(-?\d+)\*(-?\d+)H"([^"]*)"@P$`)
	totalLineRe   = regexp.MustCompile(`^(-?\d+)H0T$`)
)

// Decode parses a posting record produced by Encode
func Decode(data []byte) (*Record, error) {
	rec := &Record{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		lineNo++

		switch {
		case lineNo == 1:
			m := invoiceLineRe.FindStringSubmatch(line)
			if m == nil {
				return nil, fmt.Errorf("line 1: invoice header expected, got %q", line)
			}
			rec.InvoiceNumber = m[1]
		case taxIDLineRe.MatchString(line):
			rec.FederalTaxID = taxIDLineRe.FindStringSubmatch(line)[1]
		case itemLineRe.MatchString(line):
			m := itemLineRe.FindStringSubmatch(line)
			qty, err := money.FromCents(m[2])
			if err != nil {
				return nil, fmt.Errorf("line %d: quantity: %w", lineNo, err)
			}
			price, err := money.FromCents(m[3])
			if err != nil {
				return nil, fmt.Errorf("line %d: price: %w", lineNo, err)
			}
			rec.Items = append(rec.Items, RecordItem{
				Description:            m[1],
				Quantity:               qty,
				UnitPriceAfterDiscount: price,
				HSCode:                 m[4],
			})
		case totalLineRe.MatchString(line):
			total, err := money.FromCents(totalLineRe.FindStringSubmatch(line)[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: total: %w", lineNo, err)
			}
			rec.Total = total
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lineNo == 0 {
		return nil, fmt.Errorf("empty posting record")
	}

	return rec, nil
}
