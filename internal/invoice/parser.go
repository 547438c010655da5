// Package invoice turns extracted PDF text into structured invoices.
package invoice

import (
	"path/filepath"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"go.uber.org/zap"
)

// Parser extracts invoice header fields and line items from page text
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new invoice parser
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse builds an Invoice from the concatenated page text.
// fileNameHint is only used as a fallback source for the invoice number.
func (p *Parser) Parse(text, fileNameHint string) (*models.Invoice, error) {
	number, ok := ExtractInvoiceNumber(text, filepath.Base(fileNameHint))
	if !ok {
		return nil, models.NewParseError(fileNameHint, "invoice number not found", models.ErrInvoiceNumberNotFound)
	}

	lines := splitLines(text)
	taxID := ExtractFederalTaxID(lines)

	items, strategy := extractLineItems(lines)
	if len(items) == 0 {
		return nil, models.NewParseError(fileNameHint, "no line items found for "+number, models.ErrNoLineItems)
	}

	p.logger.Info("Invoice parsed",
		zap.String("invoice_number", number),
		zap.Bool("has_tax_id", taxID != ""),
		zap.Int("line_items", len(items)),
		zap.String("strategy", string(strategy)))

	return &models.Invoice{
		InvoiceNumber: number,
		FederalTaxID:  taxID,
		LineItems:     items,
		SourceFile:    fileNameHint,
	}, nil
}

// ParseDocument extracts the text of path with source and parses it
func (p *Parser) ParseDocument(source TextSource, path string) (*models.Invoice, error) {
	text, err := source.ExtractText(path)
	if err != nil {
		return nil, err
	}
	return p.Parse(text, path)
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.Split(strings.ReplaceAll(text, "\r", "\n"), "\n")
}
