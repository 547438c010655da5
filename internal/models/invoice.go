package models

import (
	"github.com/shopspring/decimal"
)

// Invoice is a sales invoice extracted from a PDF document
type Invoice struct {
	InvoiceNumber string     `json:"invoice_number"` // KE + 8 digits
	FederalTaxID  string     `json:"federal_tax_id"` // buyer PIN, empty when absent
	LineItems     []LineItem `json:"line_items"`
	SourceFile    string     `json:"source_file,omitempty"`
}

// LineItem is a single invoice row
type LineItem struct {
	LineNumber             int             `json:"line_number,omitempty"`
	ItemCode               string          `json:"item_code"` // 12 digits
	Description            string          `json:"description"`
	Quantity               decimal.Decimal `json:"quantity"`
	UnitPrice              decimal.Decimal `json:"unit_price"`
	DiscountPercent        decimal.Decimal `json:"discount_percent"`
	UnitPriceAfterDiscount decimal.Decimal `json:"unit_price_after_discount"`
	Amount                 decimal.Decimal `json:"amount"`
	HSCode                 string          `json:"hs_code"` // 8 digits, dot-free
}

// LineTotal returns round(quantity x unit price after discount, 2)
func (li LineItem) LineTotal() decimal.Decimal {
	return li.Quantity.Mul(li.UnitPriceAfterDiscount).Round(2)
}

// WithHSCode returns a copy of the line item carrying the resolved tariff code
func (li LineItem) WithHSCode(code string) LineItem {
	li.HSCode = code
	return li
}
