// Package posting encodes invoices into the fixed-format record read by the fiscal device.
package posting

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/garyjia/kra-fiscalizer/internal/money"
	"github.com/shopspring/decimal"
)

const (
	// MaxDescriptionLen is the longest item description the device accepts
	MaxDescriptionLen = 20

	// MinTaxIDLen is the shortest buyer PIN that is written to the record
	MinTaxIDLen = 11
)

// FileName returns the posting file name for an invoice, e.g. SI_KE00001017.txt
func FileName(prefix, invoiceNumber string) string {
	return prefix + invoiceNumber + ".txt"
}

// Encode renders the posting record for inv using the resolved line items, in order.
// The output is deterministic and byte-exact.
func Encode(inv *models.Invoice, items []models.LineItem) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "\"%s\"@1j\n", inv.InvoiceNumber)
	if len(inv.FederalTaxID) >= MinTaxIDLen {
		fmt.Fprintf(&buf, "\"%s\"@39F\n", inv.FederalTaxID)
	}

	total := decimal.Zero
	for _, item := range items {
		fmt.Fprintf(&buf, "\"%s\"@%s*%sH\"%s\"@P\n",
			SanitizeDescription(item.Description),
			money.Cents(item.Quantity),
			money.Cents(item.UnitPriceAfterDiscount),
			strings.ReplaceAll(item.HSCode, ".", ""))
		total = total.Add(item.LineTotal())
	}
	total = money.Round(total)

	fmt.Fprintf(&buf, "%sH0T\n", money.Cents(total))
	fmt.Fprintf(&buf, "%sH1T\n", money.Cents(total))
	buf.WriteString("S\n")
	buf.WriteString("1J\n")

	return buf.Bytes()
}

// SanitizeDescription keeps only [A-Za-z0-9()/ ] and truncates to MaxDescriptionLen
func SanitizeDescription(description string) string {
	var sb strings.Builder
	n := 0
	for _, r := range description {
		if n == MaxDescriptionLen {
			break
		}
		if isAllowed(r) {
			sb.WriteRune(r)
			n++
		}
	}
	return strings.TrimSpace(sb.String())
}

func isAllowed(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	case r == '(' || r == ')' || r == '/' || r == ' ':
		return true
	}
	return false
}
