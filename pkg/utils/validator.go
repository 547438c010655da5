package utils

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	invoiceNumberRe = regexp.MustCompile(`^KE\d{8}$`)
	taxPINRe        = regexp.MustCompile(`^P[A-Z0-9]{8,9}[A-Z]$`)
	materialRe      = regexp.MustCompile(`^\d{12}$`)
	controlCharsRe  = regexp.MustCompile(`[\x00-\x1f\x7f]`)
)

// ValidateInvoiceNumber validates a KE invoice number (KE + 8 digits)
func ValidateInvoiceNumber(invoiceNumber string) error {
	if !invoiceNumberRe.MatchString(invoiceNumber) {
		return fmt.Errorf("invalid invoice number: %q", invoiceNumber)
	}
	return nil
}

// ValidateTaxPIN validates a KRA personal identification number
func ValidateTaxPIN(pin string) error {
	if !taxPINRe.MatchString(pin) {
		return fmt.Errorf("invalid tax PIN: %q", pin)
	}
	return nil
}

// ValidateItemCode validates a 12-digit material number; empty is allowed
func ValidateItemCode(code string) error {
	if code == "" {
		return nil
	}
	if !materialRe.MatchString(code) {
		return fmt.Errorf("item code must be 12 digits: %q", code)
	}
	return nil
}

// SanitizeString removes control characters and surrounding whitespace
func SanitizeString(s string) string {
	return strings.TrimSpace(controlCharsRe.ReplaceAllString(s, ""))
}
