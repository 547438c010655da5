package invoice

import (
	"regexp"
	"strings"
)

// invoiceNumberPatterns are tried in order against the page text; the first hit wins
var invoiceNumberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Sales\s+Invoice\s+No\.\s*:\s*(KE\d{8})`),
	regexp.MustCompile(`Invoice\s+No\.\s*:\s*(KE\d{8})`),
	regexp.MustCompile(`No\.\s*:\s*(KE\d{8})`),
	regexp.MustCompile(`(KE\d{8})`),
}

var (
	bareInvoiceNumberRe = regexp.MustCompile(`(KE\d{8})`)
	billToRe            = regexp.MustCompile(`(?i)^\s*bill\s*to\s*:`)
	taxIDRe             = regexp.MustCompile(`\bP[A-Z0-9]{8,9}[A-Z]?\b`)
)

// sellerTaxIDLabel marks the seller's own PIN, which is never the buyer's
const sellerTaxIDLabel = "TAX ID:"

// billToWindow is the number of lines scanned after the Bill TO: line, the line included
const billToWindow = 10

// ExtractInvoiceNumber finds the KE number in the text, then in the file name
func ExtractInvoiceNumber(text, fileName string) (string, bool) {
	for _, re := range invoiceNumberPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	if m := bareInvoiceNumberRe.FindStringSubmatch(fileName); m != nil {
		return m[1], true
	}
	return "", false
}

// ExtractFederalTaxID returns the buyer PIN or "" when none is present.
// The Bill TO: block is searched first, then the whole document; lines carrying the
// seller's TAX ID: label are skipped in both passes.
func ExtractFederalTaxID(lines []string) string {
	for i, line := range lines {
		if !billToRe.MatchString(line) {
			continue
		}
		end := i + billToWindow
		if end > len(lines) {
			end = len(lines)
		}
		if id := findTaxID(lines[i:end]); id != "" {
			return id
		}
		break
	}
	return findTaxID(lines)
}

func findTaxID(lines []string) string {
	for _, line := range lines {
		if strings.Contains(strings.ToUpper(line), sellerTaxIDLabel) {
			continue
		}
		for _, id := range taxIDRe.FindAllString(line, -1) {
			// upper-case words such as PROVISIONS have the same shape
			if strings.ContainsAny(id, "0123456789") {
				return id
			}
		}
	}
	return ""
}
