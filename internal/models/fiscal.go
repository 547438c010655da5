package models

import "time"

// FiscalResponseData is the fiscal device's answer for one invoice
type FiscalResponseData struct {
	InvoiceNumber   string    `json:"invoice_number"`
	TransactionDate time.Time `json:"transaction_date"`
	TSNum           string    `json:"ts_num"`        // TSIN
	ControlCode     string    `json:"control_code"`  // CUIN
	SerialNumber    string    `json:"serial_number"` // CUSN
	FiscalSeal      string    `json:"fiscal_seal"`   // verification URL
	FiscalFooter    string    `json:"fiscal_footer"`
}

// ResponseSource tells where a fiscal response was obtained from
type ResponseSource string

const (
	ResponseSourceStore ResponseSource = "store"
	ResponseSourceFile  ResponseSource = "file"
)
