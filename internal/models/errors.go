package models

import (
	"errors"
	"fmt"
)

var (
	// ErrInvoiceNumberNotFound is wrapped by ParseError when no KE number is present
	ErrInvoiceNumberNotFound = errors.New("invoice number not found")

	// ErrNoLineItems is wrapped by ParseError when no line item could be extracted
	ErrNoLineItems = errors.New("no line items found")

	// ErrNoValidReferenceRows is wrapped by ReferenceDataError when a load validates nothing
	ErrNoValidReferenceRows = errors.New("no valid reference rows")

	// ErrFiscalSealMissing is wrapped by ResponseParseError when no https line is present
	ErrFiscalSealMissing = errors.New("fiscal seal URL not found")

	// ErrResponseNotFound is returned by response stores when no row exists
	ErrResponseNotFound = errors.New("fiscal response not found")
)

// ParseError means the invoice text could not be turned into an Invoice
type ParseError struct {
	File   string
	Reason string
	Cause  error
}

func (e *ParseError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("parse %s: %s", e.File, e.Reason)
	}
	return fmt.Sprintf("parse: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error
func NewParseError(file, reason string, cause error) *ParseError {
	return &ParseError{File: file, Reason: reason, Cause: cause}
}

// ReferenceDataError means a tariff reference load was rejected
type ReferenceDataError struct {
	Source string
	Rows   int
	Cause  error
}

func (e *ReferenceDataError) Error() string {
	return fmt.Sprintf("reference data %s: %v (rows scanned=%d)", e.Source, e.Cause, e.Rows)
}

func (e *ReferenceDataError) Unwrap() error {
	return e.Cause
}

// ResponseParseError means a fiscal response artifact was malformed
type ResponseParseError struct {
	Path  string
	Cause error
}

func (e *ResponseParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("response file %s: %v", e.Path, e.Cause)
	}
	return fmt.Sprintf("response: %v", e.Cause)
}

func (e *ResponseParseError) Unwrap() error {
	return e.Cause
}

// IOError wraps a file access failure
type IOError struct {
	Op       string
	Path     string
	Attempts int
	Cause    error
}

func (e *IOError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *IOError) Unwrap() error {
	return e.Cause
}

// NewIOError creates a new IO error
func NewIOError(op, path string, cause error) *IOError {
	return &IOError{Op: op, Path: path, Attempts: 1, Cause: cause}
}

// EncodingError means QR generation failed for a fiscal seal
type EncodingError struct {
	Content string
	Cause   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("qr encoding failed (%d bytes): %v", len(e.Content), e.Cause)
}

func (e *EncodingError) Unwrap() error {
	return e.Cause
}
