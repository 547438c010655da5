// Package fiscal correlates posting files with the fiscal device's responses.
package fiscal

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
)

// dateLayouts are tried in order when reading the DATE line
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
	"02-01-2006 15:04:05",
	"02/01/2006 15:04",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006",
}

// responseFields accumulates values while scanning a response file
type responseFields struct {
	seal, controlCode, tsNum, serialNumber string
	date                                   time.Time
	hasDate                                bool
}

// responseRule classifies one normalised line; the first matching rule consumes it
type responseRule struct {
	match func(line, upper string) bool
	apply func(f *responseFields, line string)
}

var responseRules = []responseRule{
	{
		match: func(line, _ string) bool { return strings.HasPrefix(line, "https") },
		apply: func(f *responseFields, line string) { setOnce(&f.seal, line) },
	},
	{
		match: func(_, upper string) bool { return strings.Contains(upper, "CUIN") },
		apply: func(f *responseFields, line string) { setOnce(&f.controlCode, valueAfter(line, "CUIN")) },
	},
	{
		match: func(_, upper string) bool { return strings.Contains(upper, "TSIN") },
		apply: func(f *responseFields, line string) { setOnce(&f.tsNum, valueAfter(line, "TSIN")) },
	},
	{
		match: func(_, upper string) bool { return strings.Contains(upper, "CUSN") },
		apply: func(f *responseFields, line string) { setOnce(&f.serialNumber, valueAfter(line, "CUSN")) },
	},
	{
		match: func(_, upper string) bool { return strings.Contains(upper, "DATE") },
		apply: func(f *responseFields, line string) {
			if f.hasDate {
				return
			}
			f.hasDate = true
			if date, ok := parseDate(valueAfter(line, "DATE")); ok {
				f.date = date
			} else {
				f.date = time.Now()
			}
		},
	},
}

// setOnce keeps the first value seen; lines are scanned bottom-up so the last
// occurrence in the file wins
func setOnce(dst *string, value string) {
	if *dst == "" {
		*dst = value
	}
}

// ParseResponse reads a fiscal device response. Lines are processed in reverse order.
// A missing DATE line, or one that cannot be read, yields the current time.
func ParseResponse(data []byte) (*models.FiscalResponseData, error) {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, &models.ResponseParseError{Cause: err}
	}

	var f responseFields
	for i := len(lines) - 1; i >= 0; i-- {
		line := normalizeLine(lines[i])
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		for _, rule := range responseRules {
			if rule.match(line, upper) {
				rule.apply(&f, line)
				break
			}
		}
	}

	if f.seal == "" {
		return nil, &models.ResponseParseError{Cause: models.ErrFiscalSealMissing}
	}

	date := f.date
	if !f.hasDate {
		date = time.Now()
	}

	resp := &models.FiscalResponseData{
		TransactionDate: date,
		TSNum:           f.tsNum,
		ControlCode:     f.controlCode,
		SerialNumber:    f.serialNumber,
		FiscalSeal:      f.seal,
	}
	resp.FiscalFooter = FormatFooter(resp)
	return resp, nil
}

// ParseResponseFile reads and parses a response file
func ParseResponseFile(path string) (*models.FiscalResponseData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, models.NewIOError("read response", path, err)
	}
	data, err := ParseResponse(raw)
	if err != nil {
		var perr *models.ResponseParseError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return nil, err
	}
	return data, nil
}

// normalizeLine trims whitespace, drops U+0011 and strips surrounding pipes and hyphens
func normalizeLine(line string) string {
	line = strings.ReplaceAll(strings.TrimSpace(line), "\x11", "")
	return strings.TrimSpace(strings.Trim(line, "|-"))
}

// valueAfter returns the text after the first colon, or after the keyword when there is none
func valueAfter(line, keyword string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	if i := strings.Index(strings.ToUpper(line), keyword); i >= 0 {
		return strings.TrimSpace(line[i+len(keyword):])
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatFooter renders the fiscal footer printed under the QR code.
// The date line is always present; the others only when their value is known.
func FormatFooter(data *models.FiscalResponseData) string {
	lines := make([]string, 0, 4)
	if data.TSNum != "" {
		lines = append(lines, "TSIN :"+data.TSNum)
	}
	lines = append(lines, "DATE:"+data.TransactionDate.Format("2006-01-02 15:04:05"))
	if data.SerialNumber != "" {
		lines = append(lines, "CUSN :"+data.SerialNumber)
	}
	if data.ControlCode != "" {
		lines = append(lines, fmt.Sprintf("CUIN: %s", data.ControlCode))
	}
	return strings.Join(lines, "\n")
}
