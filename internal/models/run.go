package models

import "time"

// Invoice run status constants
const (
	RunStatusPending = "Pending"
	RunStatusSuccess = "Success"
	RunStatusFailed  = "Failed"
	RunStatusSkipped = "Skipped"
)

// InvoiceRun records the outcome of processing one source document
type InvoiceRun struct {
	ID            int64      `json:"id"`
	BatchID       string     `json:"batch_id"`
	FilePath      string     `json:"file_path"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	Status        string     `json:"status"`
	Message       string     `json:"message"`
	OutputPath    string     `json:"output_path,omitempty"`
	StampStrategy string     `json:"stamp_strategy,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// IsFinal returns true once the run reached Success, Failed or Skipped
func (r *InvoiceRun) IsFinal() bool {
	return r.Status == RunStatusSuccess || r.Status == RunStatusFailed || r.Status == RunStatusSkipped
}

// BatchReport aggregates the runs of one batch
type BatchReport struct {
	BatchID    string        `json:"batch_id"`
	Runs       []*InvoiceRun `json:"runs"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Add appends a finished run and updates the counters
func (b *BatchReport) Add(run *InvoiceRun) {
	b.Runs = append(b.Runs, run)
	switch run.Status {
	case RunStatusSuccess:
		b.Succeeded++
	case RunStatusFailed:
		b.Failed++
	case RunStatusSkipped:
		b.Skipped++
	}
}

// Total returns the number of runs in the batch
func (b *BatchReport) Total() int {
	return len(b.Runs)
}
