package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the batch queue has no free slot
	ErrQueueFull = errors.New("batch queue is full")

	// ErrNotRunning is returned when submitting to a stopped worker
	ErrNotRunning = errors.New("batch worker is not running")

	// ErrNoInputFiles is returned when a batch would be empty
	ErrNoInputFiles = errors.New("no input files")
)

// BatchProcessorInterface runs one batch of invoice files
type BatchProcessorInterface interface {
	ProcessBatch(ctx context.Context, batchID string, files []string, onRun func(*models.InvoiceRun)) *models.BatchReport
}

// InputListerInterface lists the files waiting in the input folder
type InputListerInterface interface {
	ListInputFiles() ([]string, error)
}

// BatchState is the lifecycle of a queued batch
type BatchState string

const (
	BatchQueued    BatchState = "queued"
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
)

// BatchStatus is a snapshot of one batch
type BatchStatus struct {
	ID        string              `json:"id"`
	State     BatchState          `json:"state"`
	Files     []string            `json:"files"`
	Processed int                 `json:"processed"`
	QueuedAt  time.Time           `json:"queued_at"`
	Report    *models.BatchReport `json:"report,omitempty"`
}

type batchJob struct {
	id    string
	files []string
}

// BatchWorker processes queued batches one at a time on a single goroutine,
// keeping the per-invoice pipeline strictly sequential
type BatchWorker struct {
	processor BatchProcessorInterface
	lister    InputListerInterface
	logger    *zap.Logger

	queue chan batchJob

	mu        sync.RWMutex
	batches   map[string]*BatchStatus
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewBatchWorker creates a new batch worker with room for queueSize pending batches
func NewBatchWorker(processor BatchProcessorInterface, lister InputListerInterface, queueSize int, logger *zap.Logger) *BatchWorker {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &BatchWorker{
		processor: processor,
		lister:    lister,
		logger:    logger,
		queue:     make(chan batchJob, queueSize),
		batches:   make(map[string]*BatchStatus),
	}
}

// Name returns the worker name
func (w *BatchWorker) Name() string {
	return "batch-worker"
}

// Start begins consuming the queue
func (w *BatchWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("batch worker already running")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.isRunning = true

	w.wg.Add(1)
	go w.loop()

	w.logger.Info("BatchWorker started", zap.Int("queue_size", cap(w.queue)))
	return nil
}

// Stop cancels the running batch and waits for the loop to exit.
// Batches still queued stay in the queued state.
func (w *BatchWorker) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	w.logger.Info("BatchWorker stopped")
}

// Submit queues a batch. With no files the input folder is listed.
func (w *BatchWorker) Submit(files []string) (string, error) {
	if len(files) == 0 {
		if w.lister == nil {
			return "", ErrNoInputFiles
		}
		listed, err := w.lister.ListInputFiles()
		if err != nil {
			return "", fmt.Errorf("failed to list input files: %w", err)
		}
		files = listed
	}
	if len(files) == 0 {
		return "", ErrNoInputFiles
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isRunning {
		return "", ErrNotRunning
	}

	job := batchJob{id: uuid.NewString(), files: append([]string(nil), files...)}
	select {
	case w.queue <- job:
	default:
		return "", ErrQueueFull
	}

	w.batches[job.id] = &BatchStatus{
		ID:       job.id,
		State:    BatchQueued,
		Files:    job.files,
		QueuedAt: time.Now(),
	}

	w.logger.Info("Batch queued", zap.String("batch_id", job.id), zap.Int("files", len(job.files)))
	return job.id, nil
}

// Status returns a snapshot of a batch
func (w *BatchWorker) Status(id string) (BatchStatus, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	status, ok := w.batches[id]
	if !ok {
		return BatchStatus{}, false
	}
	snapshot := *status
	if status.Report != nil {
		report := *status.Report
		report.Runs = append([]*models.InvoiceRun(nil), status.Report.Runs...)
		snapshot.Report = &report
	}
	return snapshot, true
}

// loop runs the queue until the worker is stopped
func (w *BatchWorker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			w.logger.Debug("Batch loop context cancelled")
			return

		case job := <-w.queue:
			w.run(job)
		}
	}
}

func (w *BatchWorker) run(job batchJob) {
	w.setState(job.id, BatchRunning)

	report := w.processor.ProcessBatch(w.ctx, job.id, job.files, func(run *models.InvoiceRun) {
		w.mu.Lock()
		defer w.mu.Unlock()
		if status, ok := w.batches[job.id]; ok {
			status.Processed++
		}
	})

	w.mu.Lock()
	if status, ok := w.batches[job.id]; ok {
		status.State = BatchCompleted
		status.Report = report
	}
	w.mu.Unlock()
}

func (w *BatchWorker) setState(id string, state BatchState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if status, ok := w.batches[id]; ok {
		status.State = state
	}
}
