package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// SubmitterInterface queues a batch of files
type SubmitterInterface interface {
	Submit(files []string) (string, error)
}

// InboxWatcher queues a batch whenever PDFs land in the input folder.
// Files arriving within the settle window are grouped into one batch.
type InboxWatcher struct {
	dir       string
	settle    time.Duration
	submitter SubmitterInterface
	logger    *zap.Logger

	mu        sync.Mutex
	isRunning bool
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewInboxWatcher creates a new inbox watcher
func NewInboxWatcher(dir string, settle time.Duration, submitter SubmitterInterface, logger *zap.Logger) *InboxWatcher {
	if settle <= 0 {
		settle = 2 * time.Second
	}
	return &InboxWatcher{
		dir:       dir,
		settle:    settle,
		submitter: submitter,
		logger:    logger,
	}
}

// Name returns the worker name
func (w *InboxWatcher) Name() string {
	return "inbox-watcher"
}

// Start begins watching the input folder
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isRunning {
		return fmt.Errorf("inbox watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.watcher = watcher
	w.cancel = cancel
	w.isRunning = true

	w.wg.Add(1)
	go w.loop(loopCtx, watcher)

	w.logger.Info("InboxWatcher started", zap.String("dir", w.dir), zap.Duration("settle", w.settle))
	return nil
}

// Stop stops watching; files still settling are dropped and picked up by the next batch
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = false
	w.cancel()
	watcher := w.watcher
	w.mu.Unlock()

	watcher.Close()
	w.wg.Wait()
	w.logger.Info("InboxWatcher stopped")
}

func (w *InboxWatcher) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer w.wg.Done()

	pending := make(map[string]struct{})
	var flush <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isInvoiceFile(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			flush = time.After(w.settle)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Inbox watcher error", zap.Error(err))

		case <-flush:
			flush = nil
			files := make([]string, 0, len(pending))
			for path := range pending {
				files = append(files, path)
			}
			pending = make(map[string]struct{})
			sort.Strings(files)

			id, err := w.submitter.Submit(files)
			if err != nil {
				w.logger.Error("Failed to queue inbox batch", zap.Int("files", len(files)), zap.Error(err))
				continue
			}
			w.logger.Info("Inbox batch queued", zap.String("batch_id", id), zap.Int("files", len(files)))
		}
	}
}

func isInvoiceFile(path string) bool {
	name := filepath.Base(path)
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), ".pdf")
}
