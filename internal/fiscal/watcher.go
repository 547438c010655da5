package fiscal

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher calls fn when a file named name is created or written in dir.
// The returned cancel func unregisters the subscription and is safe to call more than once.
type Watcher interface {
	Watch(dir, name string, fn func(path string)) (cancel func(), err error)
}

type subscription struct {
	dir  string
	name string
	fn   func(path string)
}

// DirWatcher multiplexes file subscriptions over a single fsnotify watcher.
// A directory is watched while at least one subscription refers to it.
type DirWatcher struct {
	mu     sync.Mutex
	fs     *fsnotify.Watcher
	dirs   map[string]int
	subs   map[uint64]subscription
	nextID uint64
	logger *zap.Logger
	done   chan struct{}
}

// NewDirWatcher creates a watcher and starts its event loop
func NewDirWatcher(logger *zap.Logger) (*DirWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &DirWatcher{
		fs:     fs,
		dirs:   make(map[string]int),
		subs:   make(map[uint64]subscription),
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch registers fn for name in dir
func (w *DirWatcher) Watch(dir, name string, fn func(path string)) (func(), error) {
	dir = filepath.Clean(dir)

	w.mu.Lock()
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	w.dirs[dir]++
	w.nextID++
	id := w.nextID
	w.subs[id] = subscription{dir: dir, name: name, fn: fn}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { w.unsubscribe(id) })
	}, nil
}

func (w *DirWatcher) unsubscribe(id uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sub, ok := w.subs[id]
	if !ok {
		return
	}
	delete(w.subs, id)

	w.dirs[sub.dir]--
	if w.dirs[sub.dir] <= 0 {
		delete(w.dirs, sub.dir)
		if err := w.fs.Remove(sub.dir); err != nil {
			w.logger.Debug("Failed to remove directory watch", zap.String("dir", sub.dir), zap.Error(err))
		}
	}
}

// Subscriptions returns the number of active subscriptions
func (w *DirWatcher) Subscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs)
}

// Close stops the event loop and releases the fsnotify watcher
func (w *DirWatcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}

func (w *DirWatcher) loop() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.dispatch(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func (w *DirWatcher) dispatch(path string) {
	dir, name := filepath.Dir(path), filepath.Base(path)

	w.mu.Lock()
	var fns []func(string)
	for _, sub := range w.subs {
		if sub.dir == dir && strings.EqualFold(sub.name, name) {
			fns = append(fns, sub.fn)
		}
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(path)
	}
}
