// Package watcher watches the patient inbox with fsnotify. Files dropped into
// inbox/<patient-id>/ are debounced and handed to an ingest callback.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 400 * time.Millisecond

// InboxWatcher watches one inbox root. Each first-level subdirectory names a
// patient; files inside it are ingested for that patient. Removals are
// ignored because ingested documents are never unindexed.
type InboxWatcher struct {
	root       string
	extensions []string
	onFile     func(patientID, path string)
	debounce   time.Duration

	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	logger      *zap.Logger
}

// Option configures an InboxWatcher.
type Option func(*InboxWatcher)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(w *InboxWatcher) { w.logger = l }
}

// WithDebounce overrides the write-settle delay.
func WithDebounce(d time.Duration) Option {
	return func(w *InboxWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewInboxWatcher creates a watcher over root. onFile is called with the
// patient ID and file path once a dropped file has settled. extensions filter
// which files are picked up (empty = all).
func NewInboxWatcher(root string, extensions []string, onFile func(patientID, path string), opts ...Option) *InboxWatcher {
	w := &InboxWatcher{
		root:        filepath.Clean(root),
		extensions:  extensions,
		onFile:      onFile,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins watching. The inbox root and any existing patient directories
// are created/registered; the watcher runs until ctx is cancelled or Stop is
// called.
func (w *InboxWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true

	if err := w.watchTreeLocked(); err != nil {
		_ = w.watcher.Close()
		w.watcher = nil
		w.started = false
		w.mu.Unlock()
		return err
	}
	if w.logger != nil {
		w.logger.Debug("inbox watcher starting",
			zap.String("root", w.root),
			zap.Strings("extensions", w.extensions))
	}
	w.mu.Unlock()
	go w.run(ctx)
	return nil
}

// watchTreeLocked registers the root and every patient directory under it.
func (w *InboxWatcher) watchTreeLocked() error {
	if _, err := os.Stat(w.root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(w.root, 0755); err != nil {
			return err
		}
	}
	if err := w.watcher.Add(w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.watcher.Add(filepath.Join(w.root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *InboxWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if err != nil && w.logger != nil {
				w.logger.Debug("inbox watcher error", zap.Error(err))
			}
		}
	}
}

func (w *InboxWatcher) handleEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
			w.cancelDebounce(ev.Name)
		}
		return
	}
	path := filepath.Clean(ev.Name)
	if w.logger != nil {
		w.logger.Debug("inbox event", zap.String("op", ev.Op.String()), zap.String("path", path))
	}

	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		// A new patient directory appeared: watch it and pick up any files
		// already inside.
		if filepath.Dir(path) == w.root {
			w.watchPatientDir(path)
		}
		return
	}

	patientID, ok := w.patientFor(path)
	if !ok || !w.matchExtension(path) {
		return
	}
	w.debounceFile(patientID, path)
}

func (w *InboxWatcher) watchPatientDir(dir string) {
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()
	if watcher == nil {
		return
	}
	if err := watcher.Add(dir); err != nil {
		if w.logger != nil {
			w.logger.Debug("failed to watch patient directory", zap.String("path", dir), zap.Error(err))
		}
		return
	}
	w.syncPatientDir(dir)
}

// patientFor maps a file path to its patient ID: the first path element under
// the inbox root. Files directly in the root belong to no patient.
func (w *InboxWatcher) patientFor(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return "", false
	}
	return parts[0], true
}

func (w *InboxWatcher) matchExtension(path string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range w.extensions {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}

func (w *InboxWatcher) debounceFile(patientID, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		logger := w.logger
		w.mu.Unlock()
		if logger != nil {
			logger.Debug("ingesting settled file",
				zap.String("patient_id", patientID),
				zap.String("path", path))
		}
		if w.onFile != nil {
			w.onFile(patientID, path)
		}
	})
	w.debounceMap[path] = t
}

func (w *InboxWatcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[filepath.Clean(path)]; ok {
		t.Stop()
		delete(w.debounceMap, filepath.Clean(path))
	}
}

func (w *InboxWatcher) syncPatientDir(dir string) {
	patientID := filepath.Base(dir)
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if w.matchExtension(path) {
			w.debounceFile(patientID, path)
		}
		return nil
	})
}

// SyncExistingFiles hands every file already present in the inbox to the
// callback. Call after Start to pick up files dropped while the service was
// down; duplicate files are rejected downstream by their deterministic IDs.
func (w *InboxWatcher) SyncExistingFiles() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		if w.logger != nil {
			w.logger.Debug("inbox sync failed", zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.syncPatientDir(filepath.Join(w.root, e.Name()))
		}
	}
}

// Stop stops the watcher and releases resources.
func (w *InboxWatcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
