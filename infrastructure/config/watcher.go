package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Overrides represents runtime-changeable client tunables loaded from an
// optional JSON file next to the static environment configuration.
type Overrides struct {
	PageSize                 int   `json:"pageSize,omitempty"`
	RefreshIntervalSeconds   int   `json:"refreshIntervalSeconds,omitempty"`
	ReconnectIntervalSeconds int   `json:"reconnectIntervalSeconds,omitempty"`
	RealtimeEnabled          *bool `json:"realtimeEnabled,omitempty"`
}

// Watcher watches the overrides file for changes and notifies subscribers.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	current  Overrides
	mu       sync.RWMutex
	onChange []func(Overrides)
	logger   *zap.Logger
	stopCh   chan struct{}
}

// NewWatcher creates a watcher for the given overrides file.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	current, err := loadOverrides(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial overrides: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch overrides file: %w", err)
	}
	// Watch the directory too, editors and atomic saves replace the file.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Failed to watch overrides directory", zap.Error(err))
	}

	w := &Watcher{
		path:    path,
		watcher: fw,
		current: current,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Current returns the last successfully loaded overrides.
func (w *Watcher) Current() Overrides {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a callback invoked after every successful reload.
func (w *Watcher) OnChange(fn func(Overrides)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Overrides watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	overrides, err := loadOverrides(w.path)
	if err != nil {
		// Keep the previous overrides on a bad reload.
		w.logger.Warn("Failed to reload overrides", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.current = overrides
	callbacks := make([]func(Overrides), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	w.logger.Info("Configuration overrides reloaded", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(overrides)
	}
}

func loadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, err
	}
	var o Overrides
	if err := json.Unmarshal(data, &o); err != nil {
		return Overrides{}, err
	}
	return o, nil
}
