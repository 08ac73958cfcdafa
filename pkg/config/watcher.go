// Copyright 2026 © The Steward Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 200 * time.Millisecond

// Watcher reloads the configuration when its files change and notifies
// listeners of other watched files (policy documents, route tables).
// Parent directories are watched so editors that replace files atomically
// are still seen.
type Watcher struct {
	mu        sync.RWMutex
	config    *Config
	load      func() (*Config, error)
	listeners []func(*Config)

	configFiles map[string]struct{}
	files       map[string][]func(path string)

	debounce time.Duration
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets how long the watcher waits for writes to settle.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithLoader replaces how the configuration is (re)loaded.
func WithLoader(load func() (*Config, error)) WatcherOption {
	return func(w *Watcher) {
		if load != nil {
			w.load = load
		}
	}
}

// NewWatcher loads the configuration and prepares to watch paths. The first
// path is the main configuration file; the rest are overlays.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		configFiles: make(map[string]struct{}),
		files:       make(map[string][]func(string)),
		debounce:    defaultDebounce,
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	main := ""
	if len(paths) > 0 {
		main = paths[0]
	}
	w.load = func() (*Config, error) { return Load(main) }
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		w.configFiles[abs] = struct{}{}
	}

	cfg, err := w.load()
	if err != nil {
		return nil, err
	}
	w.config = cfg
	return w, nil
}

// OnChange registers a callback run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// OnFileChange registers fn for changes to path. It must be called before
// Start.
func (w *Watcher) OnFileChange(path string, fn func(path string)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[abs] = append(w.files[abs], fn)
	return nil
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// Start begins watching until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	dirs := make(map[string]struct{})
	w.mu.RLock()
	for p := range w.configFiles {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for p := range w.files {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	w.mu.RUnlock()
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.fsw = fsw
	go w.watch(ctx)
	return nil
}

// Stop stops the watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			<-w.doneCh
		}
	})
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneCh)
	defer w.fsw.Close()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 || !w.watched(ev.Name) {
				continue
			}
			pending[filepath.Clean(ev.Name)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config.watch.error", slog.String("error", err.Error()))
		case <-fire:
			fire = nil
			w.dispatch(pending)
			pending = make(map[string]struct{})
		}
	}
}

func (w *Watcher) watched(name string) bool {
	name = filepath.Clean(name)
	w.mu.RLock()
	defer w.mu.RUnlock()
	if _, ok := w.configFiles[name]; ok {
		return true
	}
	_, ok := w.files[name]
	return ok
}

func (w *Watcher) dispatch(changed map[string]struct{}) {
	reload := false
	for path := range changed {
		w.mu.RLock()
		_, isConfig := w.configFiles[path]
		fns := append([]func(string){}, w.files[path]...)
		w.mu.RUnlock()
		if isConfig {
			reload = true
		}
		for _, fn := range fns {
			w.logger.Info("config.file.changed", slog.String("path", path))
			fn(path)
		}
	}
	if reload {
		w.reload()
	}
}

func (w *Watcher) reload() {
	cfg, err := w.load()
	if err != nil {
		w.logger.Error("config.reload.failed", slog.String("error", err.Error()))
		return
	}

	w.mu.Lock()
	w.config = cfg
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()

	w.logger.Info("config.reloaded")
	for _, fn := range listeners {
		fn(cfg)
	}
}

// WatchConfig loads configPath with its profile overlay and starts watching
// both files.
func WatchConfig(ctx context.Context, configPath, profile string, opts ...WatcherOption) (*Watcher, *Config, error) {
	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
		if profile != "" {
			paths = append(paths, ProfilePath(configPath, profile))
		}
	}
	opts = append([]WatcherOption{WithLoader(func() (*Config, error) {
		return LoadWithProfile(configPath, profile)
	})}, opts...)

	w, err := NewWatcher(paths, opts...)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) > 0 {
		if err := w.Start(ctx); err != nil {
			return nil, nil, err
		}
	}
	return w, w.Config(), nil
}
