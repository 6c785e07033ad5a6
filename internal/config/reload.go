package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/pkg/logger"
)

// ReloadCallback applies a reloaded configuration. The previous one is
// passed so callbacks can act on what changed.
type ReloadCallback func(previous, current *Config) error

// Reloader watches the config file and applies changes to the running
// process. Only settings a callback knows how to apply take effect; the
// rest need a restart.
type Reloader struct {
	path     string
	interval time.Duration
	logger   *logger.Logger

	mu          sync.RWMutex
	config      *Config
	callbacks   []ReloadCallback
	lastModTime time.Time
	reloads     int
	lastError   error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewReloader creates a reloader for the configuration loaded from path
func NewReloader(cfg *Config, path string, interval time.Duration, log *logger.Logger) *Reloader {
	if log == nil {
		log = logger.Discard()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r := &Reloader{
		path:     path,
		interval: interval,
		logger:   log.WithField("component", "config_reload"),
		config:   cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if info, err := os.Stat(path); err == nil {
		r.lastModTime = info.ModTime()
	}
	return r
}

// OnReload registers a callback run after every successful reload
func (r *Reloader) OnReload(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, cb)
}

// Start watches the file until Stop is called. Change notifications come
// from fsnotify; the poll interval catches anything the watcher misses.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory so editors that replace the file by rename
		// keep being noticed.
		if err = watcher.Add(filepath.Dir(r.path)); err != nil {
			watcher.Close()
			watcher = nil
		}
	}
	if err != nil {
		r.logger.WithError(err).Warn("File notifications unavailable, polling only")
	}

	go r.watch(watcher)
	r.logger.WithFields(logrus.Fields{
		"config_file": r.path,
		"interval":    r.interval,
		"notify":      watcher != nil,
	}).Info("Started configuration file watcher")
}

// Stop stops the watcher and waits for it to exit
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done
	})
}

func (r *Reloader) watch(watcher *fsnotify.Watcher) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if watcher != nil {
		defer watcher.Close()
		events, errs = watcher.Events, watcher.Errors
	}

	check := func() {
		if _, err := r.CheckModified(); err != nil {
			r.logger.WithError(err).Error("Configuration reload failed, keeping current configuration")
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(r.path) && ev.Has(fsnotify.Write|fsnotify.Create) {
				check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config file watcher error")
		case <-ticker.C:
			check()
		case <-r.stop:
			return
		}
	}
}

// CheckModified reloads the file when its modification time moved. It
// reports whether a reload happened.
func (r *Reloader) CheckModified() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	r.mu.RLock()
	unchanged := !info.ModTime().After(r.lastModTime)
	r.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	r.mu.Lock()
	r.lastModTime = info.ModTime()
	r.mu.Unlock()
	return true, r.Reload()
}

// Reload reads the file, applies environment overrides and runs the
// callbacks. On any error the current configuration stays in place.
func (r *Reloader) Reload() error {
	next := DefaultConfig()
	err := next.loadFile(r.path)
	if err == nil {
		applyEnvironment(next)
		err = next.Validate()
	}
	if err != nil {
		r.recordError(err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := r.config
	if reflect.DeepEqual(previous, next) {
		return nil
	}
	for _, cb := range r.callbacks {
		if err := cb(previous, next); err != nil {
			r.lastError = err
			return fmt.Errorf("config reload callback failed: %w", err)
		}
	}
	r.config = next
	r.reloads++
	r.lastError = nil

	r.logger.WithField("reloads", r.reloads).Info("Configuration reloaded successfully")
	return nil
}

func (r *Reloader) recordError(err error) {
	r.mu.Lock()
	r.lastError = err
	r.mu.Unlock()
}

// Current returns the configuration in effect
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// ReloadStats summarises the watcher's state
type ReloadStats struct {
	ConfigFile   string    `json:"config_file"`
	Reloads      int       `json:"reloads"`
	LastModified time.Time `json:"last_modified"`
	LastError    string    `json:"last_error,omitempty"`
}

// Stats returns reload statistics
func (r *Reloader) Stats() ReloadStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := ReloadStats{
		ConfigFile:   r.path,
		Reloads:      r.reloads,
		LastModified: r.lastModTime,
	}
	if r.lastError != nil {
		stats.LastError = r.lastError.Error()
	}
	return stats
}
