package config

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader hot-swaps the relay's configuration while it runs. Two triggers
// feed the same Reload path: the fsnotify watcher on the config file, and
// SIGHUP on Unix (reload_unix.go). A reload that fails validation is logged
// and dropped; the relay keeps running on the last good config.
type Reloader struct {
	path   string
	logger *slog.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []func(*Config)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewReloader wraps the already-loaded startup config.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		path:    path,
		current: initial,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback run with each successfully reloaded config.
// relayd uses these to push new settings into the limiter, the breaker, and
// the pipeline without a restart.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start arms the file watcher and the SIGHUP handler. A watcher that cannot
// be created leaves SIGHUP as the only trigger rather than failing startup.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("config watcher unavailable, reload via SIGHUP only", "error", err)
	} else if err := watcher.Add(r.path); err != nil {
		r.logger.Error("cannot watch config file, reload via SIGHUP only",
			"path", r.path, "error", err)
		watcher.Close()
	} else {
		r.watcher = watcher
		go r.watch()
		r.logger.Info("config file watcher started", "path", r.path)
	}

	r.registerSignalHandler()
}

// Stop shuts down the watcher and the signal handler goroutine.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload re-reads and validates the file, swaps the config in, and fans it
// out to the callbacks. Reports whether the swap happened.
func (r *Reloader) Reload() bool {
	next, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload rejected, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	callbacks := slices.Clone(r.callbacks)
	r.mu.Unlock()

	r.logChanges(prev, next)
	for _, cb := range callbacks {
		cb(next)
	}
	r.logger.Info("configuration reloaded", "path", r.path)
	return true
}

// watch debounces file events before reloading: editors and config
// management tools emit several events per save, and atomic-rename writes
// briefly remove the watched path, so Remove and Rename re-arm the watch.
func (r *Reloader) watch() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				r.watcher.Add(r.path) //nolint:errcheck
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(300*time.Millisecond, func() { r.Reload() })
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges surfaces the reloaded settings operators care about, and warns
// on ones that only take effect after a restart.
func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit.RequestsPerSecond != new.RateLimit.RequestsPerSecond ||
		old.RateLimit.BurstSize != new.RateLimit.BurstSize {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}
	if old.CircuitBreaker != new.CircuitBreaker {
		r.logger.Info("circuit breaker config changed",
			"old_failure_threshold", old.CircuitBreaker.FailureThreshold,
			"new_failure_threshold", new.CircuitBreaker.FailureThreshold,
			"old_reset_timeout", old.CircuitBreaker.ResetTimeout,
			"new_reset_timeout", new.CircuitBreaker.ResetTimeout,
		)
	}
	if old.Retry != new.Retry {
		r.logger.Info("retry policy changed",
			"old_max_attempts", old.Retry.MaxAttempts,
			"new_max_attempts", new.Retry.MaxAttempts,
		)
	}
	if old.Broker.MQTT.URL != new.Broker.MQTT.URL {
		r.logger.Warn("broker URL changed: restart required to take effect",
			"old", old.Broker.MQTT.URL,
			"new", new.Broker.MQTT.URL,
		)
	}
	if old.Auth.Enabled != new.Auth.Enabled {
		r.logger.Info("auth enabled changed", "old", old.Auth.Enabled, "new", new.Auth.Enabled)
	}
}
