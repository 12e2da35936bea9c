package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked after a successful reload with the old and the
// new configuration. Returning an error rejects the new configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads configuration on file changes and SIGHUP. Settings
// that would require rebuilding the HSM session or change the attributes of
// already-created keys are rejected at reload time.
type ConfigReloader struct {
	mu         sync.RWMutex
	configPath string
	current    *Config
	onReload   ReloadCallback
	logger     *logrus.Logger

	watcher *fsnotify.Watcher
	sighup  chan os.Signal
	done    chan struct{}
	stopped sync.Once
}

// NewConfigReloader creates a reloader for the given config file. An empty
// path disables file watching; SIGHUP still triggers a reload attempt.
func NewConfigReloader(configPath string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		configPath: configPath,
		current:    initial,
		logger:     logger,
		sighup:     make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}

	if configPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory: editors replace files on save, which drops
		// a watch placed on the file itself.
		if err := watcher.Add(filepath.Dir(configPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback run after each successful
// reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// Start blocks processing reload triggers until Stop is called. Run it in
// its own goroutine.
func (r *ConfigReloader) Start() {
	for {
		if r.watcher != nil {
			select {
			case event, ok := <-r.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) == filepath.Clean(r.configPath) &&
					event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					r.reload("file change")
				}
			case err, ok := <-r.watcher.Errors:
				if !ok {
					return
				}
				r.logger.WithError(err).Warn("Config file watcher error")
			case <-r.sighup:
				r.reload("SIGHUP")
			case <-r.done:
				return
			}
		} else {
			select {
			case <-r.sighup:
				r.reload("SIGHUP")
			case <-r.done:
				return
			}
		}
	}
}

// Stop shuts the reloader down. Safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopped.Do(func() {
		signal.Stop(r.sighup)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := *r.current
	return &cfg
}

// reload loads the file again and swaps the configuration in if it passes
// validation, the safety check, and the callback.
func (r *ConfigReloader) reload(trigger string) {
	newConfig, err := LoadConfig(r.configPath)
	if err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload failed, keeping current configuration")
		return
	}

	r.mu.Lock()
	old := r.current
	cb := r.onReload
	r.mu.Unlock()

	if err := r.validateReloadSafety(old, newConfig); err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload rejected")
		return
	}

	if cb != nil {
		if err := cb(old, newConfig); err != nil {
			r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload callback rejected new configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = newConfig
	r.mu.Unlock()

	r.logger.WithField("trigger", trigger).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that cannot take effect without a
// restart: the HSM session is opened once at startup, and the key attribute
// policy is baked into every template already created.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.HSM.Provider != new.HSM.Provider {
		return fmt.Errorf("hsm.provider cannot be changed during hot reload")
	}
	if old.HSM.ModulePath != new.HSM.ModulePath {
		return fmt.Errorf("hsm.module_path cannot be changed during hot reload")
	}
	if old.HSM.TokenLabel != new.HSM.TokenLabel {
		return fmt.Errorf("hsm.token_label cannot be changed during hot reload")
	}
	if old.HSM.PIN != new.HSM.PIN {
		return fmt.Errorf("hsm.pin cannot be changed during hot reload")
	}
	if !equalSlotID(old.HSM.SlotID, new.HSM.SlotID) {
		return fmt.Errorf("hsm.slot_id cannot be changed during hot reload")
	}
	if old.Keys.Token != new.Keys.Token {
		return fmt.Errorf("keys.token cannot be changed during hot reload")
	}
	if old.Keys.Sensitive != new.Keys.Sensitive {
		return fmt.Errorf("keys.sensitive cannot be changed during hot reload")
	}
	return nil
}

func equalSlotID(a, b *uint) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
