package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/shiftly/errors"
	"github.com/teranos/shiftly/logger"
)

// ConfigWatcher watches a config file and re-applies hot-reloadable
// settings when it changes.
type ConfigWatcher struct {
	configPath      string
	watcher         *fsnotify.Watcher
	callbacks       []ReloadCallback
	load            func() (*Config, error)
	log             *zap.SugaredLogger
	mu              sync.RWMutex
	debounceTimer   *time.Timer
	debouncePeriod  time.Duration
	isOwnWrite      bool // set by SetValue so our own writes do not reload
	isOwnWriteMutex sync.Mutex
}

// ReloadCallback is called with the new config after it validated.
type ReloadCallback func(*Config) error

// WatcherOption configures a ConfigWatcher
type WatcherOption func(*ConfigWatcher)

// WithLoader replaces the default Reset+Load reload.
func WithLoader(load func() (*Config, error)) WatcherOption {
	return func(cw *ConfigWatcher) { cw.load = load }
}

// WithDebounce sets how long to wait for writes to settle.
func WithDebounce(d time.Duration) WatcherOption {
	return func(cw *ConfigWatcher) { cw.debouncePeriod = d }
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher creates a watcher for configPath. The containing
// directory is watched so editors that replace the file are still seen.
func NewConfigWatcher(configPath string, log *zap.SugaredLogger, opts ...WatcherOption) (*ConfigWatcher, error) {
	if log == nil {
		log = logger.Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch config file %s", configPath)
	}

	cw := &ConfigWatcher{
		configPath:     filepath.Clean(configPath),
		watcher:        watcher,
		log:            log.Named("am"),
		debouncePeriod: 500 * time.Millisecond,
		load: func() (*Config, error) {
			Reset()
			return Load()
		},
	}
	for _, opt := range opts {
		opt(cw)
	}
	return cw, nil
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite marks the next write as coming from us
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()
	cw.isOwnWrite = true
}

func (cw *ConfigWatcher) checkOwnWrite() bool {
	cw.isOwnWriteMutex.Lock()
	defer cw.isOwnWriteMutex.Unlock()

	if cw.isOwnWrite {
		cw.isOwnWrite = false
		return true
	}
	return false
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if isBackupFile(event.Name) || filepath.Clean(event.Name) != cw.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if cw.checkOwnWrite() {
				cw.log.Debugw("Config watcher ignoring own write", "file", event.Name)
				continue
			}

			cw.log.Infow("Config watcher detected change",
				"file", event.Name,
				"op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid file changes and triggers reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			cw.log.Errorw("Config reload failed", "path", cw.configPath, "error", err)
		}
	})
}

// reload loads and validates the config, then runs every callback. An
// invalid file leaves the running settings untouched.
func (cw *ConfigWatcher) reload() error {
	newConfig, err := cw.load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := newConfig.Validate(); err != nil {
		return errors.Wrap(err, "reloaded config is invalid")
	}

	cw.log.Infow("Config reloaded", "path", cw.configPath)

	cw.mu.RLock()
	callbacks := make([]ReloadCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			// Continue calling other callbacks even if one fails
			cw.log.Warnw("Config reload callback error", "error", err)
		}
	}
	return nil
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	return cw.watcher.Close()
}

// isBackupFile reports whether path is a rotated backup (.back1 to .back3)
func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back") && len(ext) == len(".back1")
}

// SetGlobalWatcher registers the watcher SetValue marks own writes on.
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the global watcher instance
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
