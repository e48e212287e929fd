// Package watcher monitors the configuration file for changes and triggers
// hot reloads. Events are debounced and content-hashed so editor save
// patterns (truncate+write, atomic rename) produce a single reload, and
// rewrites with identical content produce none.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/weavink/embedgate/internal/config"
	log "github.com/weavink/embedgate/internal/logging"
)

const (
	// replaceCheckDelay allows an atomic replace (rename) to settle before
	// deciding whether a Remove event indicates a real deletion.
	replaceCheckDelay    = 50 * time.Millisecond
	configReloadDebounce = 150 * time.Millisecond
)

// Watcher manages file watching for the configuration file.
type Watcher struct {
	configPath        string
	reloadCallback    func(*config.Config)
	watcher           *fsnotify.Watcher
	mu                sync.RWMutex
	lastConfigHash    string
	config            *config.Config
	configReloadMu    sync.Mutex
	configReloadTimer *time.Timer
}

// NewWatcher creates a new file watcher instance. The callback is invoked
// with the freshly loaded configuration after every effective change.
func NewWatcher(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}
	return &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		watcher:        fsw,
	}, nil
}

// SetConfig records the currently active configuration so reloads can report
// what changed.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Start begins watching the configuration file until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if _, err := os.Stat(w.configPath); err == nil {
		if errAdd := w.watcher.Add(w.configPath); errAdd != nil {
			log.Errorf("failed to watch config file %s: %v", w.configPath, errAdd)
			return errAdd
		}
		log.Debugf("watching config file: %s", w.configPath)
	} else {
		log.Infof("config file %s not found, hot reload disabled", w.configPath)
		return nil
	}

	if data, err := os.ReadFile(w.configPath); err == nil && len(data) > 0 {
		sum := sha256.Sum256(data)
		w.mu.Lock()
		w.lastConfigHash = hex.EncodeToString(sum[:])
		w.mu.Unlock()
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	w.stopConfigReloadTimer()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	relevantOps := fsnotify.Write | fsnotify.Create | fsnotify.Rename
	if event.Op&relevantOps == 0 {
		return
	}
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)

	if event.Op&fsnotify.Rename != 0 {
		// Atomic replace surfaces as Rename before the new file is ready.
		// Re-add the watch once the replacement appears.
		time.Sleep(replaceCheckDelay)
		if _, statErr := os.Stat(w.configPath); statErr != nil {
			log.Debugf("config file gone after rename, skipping reload: %s", w.configPath)
			return
		}
		if errAdd := w.watcher.Add(w.configPath); errAdd != nil {
			log.Errorf("failed to re-watch config file %s: %v", w.configPath, errAdd)
		}
	}
	w.scheduleConfigReload()
}

func (w *Watcher) scheduleConfigReload() {
	w.configReloadMu.Lock()
	defer w.configReloadMu.Unlock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
	}
	w.configReloadTimer = time.AfterFunc(configReloadDebounce, func() {
		w.configReloadMu.Lock()
		w.configReloadTimer = nil
		w.configReloadMu.Unlock()
		w.reloadConfigIfChanged()
	})
}

func (w *Watcher) reloadConfigIfChanged() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty config file write event")
		return
	}
	sum := sha256.Sum256(data)
	newHash := hex.EncodeToString(sum[:])

	w.mu.RLock()
	currentHash := w.lastConfigHash
	w.mu.RUnlock()

	if currentHash != "" && currentHash == newHash {
		log.Debugf("config file content unchanged (hash match), skipping reload")
		return
	}
	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.reloadConfig() {
		w.mu.Lock()
		w.lastConfigHash = newHash
		w.mu.Unlock()
	}
}

func (w *Watcher) reloadConfig() bool {
	newConfig, errLoadConfig := config.LoadConfig(w.configPath)
	if errLoadConfig != nil {
		log.Errorf("failed to reload config: %v", errLoadConfig)
		return false
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.mu.Unlock()

	if oldConfig != nil {
		details := buildConfigChangeDetails(oldConfig, newConfig)
		if len(details) > 0 {
			log.Debugf("config changes detected:")
			for _, d := range details {
				log.Debugf("  %s", d)
			}
		} else {
			log.Debugf("no material config field changes detected")
		}
	}

	if w.reloadCallback != nil {
		w.reloadCallback(newConfig)
	}
	log.Infof("config successfully reloaded")
	return true
}

func (w *Watcher) stopConfigReloadTimer() {
	w.configReloadMu.Lock()
	if w.configReloadTimer != nil {
		w.configReloadTimer.Stop()
		w.configReloadTimer = nil
	}
	w.configReloadMu.Unlock()
}
