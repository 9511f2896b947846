package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/notestash/relay/internal/logging"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the file at path into store whenever it changes and calls
// onChange with the previous and new configuration. A file that fails to
// load is logged and ignored. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, store *Store, onChange func(old, updated *Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(path)

	var mu sync.Mutex
	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logging.Warn("Config reload failed, keeping previous config", map[string]interface{}{
				"path":  path,
				"error": err.Error(),
			})
			return
		}
		old := store.Set(cfg)
		logging.Info("Config reloaded", map[string]interface{}{"path": path})
		if onChange != nil {
			onChange(old, cfg)
		}
	}

	defer func() {
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Config watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
