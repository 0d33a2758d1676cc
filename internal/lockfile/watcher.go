package lockfile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a change sentinel using filesystem events, falling
// back to polling if fsnotify cannot be set up.
type Watcher struct {
	watcher      *fsnotify.Watcher
	sentinelPath string
	parentDir    string
	pollingMode  bool
	pollInterval time.Duration
	lastModTime  time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for the given sentinel path. Start's
// onChanged callback is invoked (possibly many times) whenever the
// sentinel's mtime changes; the caller is expected to re-read the
// transaction id under the lock and decide whether the change is real.
func NewWatcher(sentinelPath string) (*Watcher, error) {
	w := &Watcher{
		sentinelPath: sentinelPath,
		parentDir:    filepath.Dir(sentinelPath),
		pollInterval: 2 * time.Second,
	}

	if stat, err := os.Stat(sentinelPath); err == nil {
		w.lastModTime = stat.ModTime()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.pollingMode = true
		return w, nil
	}
	w.watcher = fw

	if err := fw.Add(w.parentDir); err != nil {
		_ = fw.Close()
		w.watcher = nil
		w.pollingMode = true
		return w, nil
	}
	// Watching the sentinel directly is best-effort: it may not exist
	// yet on the very first open, and the parent-directory watch still
	// catches its creation.
	_ = fw.Add(sentinelPath)

	return w, nil
}

// Start begins monitoring in a background goroutine until ctx is
// canceled or Close is called.
func (w *Watcher) Start(ctx context.Context, onChanged func()) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.pollingMode {
		w.startPolling(ctx, onChanged)
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		base := filepath.Base(w.sentinelPath)
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod) != 0 {
					onChanged()
				}
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (w *Watcher) startPolling(ctx context.Context, onChanged func()) {
	ticker := time.NewTicker(w.pollInterval)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stat, err := os.Stat(w.sentinelPath)
				if err != nil {
					continue
				}
				if !stat.ModTime().Equal(w.lastModTime) {
					w.lastModTime = stat.ModTime()
					onChanged()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the watcher and releases resources.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
