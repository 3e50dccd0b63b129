// Package notify reacts to new archive exports landing on disk and fans
// pipeline progress out to listeners.
package notify

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// settleDelay is how long a file must stay quiet before it is reported.
// Exports are often written in several chunks; reacting to the first write
// would hand the pipeline a truncated archive.
const settleDelay = 2 * time.Second

// ArchiveWatcher watches the archive directory and reports new or updated
// JSON exports once their writes have settled.
type ArchiveWatcher struct {
	dir      string
	callback func(path string)
	watcher  *fsnotify.Watcher
	done     chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewArchiveWatcher creates a watcher for the given directory.
func NewArchiveWatcher(dir string, callback func(path string)) *ArchiveWatcher {
	return &ArchiveWatcher{
		dir:      dir,
		callback: callback,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}
}

// Start begins watching. Call Stop to clean up.
func (aw *ArchiveWatcher) Start() error {
	if err := os.MkdirAll(aw.dir, 0o755); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(aw.dir); err != nil {
		_ = w.Close()
		return err
	}
	aw.watcher = w

	go aw.loop()
	log.Info("notify: watching for archive exports", "dir", aw.dir)
	return nil
}

// Stop shuts down the watcher and cancels pending settles.
func (aw *ArchiveWatcher) Stop() {
	if aw.watcher != nil {
		_ = aw.watcher.Close()
	}
	<-aw.done

	aw.mu.Lock()
	for _, t := range aw.pending {
		t.Stop()
	}
	aw.pending = make(map[string]*time.Timer)
	aw.mu.Unlock()
}

func (aw *ArchiveWatcher) loop() {
	defer close(aw.done)
	for {
		select {
		case evt, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write) != 0 && strings.HasSuffix(evt.Name, ".json") {
				aw.settle(evt.Name)
			}
		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("notify: watcher error", "err", err)
		}
	}
}

// settle (re)arms the per-file timer so the callback fires only after the
// file has stopped changing.
func (aw *ArchiveWatcher) settle(path string) {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	if t, ok := aw.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	aw.pending[path] = time.AfterFunc(settleDelay, func() {
		aw.mu.Lock()
		delete(aw.pending, path)
		aw.mu.Unlock()

		log.Info("notify: archive settled", "path", filepath.Base(path))
		if aw.callback != nil {
			aw.callback(path)
		}
	})
}
