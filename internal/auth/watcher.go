package auth

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// watchDebounce coalesces the burst of fsnotify events an editor or rename
// produces into one reload.
const watchDebounce = 300 * time.Millisecond

// Watcher reloads the account list when the store file changes on disk from
// outside this process. Self-writes are recognised by content hash and
// ignored.
type Watcher struct {
	store    *FileStore
	onReload func([]*Account)

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
	stopped bool
}

// NewWatcher creates a watcher over the store's file. onReload receives the
// freshly loaded accounts; it runs on the watcher goroutine.
func NewWatcher(store *FileStore, onReload func([]*Account)) *Watcher {
	return &Watcher{store: store, onReload: onReload, done: make(chan struct{})}
}

// Start begins watching. The parent directory is watched rather than the
// file itself, since atomic saves rename a temp file over the target.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.store.Path())
	if err = os.MkdirAll(dir, 0o700); err != nil {
		_ = fsw.Close()
		return err
	}
	if err = fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}
	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	go w.loop(fsw)
	return nil
}

// Stop terminates the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	fsw := w.fsw
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if fsw != nil {
		_ = fsw.Close()
	}
	<-w.done
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	defer close(w.done)
	target := filepath.Base(w.store.Path())
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("account file watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.store.Path())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("account file reload skipped: %v", err)
		}
		return
	}
	if contentSum(data) == w.store.LastWrittenSum() {
		// Our own save; nothing to do.
		return
	}
	accounts, err := w.store.Load()
	if err != nil {
		log.Errorf("account file changed on disk but could not be loaded: %v", err)
		return
	}
	log.Infof("account file changed on disk, reloading %d account(s)", len(accounts))
	w.onReload(accounts)
}
