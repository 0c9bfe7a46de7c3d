package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher keeps the latest valid config of one file. Edits that fail to load
// or validate are logged and the previous config stays current.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  Config
	onChange []func(Config)

	closed    chan struct{}
	closeOnce sync.Once
	debounce  time.Duration
}

// Watch loads path and starts watching its directory. Editors often replace
// the file by rename, so the file itself is not watched.
func Watch(path string, initial Config) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		watcher:  fw,
		current:  initial,
		closed:   make(chan struct{}),
		debounce: 100 * time.Millisecond,
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) Get() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.closed)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf("CONFIG: reload %s failed, keeping previous: %v", w.path, err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	fns := make([]func(Config), len(w.onChange))
	copy(fns, w.onChange)
	w.mu.Unlock()

	log.Infof("CONFIG: reloaded %s", w.path)
	for _, fn := range fns {
		fn(cfg)
	}
}

func (w *Watcher) watchLoop() {
	var pending <-chan time.Time
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("CONFIG: watcher error: %v", err)
		}
	}
}
