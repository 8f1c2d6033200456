package settings

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 500 * time.Millisecond

// Watcher monitors the config directory and invokes a callback whenever the
// settings file is rewritten by the application layer. Events are debounced
// so an editor's write-then-rename counts once.
type Watcher struct {
	dir      string
	fsw      *fsnotify.Watcher
	callback func(Settings)
	cancel   chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// Watch starts watching configDir for settings changes.
func Watch(configDir string, callback func(Settings)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(configDir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		dir:      configDir,
		fsw:      fsw,
		callback: callback,
		cancel:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.cancel:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceInterval, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("settings watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	s, err := Load(w.dir)
	if err != nil {
		log.Printf("settings reload failed: %v", err)
		return
	}
	log.Printf("webui settings changed: manual_add_contacts=%v", s.ManualAddContacts)
	w.callback(s)
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.cancel)
	w.fsw.Close()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}
