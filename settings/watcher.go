package settings

import (
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"voicenotes/log"
)

const debounceDelay = 300 * time.Millisecond

// Watcher reloads the settings file when it changes on disk. Invalid
// edits are logged and the last good settings stay current.
type Watcher struct {
	path     string
	debounce time.Duration

	mu        sync.RWMutex
	current   Settings
	callbacks []func(Settings)

	fsw    *fsnotify.Watcher
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewWatcher(path string, initial Settings) *Watcher {
	return &Watcher{
		path:     path,
		debounce: debounceDelay,
		current:  initial,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start watches the directory holding the settings file, since saves
// replace the file rather than writing it in place.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating settings watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	go w.watchLoop()
	return nil
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	defer w.fsw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("settings watcher: %v", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) reload() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	s, err := Load(w.path)
	if err != nil {
		log.Warnf("settings reload ignored: %v", err)
		return
	}

	w.mu.Lock()
	if s == w.current {
		w.mu.Unlock()
		return
	}
	w.current = s
	callbacks := slices.Clone(w.callbacks)
	w.mu.Unlock()

	log.Infof("settings reloaded: endpoint=%s model=%s", s.Endpoint, s.Model)
	for _, cb := range callbacks {
		cb(s)
	}
}

// OnChange registers fn to run after each successful reload.
func (w *Watcher) OnChange(fn func(Settings)) {
	w.mu.Lock()
	w.callbacks = append(w.callbacks, fn)
	w.mu.Unlock()
}

func (w *Watcher) Current() Settings {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Set replaces the current settings without touching disk, e.g. after the
// settings form has saved them.
func (w *Watcher) Set(s Settings) {
	w.mu.Lock()
	w.current = s
	w.mu.Unlock()
}

func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.fsw != nil {
			<-w.done
		}
	})
}
