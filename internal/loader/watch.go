package loader

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher evicts local avatar files from a cache when they change on disk
// and tells the owner so it can reload.
type Watcher struct {
	watcher  *fsnotify.Watcher
	cache    *Cache
	files    FileFetcher
	onChange func(url string)
	log      zerolog.Logger

	mu    sync.RWMutex
	paths map[string]string // path -> url
	dirs  map[string]bool
	done  chan struct{}
	once  sync.Once
}

// NewWatcher starts watching. onChange runs on the watcher goroutine after
// the entry has been evicted.
func NewWatcher(cache *Cache, files FileFetcher, onChange func(url string), log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		watcher:  fw,
		cache:    cache,
		files:    files,
		onChange: onChange,
		log:      log.With().Str("component", "asset-watcher").Logger(),
		paths:    make(map[string]string),
		dirs:     make(map[string]bool),
		done:     make(chan struct{}),
	}

	go w.watchLoop()

	return w, nil
}

// Watch adds a local avatar URL. Remote URLs are ignored.
func (w *Watcher) Watch(url string) error {
	if !IsLocal(url) {
		return nil
	}
	p, err := filepath.Abs(w.files.Path(url))
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Editors replace files, so the directory is watched rather than the file.
	dir := filepath.Dir(p)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.paths[p] = url
	return nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			p, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			w.mu.RLock()
			url, ok := w.paths[p]
			w.mu.RUnlock()
			if !ok {
				continue
			}
			w.log.Info().Str("url", url).Msg("avatar file changed")
			w.cache.Evict(url)
			if w.onChange != nil {
				w.onChange(url)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
