package localstore

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher surfaces modifications made to the storage directory by other
// processes, the moral equivalent of the browser's cross-tab storage event.
type watcher struct {
	fs     *fsnotify.Watcher
	logger *zap.Logger
	done   chan struct{}
}

func newWatcher(dir string, logger *zap.Logger, emit func(key string)) (*watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}

	w := &watcher{fs: fs, logger: logger, done: make(chan struct{})}
	go w.run(emit)
	return w, nil
}

func (w *watcher) run(emit func(key string)) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
				continue
			}
			key := keyFromPath(ev.Name)
			if key == "" {
				continue
			}
			emit(key)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("localstore: watch error", zap.Error(err))
		}
	}
}

func (w *watcher) close() error {
	close(w.done)
	return w.fs.Close()
}

// keyFromPath maps a watched file path back to its storage key. Temp files
// and foreign files yield "".
func keyFromPath(path string) string {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
		return ""
	}
	return strings.TrimSuffix(name, fileExt)
}
