package index

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/kokistudios/vmem/internal/coord"
)

// Watcher applies record files created, replaced or removed by other
// processes to an Index.
type Watcher struct {
	ix     *Index
	src    Source
	root   string
	fsw    *fsnotify.Watcher
	logger *log.Logger

	// OnChange, if set, is called with the location of every applied change.
	OnChange func(location string)

	done    chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewWatcher watches root and every task directory under it. Call Start to
// begin applying events and Close to stop.
func NewWatcher(ix *Index, src Source, root string, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		ix:     ix,
		src:    src,
		root:   root,
		fsw:    fsw,
		logger: logger.WithPrefix("watch"),
		done:   make(chan struct{}),
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		fsw.Close()
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && isTaskDir(e.Name()) {
			if err := fsw.Add(filepath.Join(root, e.Name())); err != nil {
				w.logger.Warn("cannot watch task directory", "dir", e.Name(), "err", err)
			}
		}
	}
	return w, nil
}

func isTaskDir(name string) bool {
	return strings.HasPrefix(name, "x-")
}

// Start runs the event loop in a goroutine.
func (w *Watcher) Start() {
	if w.started.Swap(true) {
		return
	}
	go w.loop()
}

// Done is closed once the event loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fsw.Close()
		if w.started.Load() {
			<-w.done
		}
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}

	// A new task directory: watch it and pick up anything written before
	// the watch was in place.
	if filepath.Dir(rel) == "." && isTaskDir(rel) && ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("cannot watch task directory", "dir", rel, "err", err)
				return
			}
			w.scanDir(ev.Name)
		}
		return
	}

	loc := filepath.ToSlash(rel)
	c, err := coord.ParseLocation(loc)
	if err != nil {
		return // lock, temp and foreign files
	}

	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		if _, err := os.Stat(ev.Name); errors.Is(err, fs.ErrNotExist) {
			w.ix.Remove(c)
			w.logger.Debug("removed", "location", loc)
			w.notify(loc)
		}
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		w.load(c, loc)
	}
}

func (w *Watcher) load(c coord.Coordinate, loc string) {
	rec, err := w.src.Load(loc)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.ix.Remove(c)
			return
		}
		w.logger.Debug("ignoring unreadable record", "location", loc, "err", err)
		return
	}
	w.ix.AddRecord(rec)
	w.logger.Debug("indexed", "location", loc)
	w.notify(loc)
}

func (w *Watcher) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rel, err := filepath.Rel(w.root, filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		loc := filepath.ToSlash(rel)
		if c, err := coord.ParseLocation(loc); err == nil {
			w.load(c, loc)
		}
	}
}

func (w *Watcher) notify(loc string) {
	if w.OnChange != nil {
		w.OnChange(loc)
	}
}
