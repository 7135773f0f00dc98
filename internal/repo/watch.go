package repo

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"starbash/internal/fsutil"
)

// ChangeEvent is one filesystem change detected under a watched local
// raw-source repository.
type ChangeEvent struct {
	RepoID    string
	Path      string
	Operation string // created, modified, deleted, renamed
	Time      time.Time
}

// Watcher is the optional live-watch re-scan trigger named in spec §4.2
// for local raw-source repositories, grounded on the teacher's
// internal/tasks/fs_watcher.go FileSystemWatcher.
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan ChangeEvent
	log     *slog.Logger
	repoOf  map[string]string // watched directory -> repository ID
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher builds a Watcher with no directories added yet.
func NewWatcher(log *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: w,
		Events:  make(chan ChangeEvent, 100),
		log:     log,
		repoOf:  map[string]string{},
		done:    make(chan struct{}),
	}, nil
}

// Watch adds repo's root to the watch set if it is a local repository;
// remote and packaged repositories are never live-watched.
func (w *Watcher) Watch(r *Repository) error {
	if r.Scheme != SchemeLocal {
		return nil
	}
	root := r.EffectiveRoot()
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	w.repoOf[root] = r.ID
	w.log.Debug("watching raw-source repository", "repo", r.ID, "path", root)
	return nil
}

// Start begins translating raw fsnotify events into ChangeEvents for
// frame-like files, dropping non-frame noise (sidecar swap files,
// directory metadata) the way fs_watcher.go filters for photo/video
// extensions.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

// Stop halts the watcher and releases its OS resources. It blocks
// until loop has returned before closing Events, so loop never sends
// on a closed channel.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.Events)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fsutil.IsFrameFile(ev.Name) {
				continue
			}
			op := operationOf(ev.Op)
			if op == "" {
				continue
			}
			change := ChangeEvent{RepoID: w.repoIDFor(ev.Name), Path: ev.Name, Operation: op, Time: time.Now()}
			select {
			case w.Events <- change:
			default:
				w.log.Warn("repository watch event buffer full, dropping", "path", ev.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("repository watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func operationOf(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create == fsnotify.Create:
		return "created"
	case op&fsnotify.Write == fsnotify.Write:
		return "modified"
	case op&fsnotify.Remove == fsnotify.Remove:
		return "deleted"
	case op&fsnotify.Rename == fsnotify.Rename:
		return "renamed"
	default:
		return ""
	}
}

func (w *Watcher) repoIDFor(path string) string {
	for root, id := range w.repoOf {
		if len(path) >= len(root) && path[:len(root)] == root {
			return id
		}
	}
	return ""
}
