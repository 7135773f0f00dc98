package engine

import (
	"context"

	"starbash/internal/repo"
)

// StartWatching builds a repo.Watcher over every local raw-source
// repository and reindexes the owning repository whenever a change
// event arrives, until ctx is cancelled (spec §4.2's optional live-watch
// re-scan trigger for local raw-source repositories).
func (e *Engine) StartWatching(ctx context.Context) (*repo.Watcher, error) {
	w, err := repo.NewWatcher(e.Log)
	if err != nil {
		return nil, err
	}
	for _, r := range e.Repos {
		if r.Kind != repo.KindRawSource {
			continue
		}
		if err := w.Watch(r); err != nil {
			w.Stop()
			return nil, err
		}
	}
	w.Start()

	// The caller owns w's lifetime and is responsible for calling
	// w.Stop() once ctx is done; this loop only stops consuming events.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				e.handleChangeEvent(ev)
			}
		}
	}()

	return w, nil
}

func (e *Engine) handleChangeEvent(ev repo.ChangeEvent) {
	for _, r := range e.Repos {
		if r.ID != ev.RepoID {
			continue
		}
		if err := e.reindexOne(r); err != nil {
			e.Log.Warn("reindex after watch event failed", "repo", r.ID, "path", ev.Path, "error", err)
			return
		}
		if err := e.Store.RebuildSessions(); err != nil {
			e.Log.Warn("rebuild sessions after watch event failed", "repo", r.ID, "error", err)
		}
		return
	}
}
