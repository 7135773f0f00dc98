package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"starbash/internal/repo"
)

// repoRecord is the on-disk form of a configured repository (spec
// §6.4's repository management persists across driver invocations,
// the way selection.Selection persists the current predicate).
type repoRecord struct {
	ID     string     `json:"id"`
	URL    string     `json:"url"`
	Scheme repo.Scheme `json:"scheme"`
	Kind   repo.Kind   `json:"kind"`
	Rank   int        `json:"rank"`
}

func (e *Engine) reposPath() string {
	return filepath.Join(e.Config.Paths.UserDataRoot, "repos.json")
}

// LoadRepos reads the configured repository list from disk into
// e.Repos, replacing whatever was already registered.
func (e *Engine) LoadRepos() error {
	data, err := os.ReadFile(e.reposPath())
	if os.IsNotExist(err) {
		e.Repos = nil
		return nil
	}
	if err != nil {
		return err
	}
	var recs []repoRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return err
	}
	repos := make([]*repo.Repository, len(recs))
	for i, r := range recs {
		repos[i] = repo.NewRepository(r.ID, r.URL, r.Scheme, r.Kind, r.Rank)
	}
	e.Repos = repos
	return nil
}

// SaveRepos persists e.Repos to disk.
func (e *Engine) SaveRepos() error {
	recs := make([]repoRecord, len(e.Repos))
	for i, r := range e.Repos {
		recs[i] = repoRecord{ID: r.ID, URL: r.URL, Scheme: r.Scheme, Kind: r.Kind, Rank: r.Rank}
	}
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(e.reposPath()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(e.reposPath(), data, 0o644)
}
