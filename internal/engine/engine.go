// Package engine wires the Catalog, Repository Layer, Selection, Stage
// Model, Task Graph Builder, Tool Runtime, Incremental Executor, and
// audit record into the driver-facing surface of spec §6.4,
// grounded on the teacher's internal/cli.Root construction pattern
// (one long-lived struct holding every component, built once at
// startup and handed to each subcommand).
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"starbash/internal/audit"
	"starbash/internal/calib"
	"starbash/internal/catalog"
	"starbash/internal/config"
	"starbash/internal/errs"
	"starbash/internal/executor"
	"starbash/internal/graph"
	"starbash/internal/repo"
	"starbash/internal/selection"
	"starbash/internal/stage"
	"starbash/internal/toolruntime"
)

// Engine is the long-lived facade the driver (cmd/starbash) operates
// against.
type Engine struct {
	Config    *config.Config
	Log       *slog.Logger
	Store     *catalog.Store
	Loader    *repo.Loader
	Repos     []*repo.Repository
	Selection *selection.Selection
	Runtime   *toolruntime.Runtime

	Aliases catalog.AliasMap
}

// New opens the catalog, loads selection state and the saved repository
// list, and constructs the Tool Runtime. Repository documents are not
// parsed here; each processing run loads them through the Loader.
func New(cfg *config.Config, log *slog.Logger) (*Engine, error) {
	store, err := catalog.New(filepath.Join(cfg.Paths.UserDataRoot, "catalog.db"))
	if err != nil {
		return nil, err
	}
	sel, err := selection.Load(filepath.Join(cfg.Paths.UserDataRoot, "selection.json"))
	if err != nil {
		store.Close()
		return nil, err
	}
	rt := toolruntime.New(&cfg.Tools, log)
	e := &Engine{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Loader:    repo.NewLoader(filepath.Join(cfg.Paths.CacheRoot, "repo-fetch"), filepath.Join(cfg.Paths.UserDataRoot, "packaged")),
		Selection: sel,
		Runtime:   rt,
		Aliases:   catalog.AliasMap{},
	}
	if err := e.LoadRepos(); err != nil {
		store.Close()
		return nil, err
	}
	return e, nil
}

// Close releases the catalog's database handle.
func (e *Engine) Close() error { return e.Store.Close() }

// AddRepo registers repo and immediately reindexes it (spec §6.4:
// "repository management (add/remove/reindex)").
func (e *Engine) AddRepo(ctx context.Context, r *repo.Repository) error {
	e.Repos = append(e.Repos, r)
	if err := e.SaveRepos(); err != nil {
		return err
	}
	if r.Kind != repo.KindRecipe {
		return e.reindexOne(r)
	}
	return nil
}

// RemoveRepo drops a repository and every image it contributed to the
// catalog (spec §6.4, invariant: "repository add → reindex → remove
// leaves the Catalog in the exact state it had before add").
func (e *Engine) RemoveRepo(id string) error {
	for i, r := range e.Repos {
		if r.ID == id {
			e.Repos = append(e.Repos[:i], e.Repos[i+1:]...)
			break
		}
	}
	if err := e.SaveRepos(); err != nil {
		return err
	}
	if err := e.Store.RemoveRepo(id); err != nil {
		return err
	}
	return e.Store.RebuildSessions()
}

// Reindex rescans every non-recipe repository (raw-source, master, and
// processed-output all contribute frames to the Catalog; only recipe
// repositories carry no images) and recomputes sessions.
func (e *Engine) Reindex() error {
	for _, r := range e.Repos {
		if r.Kind == repo.KindRecipe {
			continue
		}
		if err := e.reindexOne(r); err != nil {
			return err
		}
	}
	return e.Store.RebuildSessions()
}

func (e *Engine) reindexOne(r *repo.Repository) error {
	ig := catalog.NewIngester(e.Store, e.Aliases, e.Log)
	return ig.Scan(r.EffectiveRoot(), r.ID, catalog.RepositoryKind(r.Kind))
}

// loadRecipe resolves every configured repository into the Stage
// Model's Recipe (spec §4.2, §4.5).
func (e *Engine) loadRecipe(ctx context.Context) (*stage.Recipe, error) {
	union, err := e.Loader.Load(ctx, e.Repos)
	if err != nil {
		return nil, err
	}
	return stage.BuildRecipe(union), nil
}

// Targets lists the distinct targets matching the current selection
// among light sessions (spec §6.4's info queries).
func (e *Engine) Targets() ([]string, error) {
	sessions, err := e.Store.SearchSessions(e.Selection.ToQueryConditions(), catalog.KindLight)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range sessions {
		if !seen[s.Target] {
			seen[s.Target] = true
			out = append(out, s.Target)
		}
	}
	return out, nil
}

// RunResult is one target's outcome from ProcessAuto/ProcessMasters.
type RunResult struct {
	Target   string
	Outcomes []executor.Outcome
	Err      error
}

// ProcessMasters builds and executes only the master-generation
// portion of the graph: every task whose StageName begins with
// "master-", plus the tasks those depend on (spec §6.4's "build masters
// only" trigger).
func (e *Engine) ProcessMasters(ctx context.Context, generatedAt time.Time) ([]RunResult, error) {
	return e.process(ctx, generatedAt, true)
}

// ProcessAuto builds and executes the full pipeline for the current
// selection (spec §6.4's "full pipeline for the selection" trigger).
func (e *Engine) ProcessAuto(ctx context.Context, generatedAt time.Time) ([]RunResult, error) {
	return e.process(ctx, generatedAt, false)
}

func (e *Engine) process(ctx context.Context, generatedAt time.Time, mastersOnly bool) ([]RunResult, error) {
	recipe, err := e.loadRecipe(ctx)
	if err != nil {
		return nil, err
	}

	targets, err := e.Targets()
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		e.Log.Info("no work", "reason", "no targets match the current selection")
		return nil, nil
	}

	sigs, err := executor.OpenSignatureStore(filepath.Join(e.Config.Paths.CacheRoot, "signatures.db"))
	if err != nil {
		return nil, err
	}
	defer sigs.Close()

	exec := executor.New(e.Runtime, e.Log, e.Config.Execution.Workers, sigs, e.Config.Paths.CacheRoot, e.Config.Execution.CacheRootCap)
	e.Runtime.PreflightCheck()

	var results []RunResult
	for _, target := range targets {
		sessions, err := e.Store.SearchSessions(catalog.Query{Targets: []string{target}}, catalog.KindLight)
		if err != nil {
			results = append(results, RunResult{Target: target, Err: err})
			continue
		}

		g, err := graph.Build(graph.BuildInput{
			Target:      target,
			Sessions:    sessions,
			Recipe:      recipe,
			Store:       e.Store,
			Defaults:    map[string]string{},
			CacheRoot:   e.Config.Paths.CacheRoot,
			MastersRoot: filepath.Join(e.Config.Paths.DocumentsRoot, "masters"),
		})
		if err != nil {
			results = append(results, RunResult{Target: target, Err: err})
			continue
		}

		if mastersOnly {
			restrictToMasters(g)
		}

		outcomes, err := exec.Run(ctx, g)
		if err != nil {
			results = append(results, RunResult{Target: target, Err: err})
			continue
		}

		rec := audit.Build(g, outcomes, e.Config.Identity, nil, generatedAt)
		if err := rec.WriteTo(filepath.Join(e.Config.Paths.DocumentsRoot, "processed")); err != nil {
			e.Log.Warn("failed to write audit record", "target", target, "error", err)
		}

		results = append(results, RunResult{Target: target, Outcomes: outcomes})
	}
	return results, nil
}

// restrictToMasters drops every non-master task from g's order,
// leaving masters plus anything they depend on (spec §6.4's
// process-masters trigger: "build masters only").
func restrictToMasters(g *graph.Graph) {
	keep := map[string]bool{}
	for name, t := range g.Tasks {
		if strings.HasPrefix(t.StageName, "master-") {
			keep[name] = true
		}
	}
	changed := true
	for changed {
		changed = false
		for name, t := range g.Tasks {
			if !keep[name] {
				continue
			}
			for up := range t.Upstream {
				if !keep[up] {
					keep[up] = true
					changed = true
				}
			}
		}
	}
	for name := range g.Tasks {
		if !keep[name] {
			delete(g.Tasks, name)
		}
	}
	var order []string
	for _, name := range g.Order {
		if keep[name] {
			order = append(order, name)
		}
	}
	g.Order = order
}

// ExitCode maps a set of RunResults to spec §6.4's exit codes: 0
// success, 1 partial failure (some targets failed), 2 fatal.
func ExitCode(results []RunResult, fatal error) int {
	if fatal != nil {
		return 2
	}
	for _, r := range results {
		if r.Err != nil {
			return 1
		}
		for _, o := range r.Outcomes {
			if o.State == graph.StateFailed {
				return 1
			}
		}
	}
	return 0
}

// CalibrationPreview reports the ranked calibration candidates for a
// single session+slot, used by an info query that wants to show a
// user why a particular master was chosen (spec §3.1's transparency
// requirement) without building a full graph.
func (e *Engine) CalibrationPreview(session catalog.SessionRow, slot calib.SlotKind, kind catalog.ImageKind) ([]calib.ScoredCandidate, error) {
	taken := session.StartAt.Add(24 * time.Hour)
	pool, err := e.Store.FindCandidates(catalog.CandidateQuery{
		Kind: kind, Width: session.Width, Height: session.Height, TakenBefore: taken,
	})
	if err != nil {
		return nil, errs.Wrap(err, fmt.Sprintf("find candidates for session %s", session.ID))
	}
	return calib.Select(session, slot, pool), nil
}
