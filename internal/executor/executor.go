package executor

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"starbash/internal/errs"
	"starbash/internal/graph"
	"starbash/internal/logging"
	"starbash/internal/stage"
	"starbash/internal/toolruntime"
)

// Outcome is one task's final disposition after a Run (spec §4.6's
// execution-phase state machine: pending -> ready -> running ->
// {succeeded|failed|cancelled}, with skipped-up-to-date and blocked as
// lateral outcomes).
type Outcome struct {
	Task    *graph.Task
	State   graph.State
	Err     error
	Result  toolruntime.Result
}

// Executor runs a graph.Graph's tasks to completion, skipping anything
// the SignatureStore reports up to date, grounded on the teacher's
// internal/pipeline.Pipeline worker-pool loop generalized from a flat
// job queue to dependency-ordered levels.
type Executor struct {
	Runtime   *toolruntime.Runtime
	Log       *slog.Logger
	Workers   int
	Sigs      *SignatureStore
	CacheRoot string
	CacheCap  int // MB, 0 = unbounded
}

// New builds an Executor. workers < 1 is treated as 1.
func New(rt *toolruntime.Runtime, log *slog.Logger, workers int, sigs *SignatureStore, cacheRoot string, cacheCapMB int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{Runtime: rt, Log: log, Workers: workers, Sigs: sigs, CacheRoot: cacheRoot, CacheCap: cacheCapMB}
}

// Run executes g's tasks level by level (each level is every task
// whose upstream has already completed), with up to e.Workers running
// concurrently within a level. A task whose upstream failed or was
// cancelled is marked blocked and never dispatched (spec §4.6: "A task
// whose upstream ended failed or cancelled transitions to blocked
// without running").
func (e *Executor) Run(ctx context.Context, g *graph.Graph) ([]Outcome, error) {
	levels, err := levelsOf(g)
	if err != nil {
		return nil, err
	}

	outcomes := make(map[string]*Outcome, len(g.Tasks))
	blocked := map[string]bool{}

	for _, level := range levels {
		sort.Strings(level)
		var wg sync.WaitGroup
		sem := make(chan struct{}, e.Workers)
		var mu sync.Mutex

		for _, name := range level {
			t := g.Tasks[name]
			upBlocked := false
			for up := range t.Upstream {
				if blocked[up] {
					upBlocked = true
					break
				}
			}
			if upBlocked {
				t.State = graph.StateBlocked
				mu.Lock()
				outcomes[name] = &Outcome{Task: t, State: graph.StateBlocked}
				blocked[name] = true
				mu.Unlock()
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(t *graph.Task) {
				defer wg.Done()
				defer func() { <-sem }()
				o := e.runOne(ctx, t)
				mu.Lock()
				outcomes[t.Name] = &o
				if o.State == graph.StateFailed || o.State == graph.StateCancelled {
					blocked[t.Name] = true
				}
				mu.Unlock()
			}(t)
		}
		wg.Wait()

		if e.CacheRoot != "" {
			_ = enforceCacheCap(e.CacheRoot, e.CacheCap)
		}
	}

	out := make([]Outcome, 0, len(g.Order))
	for _, name := range g.Order {
		if o, ok := outcomes[name]; ok {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *Executor) runOne(ctx context.Context, t *graph.Task) Outcome {
	t.State = graph.StateReady

	if e.Sigs != nil {
		upToDate, err := e.Sigs.UpToDate(t)
		if err == nil && upToDate {
			t.State = graph.StateSkippedUpToDate
			e.Log.Debug("task skipped, up to date", "task", t.Name)
			return Outcome{Task: t, State: graph.StateSkippedUpToDate}
		}
	}

	if err := os.MkdirAll(t.WorkDir, 0o755); err != nil {
		t.State = graph.StateFailed
		return Outcome{Task: t, State: graph.StateFailed, Err: err}
	}
	if _, err := materializeInputs(t); err != nil {
		t.State = graph.StateFailed
		return Outcome{Task: t, State: graph.StateFailed, Err: err}
	}

	inv, err := buildInvocation(t)
	if err != nil {
		t.State = graph.StateFailed
		return Outcome{Task: t, State: graph.StateFailed, Err: err}
	}

	t.State = graph.StateRunning
	start := time.Now()
	logging.LogTaskStart(e.Log, t.Name, t.ToolKind, t.WorkDir)
	res, err := e.Runtime.Run(ctx, inv)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() == context.Canceled {
			t.State = graph.StateCancelled
			logging.LogTaskError(e.Log, t.Name, duration, err)
			return Outcome{Task: t, State: graph.StateCancelled, Err: err, Result: res}
		}
		t.State = graph.StateFailed
		logging.LogTaskError(e.Log, t.Name, duration, err)
		return Outcome{Task: t, State: graph.StateFailed, Err: err, Result: res}
	}

	if existingOutputs(t.Outputs) < t.MinOutputs {
		t.State = graph.StateFailed
		mErr := errs.Wrap(errs.ErrToolFailed, "fewer output files exist on disk than MinOutputs requires")
		logging.LogTaskError(e.Log, t.Name, duration, mErr)
		return Outcome{Task: t, State: graph.StateFailed, Err: mErr, Result: res}
	}

	if e.Sigs != nil {
		_ = e.Sigs.Put(t.Name, Signature(t))
	}

	t.State = graph.StateSucceeded
	logging.LogTaskComplete(e.Log, t.Name, duration, t.Outputs)
	return Outcome{Task: t, State: graph.StateSucceeded, Result: res}
}

// existingOutputs counts how many of outputs actually exist on disk
// (spec §4.6 step 4: "verify >= min-outputs output files exist").
func existingOutputs(outputs []string) int {
	n := 0
	for _, out := range outputs {
		if _, err := os.Stat(out); err == nil {
			n++
		}
	}
	return n
}

// buildInvocation resolves t into the uniform form the Tool Runtime
// expects (spec §4.7), expanding a stacker stage's templated script
// body against t.Context and deriving an image-tool's argument list
// from its resolved parameters.
func buildInvocation(t *graph.Task) (toolruntime.Invocation, error) {
	inv := toolruntime.Invocation{
		TaskName:  t.Name,
		ToolKind:  t.ToolKind,
		Inputs:    t.Inputs,
		Outputs:   t.Outputs,
		Workspace: t.WorkDir,
		Context:   t.Context,
	}
	switch t.ToolKind {
	case "stacker":
		body := t.Script
		if t.ScriptFile != "" {
			raw, err := os.ReadFile(t.ScriptFile)
			if err != nil {
				return inv, err
			}
			body = string(raw)
		}
		expanded, err := stage.Expand(body, t.Context)
		if err != nil {
			return inv, err
		}
		inv.Command = expanded
	case "image-tool":
		inv.Args = imageToolArgs(t)
	case "script":
		inv.Command = t.Script
	}
	return inv, nil
}

// imageToolArgs turns a task's resolved parameters into an explicit
// flag list, grounded on the teacher's darktable/imagemagick processors
// which invoke their tools with a fixed set of CLI flags rather than a
// stdin script.
func imageToolArgs(t *graph.Task) []string {
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2+len(t.Inputs)+2)
	for _, k := range keys {
		args = append(args, "--"+k, t.Params[k])
	}
	args = append(args, t.Inputs...)
	if len(t.Outputs) > 0 {
		args = append(args, "-o", t.Outputs[0])
	}
	return args
}

// levelsOf groups g.Order into dependency-respecting batches: every
// task in level N has all of its upstream (within g.Tasks) in levels
// < N, so every task within a level can run concurrently (spec §4.6's
// "a ready queue dispatched across a worker pool").
func levelsOf(g *graph.Graph) ([][]string, error) {
	if err := g.Sort(); err != nil {
		return nil, err
	}
	level := map[string]int{}
	maxLevel := 0
	for _, name := range g.Order {
		t := g.Tasks[name]
		l := 0
		for up := range t.Upstream {
			if _, ok := g.Tasks[up]; ok && level[up]+1 > l {
				l = level[up] + 1
			}
		}
		level[name] = l
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]string, maxLevel+1)
	for _, name := range g.Order {
		levels[level[name]] = append(levels[level[name]], name)
	}
	return levels, nil
}
