package graph

import (
	"fmt"
	"sort"

	"starbash/internal/errs"
)

// Sort computes Order, a topological order over Tasks with Kahn's
// algorithm, deterministic by task name among equally-ready tasks
// (spec §5's "Among equally-ready tasks, order is deterministic by
// task name"). Returns ErrGraphCycle if the graph is not a DAG.
func (g *Graph) Sort() error {
	indegree := map[string]int{}
	for name := range g.Tasks {
		indegree[name] = 0
	}
	for _, t := range g.Tasks {
		for up := range t.Upstream {
			if _, ok := g.Tasks[up]; ok {
				indegree[t.Name]++
			}
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	downstream := map[string][]string{}
	for _, t := range g.Tasks {
		for up := range t.Upstream {
			downstream[up] = append(downstream[up], t.Name)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var next []string
		for _, d := range downstream[name] {
			indegree[d]--
			if indegree[d] == 0 {
				next = append(next, d)
			}
		}
		ready = append(ready, next...)
	}

	if len(order) != len(g.Tasks) {
		return errs.Wrap(errs.ErrGraphCycle, fmt.Sprintf("task graph for target %s contains a cycle", g.Target))
	}
	g.Order = order
	return nil
}

// validateInputs checks spec §4.6 step 5's "every task's tool kind is
// supported", failing with ErrUnknownToolKind on the first task whose
// kind is not. It does not look at task inputs; UnresolvedInputs does
// that.
func (g *Graph) validateInputs() error {
	for _, t := range g.Tasks {
		if !supportedToolKind(t.ToolKind) {
			return errs.Wrap(errs.ErrUnknownToolKind, fmt.Sprintf("task %s: %s", t.Name, t.ToolKind))
		}
	}
	return nil
}

func supportedToolKind(kind string) bool {
	switch kind {
	case "stacker", "image-tool", "script", "copy":
		return true
	default:
		return false
	}
}

// UnresolvedInputs returns, for every task, the inputs that are
// neither a declared output of another surviving task nor present on
// disk, letting the caller raise a per-target MissingInputs error
// (spec §4.6 step 5, §7's "Build errors").
func (g *Graph) UnresolvedInputs(exists func(path string) bool) map[string][]string {
	outputSet := map[string]bool{}
	for _, t := range g.Tasks {
		for _, o := range t.Outputs {
			outputSet[o] = true
		}
	}
	missing := map[string][]string{}
	for _, t := range g.Tasks {
		for _, in := range t.Inputs {
			if outputSet[in] {
				continue
			}
			if exists != nil && exists(in) {
				continue
			}
			missing[t.Name] = append(missing[t.Name], in)
		}
	}
	return missing
}
