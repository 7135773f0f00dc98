// Package graph implements the Task Graph Builder (spec §4.6): expand
// stages × sessions into a cullable dependency DAG whose leaves are
// external-tool invocations, grounded on the teacher's pipeline.Job /
// pipeline.Result shape (internal/pipeline/pipeline.go) generalized
// from a flat job queue to a dependency-aware graph.
package graph

import (
	"starbash/internal/calib"
	"starbash/internal/stage"
)

// State is a task's position in the spec §4.6 state machine:
// pending -> ready -> running -> {succeeded|failed|cancelled}, with a
// lateral skipped-up-to-date from ready, and blocked when any upstream
// ended failed or cancelled.
type State string

const (
	StatePending        State = "pending"
	StateReady          State = "ready"
	StateRunning        State = "running"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
	StateSkippedUpToDate State = "skipped-up-to-date"
	StateSkippedGuard   State = "skipped-guard"
	StateBlocked        State = "blocked"
)

// Task is a materialized unit in the dependency graph (spec §3.1).
type Task struct {
	Name       string
	StageName  string
	LongName   string
	When       string // stage-name identifier; tasks sharing a When are alternatives culled by priority
	Target     string
	SessionIDs []string

	Inputs  []string
	Outputs []string

	ToolKind   string
	Script     string
	ScriptFile string
	Params     map[string]string

	WorkDir    string
	Priority   int
	MinOutputs int

	Upstream map[string]struct{} // task names whose outputs are this task's inputs

	Context *stage.ProcessingContext
	State   State

	// Candidates is the full ranked calibration list for each slot this
	// task consumed, carried through for the per-target audit record
	// (spec §4.4, §4.6 step 4).
	Candidates map[calib.SlotKind][]calib.ScoredCandidate

	// upstreamName is the stage name this task's input is declared
	// against (input "by upstream stage name", spec §4.5), resolved to
	// concrete Inputs/Upstream during the wire phase.
	upstreamName string
}

// ExcludedCandidate records a culled or rejected candidate task with
// the reason it did not survive into the final graph (spec §4.6
// step 3's "Record excluded candidates ... with reasons").
type ExcludedCandidate struct {
	Name   string
	Target string
	Stage  string
	Reason string
}

// Graph is the per-target DAG the Task Graph Builder materializes
// (spec §3.2: "owned by a single run").
type Graph struct {
	Target   string
	Tasks    map[string]*Task
	Order    []string // topological order, computed by Sort
	Excluded []ExcludedCandidate

	// CalibChoices carries every ranked calibration candidate list
	// consulted while building the graph, keyed by session id then
	// slot, for the per-target audit record (spec §4.6 step 4).
	CalibChoices map[string]map[calib.SlotKind][]calib.ScoredCandidate
}

// NewGraph returns an empty graph for target.
func NewGraph(target string) *Graph {
	return &Graph{Target: target, Tasks: map[string]*Task{}}
}

func (g *Graph) addTask(t *Task) {
	g.Tasks[t.Name] = t
}

func (g *Graph) exclude(t *Task, reason string) {
	g.Excluded = append(g.Excluded, ExcludedCandidate{Name: t.Name, Target: t.Target, Stage: t.StageName, Reason: reason})
}
