// Package audit implements the per-target audit record (spec §4.6
// step 4, supplemented per the original Python implementation's
// processed_target.py): a JSON document under
// processed/<target>/<target>.audit.json capturing every stage
// decision, the full ranked calibration candidate list per slot, the
// resolved parameter values, and tool versions.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"starbash/internal/calib"
	"starbash/internal/config"
	"starbash/internal/executor"
	"starbash/internal/graph"
)

// CandidateEntry is one ranked calibration candidate, serialized for
// transparency (spec §3.1: "persisted into the per-target audit record
// for transparency").
type CandidateEntry struct {
	Path       string  `json:"path"`
	Score      float64 `json:"score"`
	Rationale  string  `json:"rationale"`
	StackCount int     `json:"stack_count"`
}

// StageEntry records one executed or skipped task.
type StageEntry struct {
	Task     string            `json:"task"`
	Stage    string            `json:"stage"`
	ToolKind string            `json:"tool_kind"`
	Inputs   []string          `json:"inputs"`
	Outputs  []string          `json:"outputs"`
	Params   map[string]string `json:"params,omitempty"`
	State    string            `json:"state"`
	Error    string            `json:"error,omitempty"`
}

// ExcludedEntry records a candidate task that did not survive culling.
type ExcludedEntry struct {
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
}

// Record is the full per-target audit document.
type Record struct {
	Target       string                                 `json:"target"`
	GeneratedAt  time.Time                               `json:"generated_at"`
	Identity     config.Identity                         `json:"identity"`
	Stages       []StageEntry                            `json:"stages"`
	CalibChoices map[string]map[string][]CandidateEntry  `json:"calib_choices"` // sessionID -> slot -> ranked candidates
	Excluded     []ExcludedEntry                          `json:"excluded"`
	ToolVersions map[string]string                        `json:"tool_versions,omitempty"`
}

// Build assembles a Record from a completed graph build and execution
// run. generatedAt is passed in rather than computed (the module never
// calls time.Now() from inside deterministic code paths); callers stamp
// it themselves.
func Build(g *graph.Graph, outcomes []executor.Outcome, identity config.Identity, toolVersions map[string]string, generatedAt time.Time) Record {
	rec := Record{
		Target:       g.Target,
		GeneratedAt:  generatedAt,
		Identity:     identity,
		CalibChoices: map[string]map[string][]CandidateEntry{},
		ToolVersions: toolVersions,
	}

	for _, o := range outcomes {
		entry := StageEntry{
			Task:     o.Task.Name,
			Stage:    o.Task.StageName,
			ToolKind: o.Task.ToolKind,
			Inputs:   o.Task.Inputs,
			Outputs:  o.Task.Outputs,
			Params:   o.Task.Params,
			State:    string(o.State),
		}
		if o.Err != nil {
			entry.Error = o.Err.Error()
		}
		rec.Stages = append(rec.Stages, entry)

		for slot, scored := range o.Task.Candidates {
			for _, sid := range o.Task.SessionIDs {
				addChoices(rec.CalibChoices, sid, slot, scored)
			}
		}
	}

	for sid, bySlot := range g.CalibChoices {
		for slot, scored := range bySlot {
			addChoices(rec.CalibChoices, sid, slot, scored)
		}
	}

	for _, ex := range g.Excluded {
		rec.Excluded = append(rec.Excluded, ExcludedEntry{Name: ex.Name, Stage: ex.Stage, Reason: ex.Reason})
	}

	return rec
}

func addChoices(dst map[string]map[string][]CandidateEntry, sessionID string, slot calib.SlotKind, scored []calib.ScoredCandidate) {
	bySlot, ok := dst[sessionID]
	if !ok {
		bySlot = map[string][]CandidateEntry{}
		dst[sessionID] = bySlot
	}
	if _, exists := bySlot[string(slot)]; exists {
		return
	}
	entries := make([]CandidateEntry, len(scored))
	for i, c := range scored {
		entries[i] = CandidateEntry{Path: c.Record.Path, Score: c.Score, Rationale: c.Rationale, StackCount: c.Record.StackCount}
	}
	bySlot[string(slot)] = entries
}

// WriteTo writes rec as JSON to
// <processedRoot>/<target>/<target>.audit.json, creating directories
// as needed.
func (r Record) WriteTo(processedRoot string) error {
	dir := filepath.Join(processedRoot, r.Target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, r.Target+".audit.json")
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
