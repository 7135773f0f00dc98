// Package stage implements the Recipe/Stage Model (spec §4.5): typed
// stages resolved from the Repository Layer's union, grouped into
// recipes, and a layered ProcessingContext used to expand their
// templated inputs/outputs.
package stage

import (
	"strings"

	"github.com/zclconf/go-cty/cty"

	"starbash/internal/catalog"
	"starbash/internal/repo"
)

// Multiplex names how many candidate tasks a stage produces per
// target (spec §4.5).
type Multiplex string

const (
	MultiplexSingle     Multiplex = "single"
	MultiplexPerSession Multiplex = "per-session"
	MultiplexPerTarget  Multiplex = "per-target"
)

// Input names where a stage's input comes from: a glob, an upstream
// stage's output, or an explicit file list.
type Input struct {
	Glob         string
	UpstreamName string
	Files        []string
}

// Parameter is a named knob with a default and doc-string (spec §4.5).
type Parameter struct {
	Name    string
	Default cty.Value
	Doc     string
}

// Stage is the typed, resolved form of a repo.StageBlock (spec §4.5).
type Stage struct {
	Name       string
	LongName   string
	When       string // stage-name identifier; stages sharing a When are alternatives
	ToolKind   string
	Script     string
	ScriptFile string
	Input      Input
	Outputs    []string // templated output file names
	Requires   []string // guard predicates, evaluated against the session
	Parameters []Parameter
	MinOutputs int
	Multiplex  Multiplex
	Priority   int

	Repo *repo.Repository
}

// FromBlock converts a resolved repo.StageBlock into a typed Stage,
// defaulting Multiplex and MinOutputs per spec §4.5.
func FromBlock(b *repo.StageBlock) *Stage {
	s := &Stage{
		Name:       b.Name,
		LongName:   b.LongName,
		When:       b.When,
		ToolKind:   b.ToolKind,
		Script:     b.Script,
		ScriptFile: b.ScriptFile,
		Requires:   b.Requires,
		Priority:   b.Priority,
		MinOutputs: 1,
		Repo:       b.Repo,
	}
	if s.LongName == "" {
		s.LongName = s.Name
	}
	for _, out := range b.Outputs {
		s.Outputs = append(s.Outputs, out)
	}
	s.Input = parseInput(b.Input)
	s.Multiplex = resolveMultiplex(b.Multiplex, s.Input)
	if v, ok := b.Params["min_outputs"]; ok && v.Type() == cty.Number {
		n, _ := v.AsBigFloat().Int64()
		if n > 0 {
			s.MinOutputs = int(n)
		}
	}
	for name, v := range b.Params {
		if name == "min_outputs" {
			continue
		}
		s.Parameters = append(s.Parameters, Parameter{Name: name, Default: v})
	}
	return s
}

// parseInput interprets a stage's `input` entries (spec §4.5): a
// "glob:" prefix names a glob, an "upstream:" prefix names the
// producing stage, anything else is an explicit filename.
func parseInput(entries []string) Input {
	var in Input
	for _, r := range entries {
		switch {
		case strings.HasPrefix(r, "glob:"):
			in.Glob = strings.TrimPrefix(r, "glob:")
		case strings.HasPrefix(r, "upstream:"):
			in.UpstreamName = strings.TrimPrefix(r, "upstream:")
		default:
			in.Files = append(in.Files, r)
		}
	}
	return in
}

func resolveMultiplex(declared string, in Input) Multiplex {
	switch Multiplex(declared) {
	case MultiplexSingle, MultiplexPerSession, MultiplexPerTarget:
		return Multiplex(declared)
	}
	if in.UpstreamName != "" {
		return MultiplexPerSession
	}
	return MultiplexPerTarget
}

// Eligible reports whether stage's guards are satisfied for session
// (spec §4.5's guard predicates: bayer-pattern presence, filter
// membership, instrument match).
func (s *Stage) Eligible(session catalog.SessionRow) bool {
	for _, g := range s.Requires {
		if !evalGuard(g, session) {
			return false
		}
	}
	return true
}

func evalGuard(guard string, session catalog.SessionRow) bool {
	switch {
	case guard == "has-bayer-pattern":
		return session.BayerPattern != ""
	case strings.HasPrefix(guard, "filter-in:"):
		wanted := strings.Split(strings.TrimPrefix(guard, "filter-in:"), ",")
		for _, f := range wanted {
			if strings.EqualFold(f, session.Filter) {
				return true
			}
		}
		return false
	case strings.HasPrefix(guard, "instrument:"):
		return strings.EqualFold(strings.TrimPrefix(guard, "instrument:"), session.Instrument)
	default:
		return true
	}
}

// Recipe groups the stages a repository contributes under one
// identity (spec §6.2's `recipe` metadata block).
type Recipe struct {
	Name    string
	Author  string
	Stages  []*Stage
	Aliases map[string]map[string]string
}

// BuildRecipe assembles a Recipe from the Repository Layer's union
// (spec §4.5, §6.2).
func BuildRecipe(union *repo.Union) *Recipe {
	rec := &Recipe{Aliases: union.Aliases}
	for _, meta := range union.Meta {
		rec.Name = meta.Name
		rec.Author = meta.Author
	}
	for _, b := range union.Resolved() {
		rec.Stages = append(rec.Stages, FromBlock(b))
	}
	return rec
}

// Alternatives returns every stage sharing the given output set,
// alternatives resolved by priority + guards during culling (spec
// §4.5, §4.6 step 3).
func (r *Recipe) Alternatives(outputKey string) []*Stage {
	var out []*Stage
	for _, s := range r.Stages {
		if stageOutputKey(s) == outputKey {
			out = append(out, s)
		}
	}
	return out
}

func stageOutputKey(s *Stage) string {
	return strings.Join(s.Outputs, "|")
}

// AlternativesFor returns every stage that is an alternative of s: one
// sharing its non-empty When identifier, or else one declaring the
// same output set (spec §4.5: "Stages that declare the same set of
// outputs within the same target+session are alternatives").
func (r *Recipe) AlternativesFor(s *Stage) []*Stage {
	if s.When != "" {
		var out []*Stage
		for _, cand := range r.Stages {
			if cand.When == s.When {
				out = append(out, cand)
			}
		}
		return out
	}
	return r.Alternatives(stageOutputKey(s))
}
