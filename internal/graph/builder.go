package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"starbash/internal/calib"
	"starbash/internal/catalog"
	"starbash/internal/errs"
	"starbash/internal/stage"
)

// BuildInput parameterizes a single target's graph build (spec §4.6
// build phase).
type BuildInput struct {
	Target      string
	Sessions    []catalog.SessionRow // light sessions belonging to Target
	Recipe      *stage.Recipe
	Store       *catalog.Store
	Defaults    map[string]string // engine-default context layer (spec §3.1 ProcessingContext)
	CacheRoot   string
	MastersRoot string
}

// Build expands Recipe's stages against Target's sessions into a
// culled, backfilled, validated DAG (spec §4.6).
func Build(in BuildInput) (*Graph, error) {
	g := NewGraph(in.Target)
	if len(in.Sessions) == 0 {
		return g, nil
	}

	b := &builder{
		in:           in,
		graph:        g,
		slotChoices:  map[string]map[calib.SlotKind][]calib.ScoredCandidate{},
		backfillSeen: map[string]*Task{},
	}
	primary := b.generateCandidates()
	if len(primary) == 0 {
		return g, errs.Wrap(errs.ErrNoEligibleStage, fmt.Sprintf("target %s: no stage is eligible for any session", in.Target))
	}
	candidates := append(primary, b.backfill...)
	b.wire(candidates)
	surviving := b.cull(candidates)
	b.wire(surviving) // re-resolve Upstream once culling may have dropped consumers

	for _, t := range surviving {
		g.addTask(t)
	}
	g.CalibChoices = b.slotChoices

	if err := g.Sort(); err != nil {
		return g, err
	}
	if err := g.validateInputs(); err != nil {
		return g, err
	}
	if missing := g.UnresolvedInputs(diskExists); len(missing) > 0 {
		return g, errs.Wrap(errs.ErrMissingInputs, fmt.Sprintf("target %s: %v", in.Target, missing))
	}
	return g, nil
}

func diskExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type builder struct {
	in          BuildInput
	graph       *Graph
	slotChoices map[string]map[calib.SlotKind][]calib.ScoredCandidate // sessionID -> slot -> ranked candidates

	backfill     []*Task
	backfillSeen map[string]*Task // dedupe key -> synthesized master-generation task
}

var masterPlaceholder = regexp.MustCompile(`\{master_(flat|dark|bias|darkorbias)\}`)

// neededSlots reports which calibration slots a stage's templates
// reference, by scanning for {master_<slot>} placeholders (spec §4.5's
// `context` overlay, populated from C4's winners).
func neededSlots(s *stage.Stage) []calib.SlotKind {
	var text strings.Builder
	text.WriteString(s.Script)
	text.WriteString(" ")
	text.WriteString(s.ScriptFile)
	for _, f := range s.Input.Files {
		text.WriteString(" ")
		text.WriteString(f)
	}
	for _, o := range s.Outputs {
		text.WriteString(" ")
		text.WriteString(o)
	}
	seen := map[calib.SlotKind]bool{}
	var out []calib.SlotKind
	for _, m := range masterPlaceholder.FindAllStringSubmatch(text.String(), -1) {
		slot := calib.SlotKind(m[1])
		if !seen[slot] {
			seen[slot] = true
			out = append(out, slot)
		}
	}
	return out
}

// generateCandidates instantiates one candidate task per (eligible
// stage, multiplex unit) (spec §4.6 step 1).
func (b *builder) generateCandidates() []*Task {
	var out []*Task
	counts := map[string]int{}

	for _, st := range b.in.Recipe.Stages {
		switch st.Multiplex {
		case stage.MultiplexPerSession:
			for _, sess := range b.in.Sessions {
				if !st.Eligible(sess) {
					continue
				}
				if t := b.instantiate(st, []catalog.SessionRow{sess}, counts); t != nil {
					out = append(out, t)
				}
			}
		default: // per-target or single: one task spanning every eligible session
			var eligible []catalog.SessionRow
			for _, sess := range b.in.Sessions {
				if st.Eligible(sess) {
					eligible = append(eligible, sess)
				}
			}
			if len(eligible) == 0 {
				continue
			}
			if t := b.instantiate(st, eligible, counts); t != nil {
				out = append(out, t)
			}
		}
	}
	return out
}

func (b *builder) instantiate(st *stage.Stage, sessions []catalog.SessionRow, counts map[string]int) *Task {
	primary := sessions[0]
	sessionOrIndex := primary.ID
	if len(sessions) > 1 {
		sessionOrIndex = fmt.Sprintf("%s-x%d", b.in.Target, len(sessions))
	}
	name := fmt.Sprintf("%s_%s_%s", st.LongName, b.in.Target, sessionOrIndex)
	if n := counts[name]; n > 0 {
		name = fmt.Sprintf("%s_%d", name, n+1)
	}
	counts[name]++

	workDir := filepath.Join(b.in.CacheRoot, b.in.Target, name)
	ctx := stage.SeedContext(b.in.Defaults, b.in.Target, primary.ID, primary.CameraID, primary.Instrument, primary.Filter, workDir)

	masters := b.resolveMasters(st, sessions)
	ctx = ctx.WithMasters(masters)

	inputs := b.resolveInputs(st, ctx)
	params := stage.ParamsToStrings(st.Parameters, ctx)
	outputs, err := stage.ExpandAll(st.Outputs, ctx)
	if err != nil {
		b.graph.Excluded = append(b.graph.Excluded, ExcludedCandidate{Name: name, Target: b.in.Target, Stage: st.Name, Reason: err.Error()})
		return nil
	}

	var ids []string
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}

	return &Task{
		Name:         name,
		StageName:    st.Name,
		LongName:     st.LongName,
		When:         st.When,
		Target:       b.in.Target,
		SessionIDs:   ids,
		Inputs:       inputs,
		Outputs:      outputs,
		ToolKind:     st.ToolKind,
		Script:       st.Script,
		ScriptFile:   st.ScriptFile,
		Params:       params,
		WorkDir:      workDir,
		Priority:     st.Priority,
		MinOutputs:   st.MinOutputs,
		Upstream:     map[string]struct{}{},
		Context:      ctx,
		State:        StatePending,
		Candidates:   map[calib.SlotKind][]calib.ScoredCandidate{},
		upstreamName: st.Input.UpstreamName,
	}
}

// resolveMasters runs the Calibration Selector (C4) for every slot
// this stage's templates reference, across the union of sessions
// (spec §4.4, §4.6 step 1's "selected masters from C4").
func (b *builder) resolveMasters(st *stage.Stage, sessions []catalog.SessionRow) map[string]string {
	out := map[string]string{}
	for _, slot := range neededSlots(st) {
		for _, sess := range sessions {
			path, scored := b.selectSlot(sess, slot)
			choices := b.slotChoices[sess.ID]
			if choices == nil {
				choices = map[calib.SlotKind][]calib.ScoredCandidate{}
				b.slotChoices[sess.ID] = choices
			}
			choices[slot] = scored
			if path == "" {
				path = b.synthesizeMaster(sess, slot)
			}
			if path != "" {
				out[string(slot)] = path
			}
		}
	}
	return out
}

// synthesizeMaster backfills a master path that no existing master
// satisfies, by building a master-generation task from the matching
// raw calibration frames (spec §4.6 step 4). Returns "" if even the
// raw pool has nothing usable, in which case the consuming stage's
// template is left with an unresolved {master_*} placeholder and
// fails at expansion time with ErrUnresolvedTemplate.
func (b *builder) synthesizeMaster(sess catalog.SessionRow, slot calib.SlotKind) string {
	key := fmt.Sprintf("%s|%s|%d|%d|%s|%s", slot, sess.CameraID, sess.Gain, sess.Binning, sess.Filter, sess.Instrument)
	if t, ok := b.backfillSeen[key]; ok {
		return t.Outputs[0]
	}

	taken := sess.StartAt.Add(24 * time.Hour)
	rawKind, scored := b.rawPoolFor(sess, slot, taken)
	if len(scored) == 0 {
		return ""
	}

	frames := make([]string, len(scored))
	for i, c := range scored {
		frames[i] = c.Record.Path
	}
	outputPath := masterPath(b.in.MastersRoot, sess.CameraID, rawKind, slot, sess)

	toolKind := "stacker"
	if len(frames) == 1 {
		toolKind = "copy"
	}
	t := &Task{
		Name:       fmt.Sprintf("master_%s_%s_%s", slot, sess.CameraID, sess.ID),
		StageName:  "master-" + string(slot),
		LongName:   "master-" + string(slot),
		Target:     b.in.Target,
		SessionIDs: []string{sess.ID},
		Inputs:     frames,
		Outputs:    []string{outputPath},
		ToolKind:   toolKind,
		Priority:   -1,
		MinOutputs: 1,
		Upstream:   map[string]struct{}{},
		State:      StatePending,
		Candidates: map[calib.SlotKind][]calib.ScoredCandidate{slot: scored},
	}
	b.backfillSeen[key] = t
	b.backfill = append(b.backfill, t)
	return outputPath
}

// rawPoolFor returns the raw-frame candidate pool for slot, applying
// the same hard filters the Calibration Selector uses for masters
// (spec §9: darkorbias prefers dark frames, falling back to bias).
func (b *builder) rawPoolFor(sess catalog.SessionRow, slot calib.SlotKind, taken time.Time) (catalog.ImageKind, []calib.ScoredCandidate) {
	switch slot {
	case calib.SlotFlat:
		pool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{Kind: catalog.KindFlat, Width: sess.Width, Height: sess.Height, TakenBefore: taken})
		return catalog.KindFlat, calib.Select(sess, slot, pool)
	case calib.SlotDark:
		pool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{Kind: catalog.KindDark, Width: sess.Width, Height: sess.Height, TakenBefore: taken})
		return catalog.KindDark, calib.Select(sess, slot, pool)
	case calib.SlotBias:
		pool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{Kind: catalog.KindBias, Width: sess.Width, Height: sess.Height, TakenBefore: taken})
		return catalog.KindBias, calib.Select(sess, slot, pool)
	case calib.SlotDarkOrBias:
		darkPool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{Kind: catalog.KindDark, Width: sess.Width, Height: sess.Height, TakenBefore: taken})
		if scored := calib.Select(sess, calib.SlotDark, darkPool); len(scored) > 0 {
			return catalog.KindDark, scored
		}
		biasPool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{Kind: catalog.KindBias, Width: sess.Width, Height: sess.Height, TakenBefore: taken})
		return catalog.KindBias, calib.Select(sess, calib.SlotDarkOrBias, biasPool)
	}
	return "", nil
}

// masterPath derives the deterministic output path for a synthesized
// master (spec §6.3: masters/<camera-id>/<kind>/<filename>).
func masterPath(mastersRoot, cameraID string, rawKind catalog.ImageKind, slot calib.SlotKind, sess catalog.SessionRow) string {
	var name string
	switch slot {
	case calib.SlotFlat:
		name = fmt.Sprintf("flat_%s_g%d_b%d.fits", sess.Filter, sess.Gain, sess.Binning)
	default:
		name = fmt.Sprintf("%s_g%d_b%d_e%.0f.fits", slot, sess.Gain, sess.Binning, sess.ExposureSec)
	}
	return filepath.Join(mastersRoot, cameraID, string(rawKind), name)
}

func (b *builder) selectSlot(sess catalog.SessionRow, slot calib.SlotKind) (string, []calib.ScoredCandidate) {
	taken := sess.StartAt.Add(24 * time.Hour)
	switch slot {
	case calib.SlotFlat:
		pool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{
			Kind: catalog.KindMasterFlat, Width: sess.Width, Height: sess.Height, TakenBefore: taken,
		})
		scored := calib.Select(sess, slot, pool)
		return winnerPath(scored), scored
	case calib.SlotDark:
		pool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{
			Kind: catalog.KindMasterDark, Width: sess.Width, Height: sess.Height, TakenBefore: taken,
		})
		scored := calib.Select(sess, slot, pool)
		return winnerPath(scored), scored
	case calib.SlotBias:
		pool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{
			Kind: catalog.KindMasterBias, Width: sess.Width, Height: sess.Height, TakenBefore: taken,
		})
		scored := calib.Select(sess, slot, pool)
		return winnerPath(scored), scored
	case calib.SlotDarkOrBias:
		darkPool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{
			Kind: catalog.KindMasterDark, Width: sess.Width, Height: sess.Height, TakenBefore: taken,
		})
		biasPool, _ := b.in.Store.FindCandidates(catalog.CandidateQuery{
			Kind: catalog.KindMasterBias, Width: sess.Width, Height: sess.Height, TakenBefore: taken,
		})
		scored := calib.SelectDarkOrBias(sess, darkPool, biasPool)
		return winnerPath(scored), scored
	}
	return "", nil
}

func winnerPath(scored []calib.ScoredCandidate) string {
	if len(scored) == 0 {
		return ""
	}
	return scored[0].Record.Path
}

// resolveInputs expands a stage's explicit/glob inputs. Upstream-named
// inputs are left nil here and filled in by wire (spec §4.6 step 2).
func (b *builder) resolveInputs(st *stage.Stage, ctx *stage.ProcessingContext) []string {
	if st.Input.UpstreamName != "" {
		return nil
	}
	if len(st.Input.Files) > 0 {
		out, err := stage.ExpandAll(st.Input.Files, ctx)
		if err != nil {
			return nil
		}
		return out
	}
	if st.Input.Glob != "" {
		pattern, err := stage.Expand(st.Input.Glob, ctx)
		if err != nil {
			return nil
		}
		matches, _ := filepath.Glob(pattern)
		sort.Strings(matches)
		return matches
	}
	return nil
}

// wire links candidate tasks by string-equality between one task's
// output path and another's input path, and resolves upstream-named
// inputs to their producing stage's outputs (spec §4.6 step 2).
func (b *builder) wire(candidates []*Task) {
	outputIndex := map[string][]*Task{}
	for _, t := range candidates {
		for _, o := range t.Outputs {
			outputIndex[o] = append(outputIndex[o], t)
		}
	}

	byStageAndSession := map[string][]*Task{}
	for _, t := range candidates {
		for _, sid := range t.SessionIDs {
			key := t.Target + "|" + t.StageName + "|" + sid
			byStageAndSession[key] = append(byStageAndSession[key], t)
		}
	}

	for _, t := range candidates {
		t.Upstream = map[string]struct{}{}
		if t.upstreamName != "" {
			var resolved []string
			seen := map[string]bool{}
			for _, sid := range t.SessionIDs {
				key := t.Target + "|" + t.upstreamName + "|" + sid
				for _, p := range byStageAndSession[key] {
					t.Upstream[p.Name] = struct{}{}
					for _, o := range p.Outputs {
						if !seen[o] {
							seen[o] = true
							resolved = append(resolved, o)
						}
					}
				}
			}
			t.Inputs = resolved
		}
		for _, in := range t.Inputs {
			for _, p := range outputIndex[in] {
				if p.Name != t.Name {
					t.Upstream[p.Name] = struct{}{}
				}
			}
		}
	}
}
