// Package calib implements the Calibration Selector (spec §4.4): for a
// light session, rank candidate master frames with hard filters plus a
// deterministic score, the same shape as the teacher's
// AlignmentManager.selectProcessor scores registered processors by
// EstimateQuality (internal/tasks/alignment_manager.go).
package calib

import (
	"fmt"
	"math"
	"sort"
	"time"

	"starbash/internal/catalog"
)

// SlotKind names the calibration role a light session needs filled.
type SlotKind string

const (
	SlotFlat       SlotKind = "flat"
	SlotDark       SlotKind = "dark"
	SlotBias       SlotKind = "bias"
	SlotDarkOrBias SlotKind = "darkorbias"
)

// ScoredCandidate pairs a candidate ImageRecord with its score and a
// human-readable rationale (spec §3.1), persisted into the per-target
// audit record for transparency.
type ScoredCandidate struct {
	Record    catalog.ImageRecord
	Score     float64
	Rationale string
}

const graceWindow = 24 * time.Hour

// Select returns the ranked candidates for slot against session, given
// the catalog's raw candidate pool (already narrowed to kind+dims+cutoff
// by catalog.FindCandidates). The first element, if any, is the winner.
func Select(session catalog.SessionRow, slot SlotKind, pool []catalog.ImageRecord) []ScoredCandidate {
	var survivors []ScoredCandidate
	for _, cand := range pool {
		if ok, reason := hardFilter(session, slot, cand); !ok {
			_ = reason
			continue
		}
		score, rationale := scoreCandidate(session, cand)
		survivors = append(survivors, ScoredCandidate{Record: cand, Score: score, Rationale: rationale})
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.ObservedAt.Equal(b.Record.ObservedAt) {
			return a.Record.ObservedAt.After(b.Record.ObservedAt)
		}
		if a.Record.StackCount != b.Record.StackCount {
			return a.Record.StackCount > b.Record.StackCount
		}
		return a.Record.Path < b.Record.Path
	})
	return survivors
}

// hardFilter applies the spec §4.4 hard filters. Any failure rejects
// the candidate outright.
func hardFilter(session catalog.SessionRow, slot SlotKind, cand catalog.ImageRecord) (bool, string) {
	if cand.Width != session.Width || cand.Height != session.Height {
		return false, "dimension mismatch"
	}
	if cand.ObservedAt.After(session.StartAt.Add(graceWindow)) {
		return false, "captured after session plus grace window"
	}

	switch slot {
	case SlotFlat:
		if cand.Instrument != session.Instrument {
			return false, "instrument mismatch"
		}
		if cand.Filter != session.Filter {
			return false, "filter mismatch"
		}
	case SlotDark:
		if cand.CameraID != session.CameraID || cand.Gain != session.Gain || cand.Binning != session.Binning {
			return false, "camera/gain/binning mismatch"
		}
		if !withinExposureTolerance(cand.ExposureSec, session.ExposureSec, 0.05) {
			return false, "exposure tolerance exceeded"
		}
	case SlotBias:
		if cand.CameraID != session.CameraID || cand.Gain != session.Gain || cand.Binning != session.Binning {
			return false, "camera/gain/binning mismatch"
		}
	case SlotDarkOrBias:
		// Spec §9: the same tolerances as dark selection minus the
		// exposure check, since a bias has no meaningful exposure match.
		if cand.CameraID != session.CameraID || cand.Gain != session.Gain || cand.Binning != session.Binning {
			return false, "camera/gain/binning mismatch"
		}
	}
	return true, ""
}

// SelectDarkOrBias resolves a slot that accepts either a dark or a bias
// substitute. Darks are ranked first and win whenever at least one
// survives the hard filters; biases are only consulted when the dark
// pool comes up empty (Open Question resolution: prefer a dark match
// over a bias substitute whenever both survive hard filtering).
func SelectDarkOrBias(session catalog.SessionRow, darkPool, biasPool []catalog.ImageRecord) []ScoredCandidate {
	if darks := Select(session, SlotDark, darkPool); len(darks) > 0 {
		return darks
	}
	return Select(session, SlotDarkOrBias, biasPool)
}

func withinExposureTolerance(candExp, sessionExp, tolerance float64) bool {
	if sessionExp == 0 {
		return candExp == 0
	}
	return math.Abs(candExp-sessionExp)/sessionExp <= tolerance
}

// scoreCandidate implements the spec §4.4 scoring function. Higher is
// better.
func scoreCandidate(session catalog.SessionRow, cand catalog.ImageRecord) (float64, string) {
	const (
		pastWeight       = 100.0
		graceWeight      = 40.0
		recencyPenalty   = 1.0 // per day, clamped
		maxRecencyDays   = 60.0
		prestackedWeight = 10.0
	)

	score := 0.0
	rationale := ""

	delta := session.StartAt.Sub(cand.ObservedAt)
	deltaDays := math.Abs(delta.Hours() / 24)

	if cand.ObservedAt.Before(session.StartAt) || cand.ObservedAt.Equal(session.StartAt) {
		score += pastWeight
		rationale = "captured before session"
	} else {
		score += graceWeight
		rationale = "captured within grace window"
	}

	clampedDays := math.Min(deltaDays, maxRecencyDays)
	score -= clampedDays * recencyPenalty

	if cand.StackCount > 1 {
		score += prestackedWeight
		rationale += "; pre-stacked master"
	}

	return score, fmt.Sprintf("%s (Δt=%.1fd)", rationale, deltaDays)
}
