package calib

import (
	"testing"
	"time"

	"starbash/internal/catalog"
)

func baseSession() catalog.SessionRow {
	return catalog.SessionRow{
		ID:          "sess-1",
		Target:      "sadr",
		Instrument:  "seestar",
		Filter:      "LP",
		CameraID:    "cam-1",
		Gain:        100,
		Binning:     1,
		Width:       1920,
		Height:      1080,
		ExposureSec: 30,
		StartAt:     time.Date(2025, 7, 15, 22, 0, 0, 0, time.UTC),
	}
}

func flatRecord(observed time.Time) catalog.ImageRecord {
	return catalog.ImageRecord{
		Path:       "flat.fits",
		Kind:       catalog.KindMasterFlat,
		Instrument: "seestar",
		Filter:     "LP",
		Width:      1920,
		Height:     1080,
		ObservedAt: observed,
	}
}

func TestSelectRejectsDimensionMismatch(t *testing.T) {
	sess := baseSession()
	cand := flatRecord(sess.StartAt.Add(-time.Hour))
	cand.Width = 100
	scored := Select(sess, SlotFlat, []catalog.ImageRecord{cand})
	if len(scored) != 0 {
		t.Fatalf("expected dimension mismatch to be rejected, got %d survivors", len(scored))
	}
}

func TestSelectRanksPastFramesAboveGraceWindowFrames(t *testing.T) {
	sess := baseSession()
	past := flatRecord(sess.StartAt.Add(-2 * time.Hour))
	future := flatRecord(sess.StartAt.Add(2 * time.Hour))
	scored := Select(sess, SlotFlat, []catalog.ImageRecord{future, past})
	if len(scored) != 2 {
		t.Fatalf("expected both candidates to survive, got %d", len(scored))
	}
	if !scored[0].Record.ObservedAt.Equal(past.ObservedAt) {
		t.Fatalf("expected the frame captured before the session to rank first")
	}
}

func TestSelectPrefersPrestackedOnTie(t *testing.T) {
	sess := baseSession()
	same := sess.StartAt.Add(-time.Hour)
	plain := flatRecord(same)
	plain.Path = "plain.fits"
	stacked := flatRecord(same)
	stacked.Path = "stacked.fits"
	stacked.StackCount = 5

	scored := Select(sess, SlotFlat, []catalog.ImageRecord{plain, stacked})
	if len(scored) != 2 {
		t.Fatalf("expected two survivors, got %d", len(scored))
	}
	if scored[0].Record.Path != "stacked.fits" {
		t.Fatalf("expected the pre-stacked master to win the tie, got %s", scored[0].Record.Path)
	}
}

func TestDarkHardFilterEnforcesExposureTolerance(t *testing.T) {
	sess := baseSession()
	dark := catalog.ImageRecord{
		Path: "dark.fits", Kind: catalog.KindMasterDark,
		CameraID: sess.CameraID, Gain: sess.Gain, Binning: sess.Binning,
		Width: sess.Width, Height: sess.Height,
		ExposureSec: 45, // 50% off a 30s session exposure
		ObservedAt:  sess.StartAt.Add(-time.Hour),
	}
	scored := Select(sess, SlotDark, []catalog.ImageRecord{dark})
	if len(scored) != 0 {
		t.Fatalf("expected exposure mismatch to be rejected, got %d survivors", len(scored))
	}

	dark.ExposureSec = 30.5
	scored = Select(sess, SlotDark, []catalog.ImageRecord{dark})
	if len(scored) != 1 {
		t.Fatalf("expected a near-exact exposure match to survive, got %d", len(scored))
	}
}

func TestSelectDarkOrBiasPrefersDarkWhenBothSurvive(t *testing.T) {
	sess := baseSession()
	dark := catalog.ImageRecord{
		Path: "dark.fits", Kind: catalog.KindMasterDark,
		CameraID: sess.CameraID, Gain: sess.Gain, Binning: sess.Binning,
		Width: sess.Width, Height: sess.Height, ExposureSec: sess.ExposureSec,
		ObservedAt: sess.StartAt.Add(-time.Hour),
	}
	bias := catalog.ImageRecord{
		Path: "bias.fits", Kind: catalog.KindMasterBias,
		CameraID: sess.CameraID, Gain: sess.Gain, Binning: sess.Binning,
		Width: sess.Width, Height: sess.Height,
		ObservedAt: sess.StartAt.Add(-time.Hour),
	}

	scored := SelectDarkOrBias(sess, []catalog.ImageRecord{dark}, []catalog.ImageRecord{bias})
	if len(scored) != 1 || scored[0].Record.Path != "dark.fits" {
		t.Fatalf("expected the dark candidate to win, got %+v", scored)
	}
}

func TestSelectDarkOrBiasFallsBackToBiasWhenNoDarkSurvives(t *testing.T) {
	sess := baseSession()
	bias := catalog.ImageRecord{
		Path: "bias.fits", Kind: catalog.KindMasterBias,
		CameraID: sess.CameraID, Gain: sess.Gain, Binning: sess.Binning,
		Width: sess.Width, Height: sess.Height,
		ObservedAt: sess.StartAt.Add(-time.Hour),
	}
	scored := SelectDarkOrBias(sess, nil, []catalog.ImageRecord{bias})
	if len(scored) != 1 || scored[0].Record.Path != "bias.fits" {
		t.Fatalf("expected the bias candidate as fallback, got %+v", scored)
	}
}
