package selection

import (
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsEmptySelection(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "selection.json"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !s.IsEmpty() {
		t.Fatalf("expected a fresh selection to be empty")
	}
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "selection.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	s.AddTarget("sadr")
	s.AddTarget("sadr") // duplicate is a no-op
	s.AddInstrument("seestar")
	s.SetDateWindow("2025-07-01T00:00:00Z", "2025-07-31T00:00:00Z")
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reloaded.Targets) != 1 || reloaded.Targets[0] != "sadr" {
		t.Fatalf("expected exactly one target, got %v", reloaded.Targets)
	}
	if len(reloaded.Instruments) != 1 {
		t.Fatalf("expected one instrument, got %v", reloaded.Instruments)
	}
	if reloaded.IsEmpty() {
		t.Fatalf("reloaded selection should not report empty")
	}
}

func TestRemoveTarget(t *testing.T) {
	s := &Selection{}
	s.AddTarget("a")
	s.AddTarget("b")
	s.RemoveTarget("a")
	if len(s.Targets) != 1 || s.Targets[0] != "b" {
		t.Fatalf("expected only %q to remain, got %v", "b", s.Targets)
	}
}

func TestClearResetsToUniverse(t *testing.T) {
	s := &Selection{}
	s.AddTarget("sadr")
	s.SetDateWindow("2025-01-01T00:00:00Z", "")
	s.Clear()
	if !s.IsEmpty() {
		t.Fatalf("expected Clear to reset to the universe")
	}
}

func TestToQueryConditionsParsesDates(t *testing.T) {
	s := &Selection{}
	s.AddTarget("sadr")
	s.SetDateWindow("2025-07-01T00:00:00Z", "2025-07-31T00:00:00Z")
	q := s.ToQueryConditions()
	if len(q.Targets) != 1 || q.Targets[0] != "sadr" {
		t.Fatalf("expected target to carry through, got %v", q.Targets)
	}
	if q.After == nil || q.Before == nil {
		t.Fatalf("expected both date bounds to parse")
	}
}

func TestSummaryReportsActiveFilters(t *testing.T) {
	s := &Selection{}
	if s.Summary() != "no filters active - selecting all sessions" {
		t.Fatalf("expected the universe summary, got %q", s.Summary())
	}
	s.AddTarget("sadr")
	s.AddFilter("Ha")
	summary := s.Summary()
	if summary == "" {
		t.Fatalf("expected a non-empty summary once filters are active")
	}
}
