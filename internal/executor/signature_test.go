package executor

import (
	"os"
	"path/filepath"
	"testing"

	"starbash/internal/graph"
)

func openSigs(t *testing.T) *SignatureStore {
	s, err := OpenSignatureStore(filepath.Join(t.TempDir(), "signatures.db"))
	if err != nil {
		t.Fatalf("open signature store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSignatureIsStableForIdenticalTasks(t *testing.T) {
	t1 := &graph.Task{StageName: "stack", ToolKind: "stacker", Outputs: []string{"out.fits"}, Params: map[string]string{"sigma": "2"}}
	t2 := &graph.Task{StageName: "stack", ToolKind: "stacker", Outputs: []string{"out.fits"}, Params: map[string]string{"sigma": "2"}}
	if Signature(t1) != Signature(t2) {
		t.Fatalf("expected identical tasks to produce identical signatures")
	}
}

func TestSignatureChangesWithParams(t *testing.T) {
	base := &graph.Task{StageName: "stack", ToolKind: "stacker", Outputs: []string{"out.fits"}, Params: map[string]string{"sigma": "2"}}
	changed := &graph.Task{StageName: "stack", ToolKind: "stacker", Outputs: []string{"out.fits"}, Params: map[string]string{"sigma": "3"}}
	if Signature(base) == Signature(changed) {
		t.Fatalf("expected a changed parameter to change the signature")
	}
}

func TestSignaturePutAndGetRoundTrip(t *testing.T) {
	s := openSigs(t)
	if err := s.Put("task-a", "sig-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get("task-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "sig-1" {
		t.Fatalf("expected sig-1, got %q", got)
	}

	if err := s.Put("task-a", "sig-2"); err != nil {
		t.Fatalf("put (update): %v", err)
	}
	got, err = s.Get("task-a")
	if err != nil || got != "sig-2" {
		t.Fatalf("expected an upsert to overwrite the signature, got %q err=%v", got, err)
	}
}

func TestGetReturnsEmptyForUnknownTask(t *testing.T) {
	s := openSigs(t)
	got, err := s.Get("never-seen")
	if err != nil || got != "" {
		t.Fatalf("expected an empty signature for an unknown task, got %q err=%v", got, err)
	}
}

func TestUpToDateRequiresOutputsOnDiskAndMatchingSignature(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "stacked.fits")
	task := &graph.Task{Name: "stack-1", StageName: "stack", ToolKind: "stacker", Outputs: []string{out}}

	s := openSigs(t)
	upToDate, err := s.UpToDate(task)
	if err != nil {
		t.Fatalf("up to date: %v", err)
	}
	if upToDate {
		t.Fatalf("expected a task with no recorded signature to not be up to date")
	}

	if err := os.WriteFile(out, []byte("data"), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	if err := s.Put(task.Name, Signature(task)); err != nil {
		t.Fatalf("put: %v", err)
	}
	upToDate, err = s.UpToDate(task)
	if err != nil {
		t.Fatalf("up to date: %v", err)
	}
	if !upToDate {
		t.Fatalf("expected matching signature and on-disk outputs to report up to date")
	}
}

func TestUpToDateFalseWhenOutputMissing(t *testing.T) {
	task := &graph.Task{Name: "stack-2", Outputs: []string{filepath.Join(t.TempDir(), "missing.fits")}}
	s := openSigs(t)
	_ = s.Put(task.Name, Signature(task))
	upToDate, err := s.UpToDate(task)
	if err != nil {
		t.Fatalf("up to date: %v", err)
	}
	if upToDate {
		t.Fatalf("expected a missing output file to force a re-run regardless of signature")
	}
}
