package catalog

import (
	"path/filepath"
	"testing"
	"time"

	"starbash/internal/errs"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleImage(path string) ImageRecord {
	return ImageRecord{
		Path: path, RepoID: "repo-1", Kind: KindLight, ObservedAt: time.Now(),
		Width: 1920, Height: 1080, Filter: "Ha", Target: "Sadr", Instrument: "Seestar", CameraID: "cam1",
	}
}

func TestUpsertImageRejectsMissingDimensions(t *testing.T) {
	s := newTestStore(t)
	rec := sampleImage("a.fits")
	rec.Width = 0
	err := s.UpsertImage(rec)
	if !errs.Is(err, errs.ErrSchemaError) {
		t.Fatalf("expected ErrSchemaError for a zero-width record, got %v", err)
	}
}

func TestUpsertImageRejectsMissingKind(t *testing.T) {
	s := newTestStore(t)
	rec := sampleImage("a.fits")
	rec.Kind = ""
	err := s.UpsertImage(rec)
	if !errs.Is(err, errs.ErrSchemaError) {
		t.Fatalf("expected ErrSchemaError for a missing kind, got %v", err)
	}
}

func TestUpsertImageIsIdempotentOnPath(t *testing.T) {
	s := newTestStore(t)
	rec := sampleImage("a.fits")
	if err := s.UpsertImage(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertImage(rec); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	n, err := s.CountImages()
	if err != nil || n != 1 {
		t.Fatalf("expected re-upserting the same path to not duplicate rows, got %d err=%v", n, err)
	}
}

func TestUpsertImageDefaultsStackCount(t *testing.T) {
	s := newTestStore(t)
	rec := sampleImage("a.fits")
	rec.StackCount = 0
	if err := s.UpsertImage(rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	found, err := s.FindCandidates(CandidateQuery{Kind: KindLight, Width: 1920, Height: 1080, TakenBefore: time.Now().Add(time.Hour)})
	if err != nil || len(found) != 1 {
		t.Fatalf("expected to find the upserted image, got %d err=%v", len(found), err)
	}
	if found[0].StackCount != 1 {
		t.Fatalf("expected StackCount to default to 1, got %d", found[0].StackCount)
	}
}

func TestRemoveRepoDeletesOnlyItsImages(t *testing.T) {
	s := newTestStore(t)
	a := sampleImage("a.fits")
	b := sampleImage("b.fits")
	b.RepoID = "repo-2"
	if err := s.UpsertImage(a); err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	if err := s.UpsertImage(b); err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if err := s.RemoveRepo("repo-1"); err != nil {
		t.Fatalf("remove repo: %v", err)
	}
	n, err := s.CountImages()
	if err != nil || n != 1 {
		t.Fatalf("expected only repo-2's image to survive, got %d err=%v", n, err)
	}
}
