package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fitsCard(keyword, value string) []byte {
	b := make([]byte, 80)
	for i := range b {
		b[i] = ' '
	}
	copy(b, []byte(fmt.Sprintf("%-8s", keyword)))
	b[8] = '='
	b[9] = ' '
	copy(b[10:], []byte(value))
	return b
}

func writeMinimalFITS(t *testing.T, path string, cards map[string]string) {
	var data []byte
	for k, v := range cards {
		data = append(data, fitsCard(k, v)...)
	}
	data = append(data, fitsCard("END", "")...)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fits: %v", err)
	}
}

func TestReadFITSHeaderParsesCompleteLightFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "light-0001.fits")
	writeMinimalFITS(t, path, map[string]string{
		"IMAGETYP": "Light Frame",
		"DATE-OBS": "2025-07-15T22:30:00",
		"EXPTIME":  "30",
		"GAIN":     "100",
		"XBINNING": "1",
		"FILTER":   "Ha",
		"OBJECT":   "Sadr",
		"NAXIS1":   "1920",
		"NAXIS2":   "1080",
	})

	rec, complete := readFITSHeader(path, "repo-1")
	if !complete {
		t.Fatalf("expected a fully-keyworded header to be complete, got %+v", rec)
	}
	if rec.Kind != KindLight || rec.Width != 1920 || rec.Height != 1080 || rec.Filter != "Ha" {
		t.Fatalf("expected parsed fields to carry through, got %+v", rec)
	}
}

func TestReadFITSHeaderIncompleteWithoutDimensions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "light-0002.fits")
	writeMinimalFITS(t, path, map[string]string{
		"IMAGETYP": "Light Frame",
		"DATE-OBS": "2025-07-15T22:30:00",
	})
	_, complete := readFITSHeader(path, "repo-1")
	if complete {
		t.Fatalf("expected a header missing NAXIS1/NAXIS2 to be incomplete")
	}
}

func TestInferFromLayoutUsesPathAndSidecar(t *testing.T) {
	dir := t.TempDir()
	frameDir := filepath.Join(dir, "CALI_FRAME", "bias", "cam_1")
	path := filepath.Join(frameDir, "bias_gain_2_bin_1.fits")
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("not a fits file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	sidecar := layoutSidecar{Width: 1920, Height: 1080, ObservedAt: "2025-06-01"}
	data, _ := json.Marshal(sidecar)
	if err := os.WriteFile(filepath.Join(frameDir, "shot-info.json"), data, 0o644); err != nil {
		t.Fatalf("write sidecar: %v", err)
	}

	rec, ok := inferFromLayout(path, "repo-1", ImageRecord{})
	if !ok {
		t.Fatalf("expected the layout+sidecar fallback to resolve kind and observed-at")
	}
	if rec.Kind != KindBias || rec.Gain != 2 || rec.Binning != 1 || rec.CameraID != "cam_1" {
		t.Fatalf("expected fields inferred from the path, got %+v", rec)
	}
	if rec.Width != 1920 || rec.Height != 1080 {
		t.Fatalf("expected dimensions to come from the sidecar, got %+v", rec)
	}
}

func TestAliasMapNormalizeFallsBackToLowercase(t *testing.T) {
	aliases := AliasMap{"hydrogen-alpha": "Ha"}
	if got := aliases.Normalize("Hydrogen-Alpha"); got != "Ha" {
		t.Fatalf("expected the alias to resolve to Ha, got %q", got)
	}
	if got := aliases.Normalize("  OIII  "); got != "oiii" {
		t.Fatalf("expected an unaliased label to fall back to trimmed lowercase, got %q", got)
	}
}

func TestScanIngestsCompleteFITSFrame(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	root := t.TempDir()
	writeMinimalFITS(t, filepath.Join(root, "light-0001.fits"), map[string]string{
		"IMAGETYP": "Light Frame",
		"DATE-OBS": "2025-07-15T22:30:00",
		"EXPTIME":  "30",
		"NAXIS1":   "1920",
		"NAXIS2":   "1080",
	})

	ig := NewIngester(store, AliasMap{}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100})))
	if err := ig.Scan(root, "repo-1", RepoKindRawSource); err != nil {
		t.Fatalf("scan: %v", err)
	}

	n, err := store.CountImages()
	if err != nil {
		t.Fatalf("count images: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one ingested image, got %d", n)
	}
}

func TestScanPromotesFlatToMasterInMasterRepo(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	root := t.TempDir()
	writeMinimalFITS(t, filepath.Join(root, "flat-0001.fits"), map[string]string{
		"IMAGETYP": "Flat Frame",
		"DATE-OBS": "2025-07-15T22:30:00",
		"EXPTIME":  "1",
		"NAXIS1":   "1920",
		"NAXIS2":   "1080",
	})

	ig := NewIngester(store, AliasMap{}, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100})))
	if err := ig.Scan(root, "repo-masters", RepoKindMaster); err != nil {
		t.Fatalf("scan: %v", err)
	}

	taken, err := time.Parse(time.RFC3339, "2025-07-16T00:00:00Z")
	if err != nil {
		t.Fatalf("parse taken-before: %v", err)
	}
	candidates, err := store.FindCandidates(CandidateQuery{Kind: KindMasterFlat, Width: 1920, Height: 1080, TakenBefore: taken})
	if err != nil {
		t.Fatalf("find candidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected the flat ingested from a master repo to promote to master-flat, got %+v", candidates)
	}
}

func TestScanSkipsNonFrameFiles(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "readme.txt"), []byte("not a frame"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ig := NewIngester(store, nil, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100})))
	if err := ig.Scan(root, "repo-1", RepoKindRawSource); err != nil {
		t.Fatalf("scan: %v", err)
	}
	n, err := store.CountImages()
	if err != nil || n != 0 {
		t.Fatalf("expected no images ingested from non-frame files, got %d err=%v", n, err)
	}
}
