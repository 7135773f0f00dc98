package toolruntime

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"starbash/internal/config"
	"starbash/internal/errs"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestStderrExcerptPassesThroughShortOutput(t *testing.T) {
	short := "line1\nline2\n"
	if got := stderrExcerpt(short); got != short {
		t.Fatalf("expected short output to pass through unchanged, got %q", got)
	}
}

func TestStderrExcerptTruncatesLongOutput(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, "line")
	}
	got := stderrExcerpt(strings.Join(lines, "\n"))
	if !strings.Contains(got, "truncated") {
		t.Fatalf("expected a truncation marker in a 30-line excerpt, got %q", got)
	}
	if strings.Count(got, "line") != 15 {
		t.Fatalf("expected exactly 5 head + 10 tail lines to survive, got %d", strings.Count(got, "line"))
	}
}

func TestFilterWarningsSuppressesAllowlistedLines(t *testing.T) {
	output := "registering stars\nWARNING: low star count\nstacking complete\n"
	got := filterWarnings(output, []string{"low star count"})
	if strings.Contains(got, "low star count") {
		t.Fatalf("expected the allowlisted warning to be suppressed, got %q", got)
	}
	if !strings.Contains(got, "stacking complete") {
		t.Fatalf("expected unrelated lines to survive, got %q", got)
	}
}

func TestFilterWarningsNoAllowlistPassesThrough(t *testing.T) {
	output := "anything at all"
	if got := filterWarnings(output, nil); got != output {
		t.Fatalf("expected no allowlist to pass output through unchanged, got %q", got)
	}
}

func TestRunCopyCopiesSingleInputToOutput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.fits")
	if err := os.WriteFile(src, []byte("frame-data"), 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}
	dst := filepath.Join(dir, "out", "out.fits")

	rt := New(&config.Tools{}, discardLogger())
	res, err := rt.runCopy(Invocation{Inputs: []string{src}, Outputs: []string{dst}})
	if err != nil {
		t.Fatalf("runCopy: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "frame-data" {
		t.Fatalf("expected the output file to contain the copied bytes, got %q err=%v", data, err)
	}
}

func TestRunCopyRejectsMismatchedCounts(t *testing.T) {
	rt := New(&config.Tools{}, discardLogger())
	_, err := rt.runCopy(Invocation{Inputs: []string{"a", "b"}, Outputs: []string{"out"}})
	if err == nil {
		t.Fatalf("expected runCopy to reject more than one input")
	}
}

func TestRunScriptDispatchesRegisteredCommand(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "placeholder.fits")
	rt := New(&config.Tools{}, discardLogger())
	res, err := rt.runScript(context.Background(), Invocation{Command: "touch-only", Outputs: []string{out}})
	if err != nil {
		t.Fatalf("runScript: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected touch-only to create the placeholder output, got %v", err)
	}
}

func TestRunScriptRejectsUnregisteredCommand(t *testing.T) {
	rt := New(&config.Tools{}, discardLogger())
	_, err := rt.runScript(context.Background(), Invocation{Command: "eval-anything"})
	if !errs.Is(err, errs.ErrUnknownToolKind) {
		t.Fatalf("expected an unregistered script name to fail closed, got %v", err)
	}
}

func TestRunDispatchesUnknownToolKind(t *testing.T) {
	rt := New(&config.Tools{}, discardLogger())
	_, err := rt.Run(context.Background(), Invocation{ToolKind: "telepathy", Workspace: t.TempDir()})
	if !errs.Is(err, errs.ErrUnknownToolKind) {
		t.Fatalf("expected ErrUnknownToolKind for an unsupported kind, got %v", err)
	}
}

func TestRunImageToolSucceedsAndWritesLog(t *testing.T) {
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("/bin/true not available in this environment")
	}
	dir := t.TempDir()
	rt := New(&config.Tools{ImageToolBinary: "/bin/true"}, discardLogger())
	res, err := rt.Run(context.Background(), Invocation{
		TaskName: "calibrate", ToolKind: "image-tool", Workspace: dir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", res.ExitCode)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Fatalf("expected a per-task log file to be written, got %v", err)
	}
}

func TestProbeOutputsOmitsUnreadableFiles(t *testing.T) {
	rt := New(&config.Tools{}, discardLogger())
	dims := rt.probeOutputs([]string{filepath.Join(t.TempDir(), "missing.fits")})
	if len(dims) != 0 {
		t.Fatalf("expected an unreadable output to be omitted rather than recorded, got %v", dims)
	}
}

func TestRunImageToolFailureCarriesStderrExcerpt(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("/bin/false not available in this environment")
	}
	dir := t.TempDir()
	rt := New(&config.Tools{ImageToolBinary: "/bin/false"}, discardLogger())
	_, err := rt.Run(context.Background(), Invocation{
		TaskName: "calibrate", ToolKind: "image-tool", Workspace: dir,
	})
	if !errs.Is(err, errs.ErrToolFailed) {
		t.Fatalf("expected ErrToolFailed for a non-zero exit, got %v", err)
	}
}
