package cli

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"starbash/internal/config"
	"starbash/internal/engine"
	"starbash/internal/executor"
	"starbash/internal/graph"
)

func captureStdout(t *testing.T, fn func()) string {
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func resetExit() { exitCode = 0 }

func TestSetExitIsMonotonicallyIncreasing(t *testing.T) {
	resetExit()
	setExit(1)
	setExit(0)
	if LastExitCode() != 1 {
		t.Fatalf("expected a lower code to never downgrade the recorded exit code, got %d", LastExitCode())
	}
	setExit(2)
	if LastExitCode() != 2 {
		t.Fatalf("expected a higher code to win, got %d", LastExitCode())
	}
}

func TestReportResultsFatalErrorSetsExitTwo(t *testing.T) {
	resetExit()
	out := captureStdout(t, func() {
		err := reportResults(nil, errCLI)
		if err != errCLI {
			t.Fatalf("expected the fatal error to be returned, got %v", err)
		}
	})
	if LastExitCode() != 2 {
		t.Fatalf("expected exit code 2 on a fatal error, got %d", LastExitCode())
	}
	if out != "" {
		t.Fatalf("expected no summary output on a fatal error, got %q", out)
	}
}

func TestReportResultsNoWork(t *testing.T) {
	resetExit()
	out := captureStdout(t, func() {
		if err := reportResults(nil, nil); err != nil {
			t.Fatalf("reportResults: %v", err)
		}
	})
	if LastExitCode() != 0 {
		t.Fatalf("expected exit code 0 for no work, got %d", LastExitCode())
	}
	if out != "no work\n" {
		t.Fatalf("expected a no-work message, got %q", out)
	}
}

func TestReportResultsSummarizesOutcomesPerTarget(t *testing.T) {
	resetExit()
	results := []engine.RunResult{
		{
			Target: "sadr",
			Outcomes: []executor.Outcome{
				{Task: &graph.Task{Name: "calibrate-lights"}, State: graph.StateSucceeded},
				{Task: &graph.Task{Name: "stack-lights"}, State: graph.StateFailed},
			},
		},
	}
	out := captureStdout(t, func() {
		if err := reportResults(results, nil); err != nil {
			t.Fatalf("reportResults: %v", err)
		}
	})
	if LastExitCode() != 1 {
		t.Fatalf("expected a failed outcome to set exit code 1, got %d", LastExitCode())
	}
	want := "target sadr: 1 succeeded, 0 up-to-date, 1 failed\n"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func newTestEngineForCLI(t *testing.T) *engine.Engine {
	root := t.TempDir()
	cfg := &config.Config{
		Paths: config.Paths{
			UserDataRoot:  filepath.Join(root, "data"),
			CacheRoot:     filepath.Join(root, "cache"),
			DocumentsRoot: filepath.Join(root, "documents"),
		},
		Execution: config.Execution{Workers: 1},
	}
	for _, dir := range []string{cfg.Paths.UserDataRoot, cfg.Paths.CacheRoot, cfg.Paths.DocumentsRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := engine.New(cfg, log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSelectTargetAndShowRoundTrip(t *testing.T) {
	eng := newTestEngineForCLI(t)
	root := NewRootCmd(eng)

	root.SetArgs([]string{"select", "target", "sadr"})
	if err := root.Execute(); err != nil {
		t.Fatalf("select target: %v", err)
	}

	root.SetArgs([]string{"select", "show"})
	out := captureStdout(t, func() {
		if err := root.Execute(); err != nil {
			t.Fatalf("select show: %v", err)
		}
	})
	if !bytes.Contains([]byte(out), []byte("sadr")) {
		t.Fatalf("expected the selection summary to mention the added target, got %q", out)
	}
}

func TestInfoTargetsReportsNoTargetsWhenSelectionEmpty(t *testing.T) {
	eng := newTestEngineForCLI(t)
	root := NewRootCmd(eng)
	root.SetArgs([]string{"info", "targets"})
	out := captureStdout(t, func() {
		if err := root.Execute(); err != nil {
			t.Fatalf("info targets: %v", err)
		}
	})
	if out != "no targets match the current selection\n" {
		t.Fatalf("expected the no-targets message, got %q", out)
	}
}

type cliTestError struct{ msg string }

func (e *cliTestError) Error() string { return e.msg }

var errCLI = &cliTestError{msg: "fatal"}
