// Package toolruntime implements the Tool Runtime (spec §4.7): a
// uniform run(command, workspace, context) contract behind a tagged
// variant for each tool kind, grounded on the teacher's subprocess
// invocation shape (internal/tasks/astro_alignment.go's siril-via-stdin
// call, internal/tasks/darktable_processor.go's argument-list call,
// and internal/tasks/tool_manager.go's pre-flight check).
package toolruntime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"starbash/internal/config"
	"starbash/internal/errs"
	"starbash/internal/logging"
	"starbash/internal/stage"
)

// Invocation is the resolved, ready-to-run form of a Task (spec §4.7's
// `run(command, workspace, context)` contract).
type Invocation struct {
	TaskName  string
	ToolKind  string // stacker, image-tool, script, copy
	Command   string // stacker script body / script registry entry name
	Args      []string
	Inputs    []string
	Outputs   []string
	Workspace string
	Context   *stage.ProcessingContext
	Timeout   time.Duration
}

// Result captures one tool invocation's outcome (spec §4.7).
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Timings  time.Duration
	LogPath  string

	// OutputDimensions carries each output file's probed pixel
	// dimensions (spec §4.7's output-file probing), keyed by path.
	// Populated for the stacker and image-tool kinds only; a probe
	// failure is logged and the output is simply omitted rather than
	// failing the invocation, since probing is diagnostic, not load-bearing.
	OutputDimensions map[string][2]uint
}

// Runtime dispatches Invocations to the tool kind they name.
type Runtime struct {
	cfg *config.Tools
	log *slog.Logger
}

// New builds a Runtime bound to cfg's tool binaries and defaults.
func New(cfg *config.Tools, log *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, log: log}
}

// PreflightCheck looks up the stacker and image-tool binaries on PATH
// and warns if either is missing (spec §4.7's "pre-flight check at
// engine startup warns if missing").
func (r *Runtime) PreflightCheck() {
	for _, bin := range []string{r.cfg.StackerBinary, r.cfg.ImageToolBinary} {
		if bin == "" {
			continue
		}
		path, err := exec.LookPath(bin)
		logging.LogToolStatus(r.log, bin, err == nil, "", path, err)
	}
}

// Run dispatches inv to the handler for its tool kind (spec §4.7,
// §9's "tagged variant with a common run contract").
func (r *Runtime) Run(ctx context.Context, inv Invocation) (Result, error) {
	if err := os.MkdirAll(inv.Workspace, 0o755); err != nil {
		return Result{}, err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout()
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch inv.ToolKind {
	case "stacker":
		return r.runStacker(runCtx, inv)
	case "image-tool":
		return r.runImageTool(runCtx, inv)
	case "script":
		return r.runScript(runCtx, inv)
	case "copy":
		return r.runCopy(inv)
	default:
		return Result{}, errs.Wrap(errs.ErrUnknownToolKind, inv.ToolKind)
	}
}

func (r *Runtime) defaultTimeout() time.Duration {
	if r.cfg.ToolTimeout == "" {
		return 30 * time.Minute
	}
	d, err := time.ParseDuration(r.cfg.ToolTimeout)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// runStacker invokes the stacker binary non-interactively with the
// stage's command script fed through stdin (spec §4.7's Stacker tool),
// grounded on astro_alignment.go's alignWithSiril.
func (r *Runtime) runStacker(ctx context.Context, inv Invocation) (Result, error) {
	bin := r.cfg.StackerBinary
	cmd := exec.CommandContext(ctx, bin, "-s", "-")
	cmd.Dir = inv.Workspace
	cmd.Stdin = strings.NewReader(inv.Command)
	return r.execute(ctx, cmd, inv)
}

// runImageTool invokes the image tool binary with an explicit argument
// list derived from the stage's parameters (spec §4.7's Image tool).
func (r *Runtime) runImageTool(ctx context.Context, inv Invocation) (Result, error) {
	bin := r.cfg.ImageToolBinary
	cmd := exec.CommandContext(ctx, bin, inv.Args...)
	cmd.Dir = inv.Workspace
	return r.execute(ctx, cmd, inv)
}

// runCopy collapses a single-input master-generation task to a plain
// file copy (spec §4.6 step 4: "may collapse to a copy when exactly
// one input frame exists").
func (r *Runtime) runCopy(inv Invocation) (Result, error) {
	start := time.Now()
	if len(inv.Inputs) != 1 || len(inv.Outputs) != 1 {
		return Result{}, fmt.Errorf("copy tool kind requires exactly one input and one output, got %d/%d", len(inv.Inputs), len(inv.Outputs))
	}
	if err := os.MkdirAll(filepath.Dir(inv.Outputs[0]), 0o755); err != nil {
		return Result{}, err
	}
	if err := copyFile(inv.Inputs[0], inv.Outputs[0]); err != nil {
		return Result{}, errs.Wrap(errs.ErrToolFailed, err.Error())
	}
	return Result{ExitCode: 0, Timings: time.Since(start)}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// execute runs cmd to completion, writing a per-task log file into the
// workspace and classifying timeout vs non-zero-exit failures (spec
// §4.7: "A hard timeout applies ... Timeouts raise ToolTimeout ... A
// non-zero exit raises ToolFailed with a bounded stderr excerpt").
func (r *Runtime) execute(ctx context.Context, cmd *exec.Cmd, inv Invocation) (Result, error) {
	start := time.Now()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start)

	logPath := filepath.Join(inv.Workspace, inv.TaskName+".log")
	writeLog(logPath, inv, stdout.String(), stderr.String())

	res := Result{
		Stdout:  filterWarnings(stdout.String(), r.cfg.WarningAllow),
		Stderr:  stderr.String(),
		Timings: elapsed,
		LogPath: logPath,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, errs.Wrap(errs.ErrToolTimeout, fmt.Sprintf("%s timed out after %s", inv.TaskName, elapsed))
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		return res, errs.Wrap(errs.ErrToolFailed, fmt.Sprintf("%s: %s", inv.TaskName, stderrExcerpt(stderr.String())))
	}
	if inv.ToolKind == "stacker" || inv.ToolKind == "image-tool" {
		res.OutputDimensions = r.probeOutputs(inv.Outputs)
	}
	return res, nil
}

// probeOutputs opens each output with ProbeDimensions and logs a
// warning for any that can't be read (spec §4.7's output-file probing).
func (r *Runtime) probeOutputs(outputs []string) map[string][2]uint {
	dims := make(map[string][2]uint, len(outputs))
	for _, out := range outputs {
		w, h, err := ProbeDimensions(out)
		if err != nil {
			r.log.Warn("failed to probe output dimensions", "path", out, "error", err)
			continue
		}
		dims[out] = [2]uint{w, h}
	}
	return dims
}

// stderrExcerpt bounds a failure's stderr to the first 5 and last 10
// lines (spec §4.7).
func stderrExcerpt(stderr string) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	if len(lines) <= 15 {
		return stderr
	}
	head := lines[:5]
	tail := lines[len(lines)-10:]
	return strings.Join(head, "\n") + "\n... (truncated) ...\n" + strings.Join(tail, "\n")
}

// filterWarnings drops lines matching allowlisted substrings from the
// user-facing output while the full transcript remains in the on-disk
// log (spec §4.7's Stacker tool: "Warnings matching a configured
// allow-list ... are suppressed from user-facing logs but retained in
// the on-disk log").
func filterWarnings(output string, allow []string) string {
	if len(allow) == 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	var kept []string
	for _, line := range lines {
		suppressed := false
		for _, a := range allow {
			if a != "" && strings.Contains(line, a) {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func writeLog(path string, inv Invocation, stdout, stderr string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "task: %s\ntool: %s\ncommand: %s\n\n--- stdout ---\n%s\n--- stderr ---\n%s\n",
		inv.TaskName, inv.ToolKind, inv.Command, stdout, stderr)
}
