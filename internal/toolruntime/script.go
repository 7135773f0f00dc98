package toolruntime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"starbash/internal/errs"
)

// scriptFunc is a named, pure operation exposed to the script tool
// kind: it may read the ProcessingContext and the task's input/output
// paths, and write files, but nothing else (spec §9: "Reimplementations
// should keep scripts declarative ... no arbitrary expression
// evaluation; expose only a fixed set of safe container and numeric
// operations").
type scriptFunc func(inv Invocation) error

var scriptRegistry = map[string]scriptFunc{
	"copy-all":   scriptCopyAll,
	"touch-only": scriptTouchOnly,
}

// runScript looks up inv.Command in the restricted function registry
// and runs it; unrecognized names fail closed rather than falling back
// to any form of eval.
func (r *Runtime) runScript(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	fn, ok := scriptRegistry[inv.Command]
	if !ok {
		return Result{}, errs.Wrap(errs.ErrUnknownToolKind, fmt.Sprintf("script %q is not in the restricted registry", inv.Command))
	}
	done := make(chan error, 1)
	go func() { done <- fn(inv) }()
	select {
	case <-ctx.Done():
		return Result{Timings: time.Since(start)}, errs.Wrap(errs.ErrToolTimeout, inv.TaskName)
	case err := <-done:
		res := Result{Timings: time.Since(start)}
		if err != nil {
			return res, errs.Wrap(errs.ErrToolFailed, fmt.Sprintf("%s: %s", inv.TaskName, err))
		}
		res.ExitCode = 0
		return res, nil
	}
}

// scriptCopyAll copies each input to the correspondingly indexed
// output, or every input to the sole output when there is only one.
func scriptCopyAll(inv Invocation) error {
	if len(inv.Outputs) == 1 {
		for _, in := range inv.Inputs {
			if err := copyFile(in, inv.Outputs[0]); err != nil {
				return err
			}
		}
		return nil
	}
	if len(inv.Inputs) != len(inv.Outputs) {
		return fmt.Errorf("copy-all needs matching input/output counts or a single output, got %d/%d", len(inv.Inputs), len(inv.Outputs))
	}
	for i, in := range inv.Inputs {
		if err := copyFile(in, inv.Outputs[i]); err != nil {
			return err
		}
	}
	return nil
}

// scriptTouchOnly creates empty placeholder outputs; used by tests and
// by dry-run style stages that only need a graph-shaped side effect.
func scriptTouchOnly(inv Invocation) error {
	for _, out := range inv.Outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return err
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		f.Close()
	}
	return nil
}
