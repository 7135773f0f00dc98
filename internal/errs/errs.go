// Package errs defines the error taxonomy from spec §7. Every sentinel
// is wrapped with github.com/rotisserie/eris so a failure surfaced to
// the driver keeps both a wrapped cause chain and a stack trace.
package errs

import "github.com/rotisserie/eris"

// Configuration errors (§7): fatal to the run.
var (
	ErrUnknownScheme        = eris.New("unknown repository scheme")
	ErrImportCycle          = eris.New("import cycle detected")
	ErrImportTargetNotFound = eris.New("import target not found")
	ErrMissingFile          = eris.New("missing configuration file")
	ErrUnresolvedTemplate   = eris.New("unresolved template placeholder")
	ErrUnknownToolKind      = eris.New("unknown tool kind")
	ErrRemoteUnavailable    = eris.New("remote repository unavailable and no cached copy exists")
)

// Catalog errors (§7): per-image/per-session, the run continues.
var (
	ErrSchemaError         = eris.New("image record missing required fields")
	ErrInconsistentSession = eris.New("candidate session mixes incompatible frames")
)

// Build errors (§7): per-target, that target is skipped with a reason.
var (
	ErrNoEligibleStage = eris.New("no eligible stage for session")
	ErrMissingInputs   = eris.New("task graph has unresolved inputs")
	ErrGraphCycle      = eris.New("task graph contains a cycle")
)

// Execution errors (§7): per-task, downstream blocked, siblings proceed.
var (
	ErrToolFailed  = eris.New("tool invocation exited non-zero")
	ErrToolTimeout = eris.New("tool invocation exceeded its timeout")
)

// Wrap attaches msg to err's cause chain, preserving the eris stack.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return eris.Wrap(err, msg)
}

// Is reports whether err's chain contains target, per errors.Is semantics
// (eris errors participate in errors.Is/As).
func Is(err, target error) bool {
	return eris.Is(err, target)
}
