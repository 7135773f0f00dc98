// Package repo implements the Repository Layer (spec §4.2): loading a
// declarative stage document from each configured repository URL,
// resolving imports, and exposing a precedence union over everything
// loaded, grounded on the teacher's HCL loader
// (jmh-devel-photonic has no config-tree of its own; the document
// format and loader shape are adapted from
// specialistvlad-burstgridgo's internal/hcl_adapter.Loader).
package repo

import (
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Scheme names a repository's URL scheme (spec §3's Repository type).
type Scheme string

const (
	SchemeLocal    Scheme = "local"
	SchemePackaged Scheme = "packaged"
	SchemeRemote   Scheme = "remote"
)

// Kind names a repository's content classification.
type Kind string

const (
	KindRecipe         Kind = "recipe"
	KindRawSource      Kind = "raw-source"
	KindMaster         Kind = "master"
	KindProcessedOutput Kind = "processed-output"
)

// Repository is a rooted configuration tree (spec §3).
type Repository struct {
	ID     string
	URL    string
	Scheme Scheme
	Kind   Kind
	Rank   int // load order; higher loads later and wins ties

	// root is the local filesystem directory the scheme resolved to
	// (the packaged/remote cache directory, or the local path itself).
	root string
}

// Root returns the local filesystem directory this repository resolved
// to, used by stages to locate script files relative to their owning
// repository (spec §4.2 step 3's back-pointer requirement). Empty until
// a Loader resolves it.
func (r *Repository) Root() string { return r.root }

// EffectiveRoot returns Root if the Loader has already resolved this
// repository, falling back to URL otherwise — local-scheme URLs are
// already a filesystem path, so callers that run before (or without)
// a Loader.Load pass (ingestion, the live-watch trigger) can still
// locate the repository on disk.
func (r *Repository) EffectiveRoot() string {
	if r.root != "" {
		return r.root
	}
	return r.URL
}

// RepoMeta is the `recipe { ... }` block's attribution metadata (spec
// §6.1).
type RepoMeta struct {
	Name   string
	Author string
}

// StageOrderEntry is one element of the `stages { order = [...] }`
// block (spec §6.1's top-level `stages` ordering array).
type StageOrderEntry struct {
	Name     string
	Priority int
}

// StageBlock is a fully-resolved `stage` item: imports have already
// been spliced in by the time it reaches the Union (spec §4.2 step 2).
type StageBlock struct {
	Name       string
	LongName   string
	When       string // stages sharing a When are alternatives resolved by priority + guards (spec §4.5)
	ToolKind   string
	Script     string
	ScriptFile string
	Input      []string // glob:/upstream:/explicit-filename entries (spec §4.5 `input`)
	Requires   []string // guard predicates over the session (spec §4.5 `requires`)
	Priority   int
	Multiplex  string
	Outputs    []string // templated output file names (spec §4.5 `output`)
	Params     map[string]cty.Value

	Range hcl.Range
	Repo  *Repository
}

// fetchCacheEntry tracks a conditionally-cached remote fetch (spec
// §4.2's "conditional-request cache ... stale-if-error with a bounded
// TTL"), grounded on sells-group-research-cli's HTTPFetcher.
type fetchCacheEntry struct {
	ETag     string
	FetchedAt time.Time
	CachePath string
}
