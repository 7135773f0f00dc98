package repo

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"starbash/internal/errs"
)

// Loader resolves repository URLs to local documents and assembles the
// precedence union (spec §4.2), grounded on burstgridgo's
// hcl_adapter.Loader.Load.
type Loader struct {
	fetcher  *fetcher
	packaged string // directory holding packaged (bundled) default repositories
}

// NewLoader builds a Loader. cacheDir backs the remote-fetch cache;
// packagedDir is where bundled default repositories are installed.
func NewLoader(cacheDir, packagedDir string) *Loader {
	return &Loader{fetcher: newFetcher(cacheDir), packaged: packagedDir}
}

// Load resolves every repository's scheme, parses its document(s),
// splices imports, and returns the precedence union in load-rank
// order.
func (l *Loader) Load(ctx context.Context, repos []*Repository) (*Union, error) {
	union := newUnion()
	ir := newImportResolver()

	ordered := append([]*Repository(nil), repos...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })
	for _, r := range ordered {
		root, err := l.resolveScheme(ctx, r)
		if err != nil {
			return nil, err
		}
		r.root = root

		files, err := findDocFiles(root)
		if err != nil {
			return nil, err
		}

		for _, path := range files {
			doc, err := ir.loadDocument(path)
			if err != nil {
				return nil, err
			}
			if err := ir.resolve(doc, filepath.Dir(path)); err != nil {
				return nil, err
			}
			applyDocument(union, r, doc)
		}
	}

	return union, nil
}

func applyDocument(union *Union, r *Repository, doc *document) {
	if doc.Meta != nil {
		union.Meta[r.ID] = doc.Meta
	}
	for dim, m := range doc.Aliases {
		mergeAliases(union.Aliases, dim, m)
	}
	union.StageOrd = append(union.StageOrd, doc.Order...)

	for _, s := range doc.Stages {
		block := &StageBlock{
			Name:       s.Name,
			LongName:   s.LongName,
			When:       s.When,
			ToolKind:   s.ToolKind,
			Script:     s.Script,
			ScriptFile: s.ScriptFile,
			Input:      s.Input,
			Requires:   s.Requires,
			Priority:   s.Priority,
			Multiplex:  s.Multiplex,
			Outputs:    s.Outputs,
			Params:     paramsOf(s),
			Repo:       r,
		}
		union.put(s.Name, block)
	}
}

// resolveScheme maps a repository's URL to a local filesystem root,
// handling the three schemes spec §4.2 names.
func (l *Loader) resolveScheme(ctx context.Context, r *Repository) (string, error) {
	switch r.Scheme {
	case SchemeLocal:
		info, err := os.Stat(r.URL)
		if err != nil || !info.IsDir() {
			return "", errs.Wrap(errs.ErrMissingFile, r.URL)
		}
		return r.URL, nil
	case SchemePackaged:
		root := filepath.Join(l.packaged, r.URL)
		if _, err := os.Stat(root); err != nil {
			return "", errs.Wrap(errs.ErrMissingFile, root)
		}
		return root, nil
	case SchemeRemote:
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", errs.Wrap(errs.ErrUnknownScheme, r.URL)
		}
		return l.fetcher.Resolve(ctx, r.URL)
	default:
		return "", errs.Wrap(errs.ErrUnknownScheme, string(r.Scheme))
	}
}

func findDocFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".hcl") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// NewRepository builds a Repository from its configuration line (URL,
// scheme, kind, rank), the shape a driver's `repo add` operation
// supplies (spec §6.4).
func NewRepository(id, rawURL string, scheme Scheme, kind Kind, rank int) *Repository {
	return &Repository{ID: id, URL: rawURL, Scheme: scheme, Kind: kind, Rank: rank}
}
