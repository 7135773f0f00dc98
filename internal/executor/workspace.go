package executor

import (
	"os"
	"path/filepath"
	"sort"

	"starbash/internal/fsutil"
	"starbash/internal/graph"
)

// materializeInputs stages t's declared inputs into its workspace by
// symlink (spec §4.6 execution step 2: "materialize declared inputs
// into the task's workspace"), returning the staged paths in the same
// order as t.Inputs.
func materializeInputs(t *graph.Task) ([]string, error) {
	staged := make([]string, len(t.Inputs))
	for i, src := range t.Inputs {
		dst := filepath.Join(t.WorkDir, "in", filepath.Base(src))
		if err := fsutil.Materialize(src, dst); err != nil {
			return nil, err
		}
		staged[i] = dst
	}
	return staged, nil
}

// enforceCacheCap evicts the least-recently-modified per-task
// workspace directories under cacheRoot until its total size is at or
// under capMB, leaving anything not inside a task workspace untouched
// (spec §4.8: "the cache root is capped; eviction is LRU by workspace
// directory, never touching catalog, masters, or documents roots").
func enforceCacheCap(cacheRoot string, capMB int) error {
	if capMB <= 0 {
		return nil
	}
	capBytes := int64(capMB) * 1024 * 1024

	type dirInfo struct {
		path    string
		size    int64
		modTime int64
	}
	var dirs []dirInfo
	var total int64

	entries, err := os.ReadDir(cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, target := range entries {
		if !target.IsDir() {
			continue
		}
		targetPath := filepath.Join(cacheRoot, target.Name())
		taskDirs, err := os.ReadDir(targetPath)
		if err != nil {
			continue
		}
		for _, td := range taskDirs {
			if !td.IsDir() {
				continue
			}
			p := filepath.Join(targetPath, td.Name())
			size, latest := dirStats(p)
			dirs = append(dirs, dirInfo{path: p, size: size, modTime: latest})
			total += size
		}
	}

	if total <= capBytes {
		return nil
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime < dirs[j].modTime })
	for _, d := range dirs {
		if total <= capBytes {
			break
		}
		if err := os.RemoveAll(d.path); err != nil {
			continue
		}
		total -= d.size
	}
	return nil
}

func dirStats(root string) (size int64, latestModUnix int64) {
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		size += info.Size()
		if m := info.ModTime().Unix(); m > latestModUnix {
			latestModUnix = m
		}
		return nil
	})
	return size, latestModUnix
}
