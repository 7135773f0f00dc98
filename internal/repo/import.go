package repo

import (
	"fmt"
	"path/filepath"

	"starbash/internal/errs"
)

// importResolver splices `import` blocks into the stages that carry
// them (spec §4.2 step 2). A per-run file cache keys on the absolute
// file path to avoid re-parsing a file imported from multiple places;
// a visiting set detects cycles across nested imports.
type importResolver struct {
	fileCache map[string]*document
	visiting  map[string]bool
}

func newImportResolver() *importResolver {
	return &importResolver{fileCache: map[string]*document{}, visiting: map[string]bool{}}
}

func (ir *importResolver) loadDocument(path string) (*document, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if doc, ok := ir.fileCache[abs]; ok {
		return doc, nil
	}
	doc, err := parseFile(abs)
	if err != nil {
		return nil, err
	}
	ir.fileCache[abs] = doc
	return doc, nil
}

// resolve splices doc's stage imports in place, recursively following
// imports in the target documents they reference. baseDir anchors
// relative import file paths (the directory the importing document
// lives in).
func (ir *importResolver) resolve(doc *document, baseDir string) error {
	for _, s := range doc.Stages {
		if err := ir.resolveStage(s, baseDir); err != nil {
			return err
		}
	}
	return nil
}

func (ir *importResolver) resolveStage(s *stageHCL, baseDir string) error {
	if s.Import == nil {
		return nil
	}
	targetFile := s.Import.File
	if !filepath.IsAbs(targetFile) {
		targetFile = filepath.Join(baseDir, targetFile)
	}
	node := s.Import.Path
	if node == "" {
		node = s.Name
	}

	visitKey := targetFile + "#" + node
	if ir.visiting[visitKey] {
		return errs.Wrap(errs.ErrImportCycle, fmt.Sprintf("cycle importing %s from %s", node, targetFile))
	}
	ir.visiting[visitKey] = true
	defer delete(ir.visiting, visitKey)

	targetDoc, err := ir.loadDocument(targetFile)
	if err != nil {
		return err
	}

	var target *stageHCL
	for _, cand := range targetDoc.Stages {
		if cand.Name == node {
			target = cand
			break
		}
	}
	if target == nil {
		return errs.Wrap(errs.ErrImportTargetNotFound, fmt.Sprintf("%s not found in %s", node, targetFile))
	}

	// Nested import: resolve the target stage itself before splicing.
	if target.Import != nil {
		if err := ir.resolveStage(target, filepath.Dir(targetFile)); err != nil {
			return err
		}
	}

	mergeStage(s, target)
	return nil
}

// mergeStage deep-copies dst's unset fields from src, the imported
// node (spec §4.2 step 2: "other keys of the item win on collision").
func mergeStage(dst, src *stageHCL) {
	if dst.LongName == "" {
		dst.LongName = src.LongName
	}
	if dst.When == "" {
		dst.When = src.When
	}
	if dst.ToolKind == "" {
		dst.ToolKind = src.ToolKind
	}
	if dst.Script == "" {
		dst.Script = src.Script
	}
	if dst.ScriptFile == "" {
		dst.ScriptFile = src.ScriptFile
	}
	if len(dst.Input) == 0 {
		dst.Input = append([]string(nil), src.Input...)
	}
	if len(dst.Requires) == 0 {
		dst.Requires = append([]string(nil), src.Requires...)
	}
	if dst.Priority == 0 {
		dst.Priority = src.Priority
	}
	if dst.Multiplex == "" {
		dst.Multiplex = src.Multiplex
	}
	if len(dst.Outputs) == 0 {
		dst.Outputs = append([]string(nil), src.Outputs...)
	}
	if dst.Remain == nil {
		dst.Remain = src.Remain
	}
}
