package repo

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"starbash/internal/errs"
)

// fileRoot decodes every top-level block a document file may contain
// (spec §6.1's table of top-level keys), mirroring burstgridgo's
// Loader.fileRoot: one struct that admits any block kind so files can
// mix stage definitions, imports and aliases freely.
type fileRoot struct {
	Recipe    *recipeHCL     `hcl:"recipe,block"`
	Aliases   *aliasesHCL    `hcl:"aliases,block"`
	RepoRefs  []*repoRefHCL  `hcl:"repo-ref,block"`
	StageOrd  *stageOrderHCL `hcl:"stages,block"`
	Stages    []*stageHCL    `hcl:"stage,block"`
	Remain    hcl.Body       `hcl:",remain"`
}

type recipeHCL struct {
	Name   string `hcl:"name,optional"`
	Author string `hcl:"author,optional"`
}

type aliasesHCL struct {
	Remain hcl.Body `hcl:",remain"`
}

type repoRefHCL struct {
	URL string `hcl:"url,label"`
}

type stageOrderHCL struct {
	Order []stageOrderItemHCL `hcl:"order"`
}

type stageOrderItemHCL struct {
	Name     string `cty:"name"`
	Priority int    `cty:"priority"`
}

type importHCL struct {
	File string `hcl:"file,optional"`
	Path string `hcl:"path,optional"`
}

type stageHCL struct {
	Name       string      `hcl:"name,label"`
	LongName   string      `hcl:"long_name,optional"`
	When       string      `hcl:"when,optional"`
	ToolKind   string      `hcl:"tool_kind,optional"`
	Script     string      `hcl:"script,optional"`
	ScriptFile string      `hcl:"script_file,optional"`
	Input      []string    `hcl:"input,optional"`
	Requires   []string    `hcl:"requires,optional"`
	Priority   int         `hcl:"priority,optional"`
	Multiplex  string      `hcl:"multiplex,optional"`
	Outputs    []string    `hcl:"outputs,optional"`
	Import     *importHCL  `hcl:"import,block"`
	Remain     hcl.Body    `hcl:",remain"`
}

// document is the per-file decode result before import splicing.
type document struct {
	Meta     *RepoMeta
	Aliases  map[string]map[string]string
	RepoRefs []string
	Order    []StageOrderEntry
	Stages   []*stageHCL
	File     string
}

// parseFile parses a single document file, preserving source ranges
// (spec §4.2 step 1). It does not resolve imports; see resolveImports.
func parseFile(path string) (*document, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errs.Wrap(errs.ErrMissingFile, fmt.Sprintf("parse %s: %s", path, diags.Error()))
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decode %s: %w", path, diags)
	}

	doc := &document{File: path, Aliases: map[string]map[string]string{}}
	if root.Recipe != nil {
		doc.Meta = &RepoMeta{Name: root.Recipe.Name, Author: root.Recipe.Author}
	}
	for _, ref := range root.RepoRefs {
		doc.RepoRefs = append(doc.RepoRefs, ref.URL)
	}
	if root.Aliases != nil {
		attrs, diags := root.Aliases.Remain.JustAttributes()
		if !diags.HasErrors() {
			for dim, attr := range attrs {
				val, diags := attr.Expr.Value(nil)
				if diags.HasErrors() || !val.Type().IsObjectType() && !val.Type().IsMapType() {
					continue
				}
				m := map[string]string{}
				for k, v := range val.AsValueMap() {
					if v.Type() == cty.String {
						m[k] = v.AsString()
					}
				}
				doc.Aliases[dim] = m
			}
		}
	}
	if root.StageOrd != nil {
		for _, o := range root.StageOrd.Order {
			doc.Order = append(doc.Order, StageOrderEntry{Name: o.Name, Priority: o.Priority})
		}
	}
	doc.Stages = root.Stages
	return doc, nil
}

// paramsOf decodes a stage's leftover attributes (those not matched by
// stageHCL's fields) into a cty value map, the parameter schema surface
// spec §4.5 stages expose to the Script tool kind. A stage body holding
// any unrecognised block yields no parameters.
func paramsOf(s *stageHCL) map[string]cty.Value {
	if s.Remain == nil {
		return nil
	}
	attrs, diags := s.Remain.JustAttributes()
	if diags.HasErrors() {
		return nil
	}
	out := map[string]cty.Value{}
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			continue
		}
		out[name] = val
	}
	return out
}
