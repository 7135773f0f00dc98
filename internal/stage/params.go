package stage

import (
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// ParamsToStrings resolves a stage's declared Parameters against ctx,
// expanding string defaults and stringifying non-string ones, for
// handoff to the Tool Runtime's image-tool argument list and the
// Incremental Executor's signature hash (spec §4.5, §4.7, §4.8).
func ParamsToStrings(params []Parameter, ctx *ProcessingContext) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = paramString(p.Default, ctx)
	}
	return out
}

func paramString(v cty.Value, ctx *ProcessingContext) string {
	if v.IsNull() {
		return ""
	}
	switch v.Type() {
	case cty.String:
		raw := v.AsString()
		if expanded, err := Expand(raw, ctx); err == nil {
			return expanded
		}
		return raw
	case cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return strconv.FormatFloat(f, 'g', -1, 64)
	case cty.Bool:
		return strconv.FormatBool(v.True())
	default:
		return v.GoString()
	}
}
