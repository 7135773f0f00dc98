package stage

import (
	"fmt"
	"regexp"
	"strings"

	"starbash/internal/errs"
)

// ProcessingContext is the layered key/value overlay a stage's
// templates expand against (spec §4.5 `context`, §4.6 step 1): engine
// defaults, then target overrides, then per-session config, each
// layer overriding the one before it.
type ProcessingContext struct {
	layers []map[string]string
}

// NewProcessingContext seeds a context with the engine-default layer.
func NewProcessingContext(defaults map[string]string) *ProcessingContext {
	return &ProcessingContext{layers: []map[string]string{cloneMap(defaults)}}
}

// WithOverlay returns a new context with overlay layered on top,
// without mutating the receiver (layers are immutable after load, like
// repository documents).
func (c *ProcessingContext) WithOverlay(overlay map[string]string) *ProcessingContext {
	next := &ProcessingContext{layers: append([]map[string]string(nil), c.layers...)}
	next.layers = append(next.layers, cloneMap(overlay))
	return next
}

// Get returns the last layer defining key, or "" if undefined. A key
// explicitly set to "" is indistinguishable from undefined here, which
// Expand treats as unresolved; no current seed layers an empty value.
func (c *ProcessingContext) Get(key string) string {
	for i := len(c.layers) - 1; i >= 0; i-- {
		if v, ok := c.layers[i][key]; ok {
			return v
		}
	}
	return ""
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.-]+)\}`)

// Expand performs bounded-pass `{name}` template expansion against
// ctx (spec §4.6 step 1, §9's "fixed point" testable property). It
// re-scans up to maxPasses times so a substituted value may itself
// contain a placeholder defined in an earlier layer; an unresolved
// placeholder after the final pass is fatal.
func Expand(template string, ctx *ProcessingContext) (string, error) {
	const maxPasses = 8
	cur := template
	for pass := 0; pass < maxPasses; pass++ {
		changed := false
		var unresolved string
		next := placeholderPattern.ReplaceAllStringFunc(cur, func(m string) string {
			name := placeholderPattern.FindStringSubmatch(m)[1]
			v := ctx.Get(name)
			if v == "" {
				unresolved = name
				return m
			}
			changed = true
			return v
		})
		cur = next
		if !changed {
			if unresolved != "" {
				return "", errs.Wrap(errs.ErrUnresolvedTemplate, fmt.Sprintf("%s in %q", unresolved, template))
			}
			return cur, nil
		}
	}
	if placeholderPattern.MatchString(cur) {
		m := placeholderPattern.FindStringSubmatch(cur)
		return "", errs.Wrap(errs.ErrUnresolvedTemplate, fmt.Sprintf("%s in %q", m[1], template))
	}
	return cur, nil
}

// ExpandAll expands every template in templates, returning a fatal
// error on the first unresolved placeholder (spec §4.6's
// `UnresolvedTemplate`).
func ExpandAll(templates []string, ctx *ProcessingContext) ([]string, error) {
	out := make([]string, 0, len(templates))
	for _, t := range templates {
		v, err := Expand(t, ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SeedContext builds the per-(target,session) ProcessingContext (spec
// §4.6 step 1): target, session ids, camera id, instrument, filter,
// and a target work directory, all under the engine-default layer.
func SeedContext(defaults map[string]string, target, sessionID, cameraID, instrument, filter, workDir string) *ProcessingContext {
	base := NewProcessingContext(defaults)
	return base.WithOverlay(map[string]string{
		"target":     target,
		"session":    sessionID,
		"camera_id":  cameraID,
		"instrument": instrument,
		"filter":     filter,
		"workdir":    workDir,
	})
}

// WithMasters layers the Calibration Selector's chosen master paths
// into ctx, keyed by slot ("flat", "dark", "bias", "darkorbias").
func (c *ProcessingContext) WithMasters(masters map[string]string) *ProcessingContext {
	overlay := make(map[string]string, len(masters))
	for slot, path := range masters {
		overlay["master_"+strings.ToLower(slot)] = path
	}
	return c.WithOverlay(overlay)
}
