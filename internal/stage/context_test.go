package stage

import (
	"testing"

	"github.com/zclconf/go-cty/cty"

	"starbash/internal/errs"
)

func TestExpandSubstitutesAcrossLayers(t *testing.T) {
	ctx := NewProcessingContext(map[string]string{"workdir": "/cache/{target}"})
	ctx = ctx.WithOverlay(map[string]string{"target": "sadr"})
	got, err := Expand("{workdir}/stacked.fits", ctx)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != "/cache/sadr/stacked.fits" {
		t.Fatalf("expected nested placeholder to resolve across passes, got %q", got)
	}
}

func TestExpandUnresolvedPlaceholderIsFatal(t *testing.T) {
	ctx := NewProcessingContext(nil)
	_, err := Expand("{missing}/out.fits", ctx)
	if !errs.Is(err, errs.ErrUnresolvedTemplate) {
		t.Fatalf("expected ErrUnresolvedTemplate, got %v", err)
	}
}

func TestWithOverlayDoesNotMutateReceiver(t *testing.T) {
	base := NewProcessingContext(map[string]string{"a": "1"})
	overlaid := base.WithOverlay(map[string]string{"a": "2"})
	if base.Get("a") != "1" {
		t.Fatalf("expected the base context to be untouched, got %q", base.Get("a"))
	}
	if overlaid.Get("a") != "2" {
		t.Fatalf("expected the overlay to win in the derived context, got %q", overlaid.Get("a"))
	}
}

func TestExpandAllStopsOnFirstError(t *testing.T) {
	ctx := NewProcessingContext(map[string]string{"target": "sadr"})
	_, err := ExpandAll([]string{"{target}.fits", "{missing}.fits"}, ctx)
	if !errs.Is(err, errs.ErrUnresolvedTemplate) {
		t.Fatalf("expected the unresolved second template to fail the batch, got %v", err)
	}
}

func TestSeedContextLayersIdentity(t *testing.T) {
	ctx := SeedContext(map[string]string{"cache_root": "/cache"}, "sadr", "sess-1", "cam-1", "seestar", "Ha", "/cache/sadr")
	if ctx.Get("target") != "sadr" || ctx.Get("session") != "sess-1" || ctx.Get("filter") != "Ha" {
		t.Fatalf("expected seeded identity fields, got target=%q session=%q filter=%q", ctx.Get("target"), ctx.Get("session"), ctx.Get("filter"))
	}
	if ctx.Get("cache_root") != "/cache" {
		t.Fatalf("expected the engine-default layer to survive under the overlay")
	}
}

func TestWithMastersLowercasesSlotKeys(t *testing.T) {
	ctx := NewProcessingContext(nil).WithMasters(map[string]string{"Flat": "/masters/flat.fits"})
	if ctx.Get("master_flat") != "/masters/flat.fits" {
		t.Fatalf("expected master_flat key, got %q", ctx.Get("master_flat"))
	}
}

func TestParamsToStringsConvertsEachCtyType(t *testing.T) {
	ctx := NewProcessingContext(map[string]string{"target": "sadr"})
	params := []Parameter{
		{Name: "out_name", Default: cty.StringVal("{target}.fits")},
		{Name: "sigma", Default: cty.NumberFloatVal(2.5)},
		{Name: "dither", Default: cty.True},
	}
	out := ParamsToStrings(params, ctx)
	if out["out_name"] != "sadr.fits" {
		t.Fatalf("expected the string default to expand, got %q", out["out_name"])
	}
	if out["sigma"] != "2.5" {
		t.Fatalf("expected the numeric default to stringify, got %q", out["sigma"])
	}
	if out["dither"] != "true" {
		t.Fatalf("expected the bool default to stringify, got %q", out["dither"])
	}
}

func TestParamsToStringsFallsBackOnUnresolvedTemplate(t *testing.T) {
	ctx := NewProcessingContext(nil)
	params := []Parameter{{Name: "out_name", Default: cty.StringVal("{missing}.fits")}}
	out := ParamsToStrings(params, ctx)
	if out["out_name"] != "{missing}.fits" {
		t.Fatalf("expected the raw template to survive when it cannot be expanded, got %q", out["out_name"])
	}
}
