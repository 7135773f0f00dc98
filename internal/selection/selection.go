// Package selection implements the persistent filter predicate (spec
// §3.1, §4.3), adapted from the original Python's selection.py: a
// small JSON-backed value object with add/remove/clear mutators and a
// query-conditions projection consumed by the Catalog.
package selection

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"starbash/internal/catalog"
)

// Selection holds filter predicates. Dimensions are independent (AND
// across dimensions, OR within a dimension); an empty Selection means
// the universe (spec §3.1).
type Selection struct {
	statePath string

	Targets     []string `json:"targets"`
	Instruments []string `json:"instruments"`
	Filters     []string `json:"filters"`
	Kinds       []string `json:"kinds"`
	DateAfter   string   `json:"date_after"`  // RFC3339, inclusive
	DateBefore  string   `json:"date_before"` // RFC3339, inclusive
}

// Load reads the selection state from statePath, or returns an empty
// (universe) Selection if the file does not exist.
func Load(statePath string) (*Selection, error) {
	s := &Selection{statePath: statePath}
	data, err := os.ReadFile(statePath)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	s.statePath = statePath
	return s, nil
}

// Save persists the selection state to disk.
func (s *Selection) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.statePath), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0o644)
}

// IsEmpty reports whether no selection criteria are active (spec §C.4,
// from original_source's selection.py).
func (s *Selection) IsEmpty() bool {
	return len(s.Targets) == 0 && len(s.Instruments) == 0 && len(s.Filters) == 0 &&
		len(s.Kinds) == 0 && s.DateAfter == "" && s.DateBefore == ""
}

// AddTarget adds a target to the selection, if not already present.
func (s *Selection) AddTarget(name string) { s.Targets = appendUnique(s.Targets, name) }

// RemoveTarget removes a target from the selection.
func (s *Selection) RemoveTarget(name string) { s.Targets = removeValue(s.Targets, name) }

// AddInstrument adds an instrument filter.
func (s *Selection) AddInstrument(name string) { s.Instruments = appendUnique(s.Instruments, name) }

// AddFilter adds a filter-label filter.
func (s *Selection) AddFilter(name string) { s.Filters = appendUnique(s.Filters, name) }

// AddKind adds an image-kind filter.
func (s *Selection) AddKind(kind string) { s.Kinds = appendUnique(s.Kinds, kind) }

// SetDateWindow sets the inclusive date bounds. Either may be empty to
// leave that bound open (spec §4.3's "after", "before", "between").
func (s *Selection) SetDateWindow(after, before string) {
	s.DateAfter = after
	s.DateBefore = before
}

// Clear resets the selection to the universe.
func (s *Selection) Clear() {
	*s = Selection{statePath: s.statePath}
}

// ToQueryConditions projects the selection into the predicate
// dictionary the Catalog consumes (spec §4.3).
func (s *Selection) ToQueryConditions() catalog.Query {
	q := catalog.Query{
		Targets:     s.Targets,
		Instruments: s.Instruments,
		Filters:     s.Filters,
	}
	for _, k := range s.Kinds {
		q.Kinds = append(q.Kinds, catalog.ImageKind(k))
	}
	if s.DateAfter != "" {
		if t, err := time.Parse(time.RFC3339, s.DateAfter); err == nil {
			q.After = &t
		}
	}
	if s.DateBefore != "" {
		if t, err := time.Parse(time.RFC3339, s.DateBefore); err == nil {
			q.Before = &t
		}
	}
	return q
}

// Summary returns a human-readable description of the active criteria,
// for the driver's info queries (spec §C.4).
func (s *Selection) Summary() string {
	if s.IsEmpty() {
		return "no filters active - selecting all sessions"
	}
	out := ""
	add := func(label string, vals []string) {
		if len(vals) == 0 {
			return
		}
		if out != "" {
			out += "; "
		}
		out += label + ": "
		for i, v := range vals {
			if i > 0 {
				out += ", "
			}
			out += v
		}
	}
	add("targets", s.Targets)
	add("instruments", s.Instruments)
	add("filters", s.Filters)
	add("kinds", s.Kinds)
	if s.DateAfter != "" || s.DateBefore != "" {
		if out != "" {
			out += "; "
		}
		out += "date: " + s.DateAfter + ".." + s.DateBefore
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
