package graph

import (
	"fmt"
	"sort"
)

// cull groups alternatives sharing a When identifier and conflicting
// candidates sharing an output path, keeping the highest-priority
// survivor of each group, then iteratively drops tasks whose upstream
// dependency was itself excluded, until the set is stable (spec §4.5,
// §4.6 step 3).
func (b *builder) cull(candidates []*Task) []*Task {
	byName := map[string]*Task{}
	for _, t := range candidates {
		byName[t.Name] = t
	}
	excluded := map[string]bool{}

	byWhen := map[string][]*Task{}
	for _, t := range candidates {
		if t.When == "" {
			continue
		}
		byWhen[t.When] = append(byWhen[t.When], t)
	}
	for when, group := range byWhen {
		if len(group) < 2 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool { return group[i].Priority > group[j].Priority })
		winner := group[0]
		for _, loser := range group[1:] {
			if excluded[loser.Name] {
				continue
			}
			excluded[loser.Name] = true
			b.graph.exclude(loser, fmt.Sprintf("lower priority alternative than %s for when %s", winner.Name, when))
		}
	}

	byOutput := map[string][]*Task{}
	for _, t := range candidates {
		for _, o := range t.Outputs {
			byOutput[o] = append(byOutput[o], t)
		}
	}
	for output, group := range byOutput {
		var live []*Task
		for _, t := range group {
			if !excluded[t.Name] {
				live = append(live, t)
			}
		}
		if len(live) < 2 {
			continue
		}
		sort.SliceStable(live, func(i, j int) bool { return live[i].Priority > live[j].Priority })
		winner := live[0]
		for _, loser := range live[1:] {
			excluded[loser.Name] = true
			b.graph.exclude(loser, fmt.Sprintf("lower priority than %s for output %s", winner.Name, output))
		}
	}

	for {
		changed := false
		for _, t := range candidates {
			if excluded[t.Name] {
				continue
			}
			for up := range t.Upstream {
				if excluded[up] {
					excluded[t.Name] = true
					b.graph.exclude(t, fmt.Sprintf("upstream task %s was excluded", up))
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	var surviving []*Task
	for _, t := range candidates {
		if !excluded[t.Name] {
			surviving = append(surviving, t)
		}
	}
	return surviving
}
