package config

import (
	"encoding/json"
	"sort"
)

// TaskChange is a compact summary of a tasks.yaml reload, keyed by task id.
// It never includes cookies.
type TaskChange struct {
	Added   []string
	Removed []string
	Changed []string
}

func (c TaskChange) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Changed) == 0
}

// SummarizeTaskChange compares two task files by task id.
// Tasks without an id are ignored; the loader rejects them anyway.
func SummarizeTaskChange(oldF, newF *TaskFile) TaskChange {
	index := func(f *TaskFile) map[string]string {
		out := map[string]string{}
		for _, t := range f.List() {
			if !t.ID.Set {
				continue
			}
			b, _ := json.Marshal(t)
			out[t.ID.Value] = string(b)
		}
		return out
	}
	before, after := index(oldF), index(newF)

	var c TaskChange
	for id, a := range after {
		b, ok := before[id]
		switch {
		case !ok:
			c.Added = append(c.Added, id)
		case a != b:
			c.Changed = append(c.Changed, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			c.Removed = append(c.Removed, id)
		}
	}
	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Changed)
	return c
}
