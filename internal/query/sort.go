package query

import (
	"sort"
)

// ApplySort orders materialized objects lexicographically over the sort key
// list, comparing scalar field values. A missing (or nil) field compares
// less-than a present one under "asc" and greater-than under "desc".
func ApplySort(items []map[string]any, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return lessBy(items[i], items[j], keys)
	})
}

func lessBy(a, b map[string]any, keys []SortKey) bool {
	for _, k := range keys {
		c := compareForKey(a, b, k)
		if c != 0 {
			return c < 0
		}
	}
	return false
}

func compareForKey(a, b map[string]any, k SortKey) int {
	desc := k.Direction == "desc"
	av, aok := presentValue(a, k.Key)
	bv, bok := presentValue(b, k.Key)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		// Missing is the smallest value ascending, the largest descending;
		// either way it sorts first for its direction.
		return -1
	case !bok:
		return 1
	}
	c, ok := compareScalars(av, bv)
	if !ok {
		return 0
	}
	if desc {
		return -c
	}
	return c
}

func presentValue(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	v = unwrap(v)
	if v == nil {
		return nil, false
	}
	return v, true
}
