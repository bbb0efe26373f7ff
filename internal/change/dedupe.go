package change

import (
	"fmt"
	"sort"
)

// Dropped reports changes removed during deduplication, by reason.
type Dropped struct {
	MissingID []Change
	Outdated  []Change
}

// Result is the outcome of collapsing a batch of changes.
type Result struct {
	Changes         []Change
	Dropped         Dropped
	Transformations []string
}

// Dedupe collapses a batch of changes to at most one surviving change per
// (table, id) row under last-write-wins, merging insert+update and
// update+update sequences and letting a delete dominate everything else for
// its row. When originatingClientID is set, changes whose row-level clientId
// matches are filtered out entirely so a client never receives its own
// echoes. The surviving changes come back in apply order.
func Dedupe(in []Change, originatingClientID string) Result {
	var res Result

	grouped := make(map[RowKey][]Change)
	var keyOrder []RowKey
	for _, c := range in {
		if originatingClientID != "" && c.ClientID() == originatingClientID {
			continue
		}
		if c.ID() == "" {
			res.Dropped.MissingID = append(res.Dropped.MissingID, c)
			continue
		}
		k := c.Key()
		if _, seen := grouped[k]; !seen {
			keyOrder = append(keyOrder, k)
		}
		grouped[k] = append(grouped[k], c)
	}

	var survivors []Change
	for _, k := range keyOrder {
		candidates := grouped[k]
		sort.SliceStable(candidates, func(i, j int) bool {
			return Newer(candidates[i], candidates[j])
		})

		if idx := latestDelete(candidates); idx >= 0 {
			for i, c := range candidates {
				if i != idx {
					res.Dropped.Outdated = append(res.Dropped.Outdated, c)
				}
			}
			survivors = append(survivors, candidates[idx])
			continue
		}

		acc := candidates[0]
		for _, c := range candidates[1:] {
			switch {
			case acc.Op == OpInsert && c.Op == OpUpdate:
				acc = merge(acc, c, OpInsert)
				res.Transformations = append(res.Transformations,
					fmt.Sprintf("merged update into insert for %s:%s", k.Table, k.ID))
			case acc.Op == OpUpdate && c.Op == OpUpdate:
				acc = merge(acc, c, OpUpdate)
				res.Transformations = append(res.Transformations,
					fmt.Sprintf("merged updates for %s:%s", k.Table, k.ID))
			default:
				if Newer(acc, c) {
					res.Dropped.Outdated = append(res.Dropped.Outdated, acc)
				} else {
					res.Dropped.Outdated = append(res.Dropped.Outdated, c)
				}
				acc = Winner(acc, c)
			}
		}
		survivors = append(survivors, acc)
	}

	res.Changes = OrderForApply(survivors)
	return res
}

// latestDelete returns the index of the delete that wins under
// last-write-wins among the (ascending-sorted) candidates, or -1 when the
// row has no delete.
func latestDelete(cs []Change) int {
	idx := -1
	for i, c := range cs {
		if c.Op == OpDelete {
			idx = i
		}
	}
	return idx
}

// merge folds newer over older: newer fields override, missing fields
// survive from the older image. The op of the merged change is forced to
// keep, and the timestamp and LSN advance to the newer change's.
func merge(older, newer Change, keep Op) Change {
	data := older.CloneData()
	for k, v := range newer.Data {
		data[k] = v
	}
	out := newer
	out.Op = keep
	out.Data = data
	if newer.LSN < older.LSN {
		out.LSN = older.LSN
	}
	return out
}
