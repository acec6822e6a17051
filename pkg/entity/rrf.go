package entity

import "sort"

// rrfK dampens the contribution gap between adjacent ranks. 60 is the value
// from the original reciprocal rank fusion paper and keeps a single source's
// top hit from drowning out items two sources agree on.
const rrfK = 60

type fusedHit struct {
	id    string
	score float64
}

// fuseRanked combines best-first candidate lists with reciprocal rank
// fusion: each list contributes 1/(k+rank) per item, so items ranked well by
// several sources beat items ranked first by only one. Ties break on id to
// keep output deterministic.
func fuseRanked(lists ...[]string) []fusedHit {
	scores := make(map[string]float64)
	var order []string
	for _, list := range lists {
		for rank, id := range list {
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(rrfK+rank+1)
		}
	}
	out := make([]fusedHit, 0, len(order))
	for _, id := range order {
		out = append(out, fusedHit{id: id, score: scores[id]})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].id < out[j].id
	})
	return out
}
