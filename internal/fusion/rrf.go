// Package fusion merges ranked candidate lists with Reciprocal Rank Fusion.
package fusion

import (
	"sort"

	"github.com/xxxsen/hybridrag/internal/model"
)

// DefaultK is the RRF smoothing constant (Cormack et al. 2009).
const DefaultK = 60

// Fuse merges two ranked lists. A candidate at 0-based position rank contributes
// 1/(k+rank+1); candidates are identified by chunk id. Output is ordered by fused score
// descending, ties keep first-appearance order (listA first, then listB). Nothing is
// truncated.
func Fuse[A, B model.Candidate](listA []A, listB []B, k int) []model.FusedResult {
	if k <= 0 {
		k = DefaultK
	}
	merged := make(map[string]*model.FusedResult, len(listA)+len(listB))
	ordered := make([]*model.FusedResult, 0, len(listA)+len(listB))

	add := func(c model.Candidate, rank int) {
		score := 1.0 / float64(k+rank+1)
		e, ok := merged[c.ID()]
		if !ok {
			e = &model.FusedResult{ChunkID: c.ID(), Content: c.Text()}
			merged[c.ID()] = e
			ordered = append(ordered, e)
		}
		e.FusedScore += score
		e.Sources = appendSource(e.Sources, c.Source())
	}
	for rank, c := range listA {
		add(c, rank)
	}
	for rank, c := range listB {
		add(c, rank)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].FusedScore > ordered[j].FusedScore
	})

	results := make([]model.FusedResult, 0, len(ordered))
	for _, e := range ordered {
		results = append(results, *e)
	}
	return results
}

func appendSource(sources []model.CandidateSource, s model.CandidateSource) []model.CandidateSource {
	for _, existing := range sources {
		if existing == s {
			return sources
		}
	}
	return append(sources, s)
}
