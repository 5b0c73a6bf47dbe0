package dag

import (
	"fmt"
	"sort"
)

// TopologicalOrder produces a replay-safe ordering of the given blocks:
// parents strictly precede children. Parents that are not part of the input
// set are assumed to be already applied and do not constrain the order.
//
// The order is total and deterministic: among blocks whose parents are all
// placed, the one with the smallest (timestamp, ID) pair goes first. Two
// nodes ordering the same block set therefore produce the same sequence.
func TopologicalOrder(blocks []*Block) ([]*Block, error) {
	byID := make(map[string]*Block, len(blocks))
	for _, b := range blocks {
		byID[b.ID()] = b
	}

	// in-degree counting restricted to parents inside the input set
	indegree := make(map[string]int, len(blocks))
	children := make(map[string][]string)
	for id, b := range byID {
		indegree[id] = 0
		for _, p := range b.Body.Parents {
			if _, ok := byID[p.ID]; ok {
				indegree[id]++
				children[p.ID] = append(children[p.ID], id)
			}
		}
	}

	ready := []*Block{}
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, byID[id])
		}
	}

	ordered := make([]*Block, 0, len(blocks))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			if ready[i].Body.Timestamp != ready[j].Body.Timestamp {
				return ready[i].Body.Timestamp < ready[j].Body.Timestamp
			}
			return ready[i].ID() < ready[j].ID()
		})

		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, childID := range children[next.ID()] {
			indegree[childID]--
			if indegree[childID] == 0 {
				ready = append(ready, byID[childID])
			}
		}
	}

	// hash-linked blocks cannot form a cycle, but a corrupted input set could
	if len(ordered) != len(byID) {
		return nil, fmt.Errorf("topological order: %d of %d blocks unplaceable, cycle in input", len(byID)-len(ordered), len(byID))
	}

	return ordered, nil
}
