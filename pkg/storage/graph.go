package storage

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/opendag/opendag/pkg/dagerr"
	"github.com/opendag/opendag/pkg/entry"
	"github.com/opendag/opendag/pkg/id"
)

// contextParents returns the parent set of e within a context: the tree
// (subtree == "") or a single named subtree. An entry that doesn't carry
// the named subtree has no parents in that context (it isn't a member).
func contextParents(e *entry.Entry, subtree string) mapset.Set[id.ID] {
	if subtree == "" {
		return e.Parents
	}
	st, ok := e.Subtrees[subtree]
	if !ok {
		return nil
	}
	return st.SubtreeParents
}

// inContext reports whether e is a member of the given context.
func inContext(e *entry.Entry, subtree string) bool {
	if subtree == "" {
		return true
	}
	_, ok := e.Subtrees[subtree]
	return ok
}

// filterContext narrows a root's entries to those that are members of
// subtree (or returns all of them, for the tree context).
func filterContext(all map[id.ID]*entry.Entry, subtree string) map[id.ID]*entry.Entry {
	if subtree == "" {
		return all
	}
	out := make(map[id.ID]*entry.Entry)
	for k, e := range all {
		if inContext(e, subtree) {
			out[k] = e
		}
	}
	return out
}

// computeHeights runs the Kahn-style BFS described in §4.1: in-degree
// within the context, seed zero-in-degree nodes at height 0, relax
// children to max(current, parent+1). A context whose processed count
// falls short of its size is corrupt — a cycle — and that is reported as a
// hard error rather than returning partial heights.
func computeHeights(ctx map[id.ID]*entry.Entry, subtree string) (map[id.ID]int, error) {
	indeg := make(map[id.ID]int, len(ctx))
	children := make(map[id.ID][]id.ID, len(ctx))

	for eid, e := range ctx {
		parents := contextParents(e, subtree)
		count := 0
		if parents != nil {
			for p := range parents.Iter() {
				if _, ok := ctx[p]; ok {
					count++
					children[p] = append(children[p], eid)
				}
			}
		}
		indeg[eid] = count
	}

	height := make(map[id.ID]int, len(ctx))
	queue := make([]id.ID, 0, len(ctx))
	for eid, d := range indeg {
		if d == 0 {
			queue = append(queue, eid)
			height[eid] = 0
		}
	}
	// Deterministic processing order among same-wave roots.
	id.SortIDs(queue)

	processed := 0
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		processed++
		for _, v := range children[u] {
			if height[u]+1 > height[v] {
				height[v] = height[u] + 1
			}
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}

	if processed != len(ctx) {
		return nil, dagerr.New(dagerr.CycleDetected, fmt.Sprintf("context %q: %d/%d entries processed, cycle present", subtree, processed, len(ctx)))
	}
	return height, nil
}

// sortByHeightThenID orders entries in the deterministic (height, ID) order
// every CRDT merge consumes.
func sortByHeightThenID(entries []*entry.Entry, height map[id.ID]int) {
	sort.Slice(entries, func(i, j int) bool {
		hi, hj := height[entries[i].ID()], height[entries[j].ID()]
		if hi != hj {
			return hi < hj
		}
		return entries[i].ID() < entries[j].ID()
	})
}

// ancestorsOf returns the set of IDs reachable by walking contextParents
// upward from each of starts, starts included.
func ancestorsOf(ctx map[id.ID]*entry.Entry, subtree string, starts []id.ID) mapset.Set[id.ID] {
	visited := mapset.NewSet[id.ID]()
	queue := append([]id.ID{}, starts...)
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if visited.Contains(u) {
			continue
		}
		visited.Add(u)
		e, ok := ctx[u]
		if !ok {
			continue
		}
		parents := contextParents(e, subtree)
		if parents == nil {
			continue
		}
		for p := range parents.Iter() {
			if !visited.Contains(p) {
				queue = append(queue, p)
			}
		}
	}
	return visited
}

// findLCA runs a per-source BFS upward from each of ids, tracking the BFS
// depth each source reaches every ancestor at. The LCA is the node reached
// by every source with the smallest maximum depth (closest common
// ancestor); ties are broken by lexicographically smallest ID, matching
// the original implementation's tie-break (see SPEC_FULL.md §11).
func findLCA(ctx map[id.ID]*entry.Entry, subtree string, ids []id.ID) (id.ID, error) {
	if len(ids) == 0 {
		return "", dagerr.New(dagerr.NotFound, "find_lca: empty id set")
	}
	depthsPerSource := make([]map[id.ID]int, len(ids))
	for i, start := range ids {
		depthsPerSource[i] = bfsDepths(ctx, subtree, start)
	}

	var best id.ID
	bestDepth := -1
	for candidate := range depthsPerSource[0] {
		maxDepth := depthsPerSource[0][candidate]
		reachableByAll := true
		for _, depths := range depthsPerSource[1:] {
			d, ok := depths[candidate]
			if !ok {
				reachableByAll = false
				break
			}
			if d > maxDepth {
				maxDepth = d
			}
		}
		if !reachableByAll {
			continue
		}
		if bestDepth == -1 || maxDepth < bestDepth || (maxDepth == bestDepth && candidate < best) {
			best = candidate
			bestDepth = maxDepth
		}
	}
	if bestDepth == -1 {
		return "", dagerr.New(dagerr.NotFound, "find_lca: no common ancestor")
	}
	return best, nil
}

func bfsDepths(ctx map[id.ID]*entry.Entry, subtree string, start id.ID) map[id.ID]int {
	depth := map[id.ID]int{start: 0}
	queue := []id.ID{start}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		e, ok := ctx[u]
		if !ok {
			continue
		}
		parents := contextParents(e, subtree)
		if parents == nil {
			continue
		}
		for p := range parents.Iter() {
			if _, seen := depth[p]; !seen {
				depth[p] = depth[u] + 1
				queue = append(queue, p)
			}
		}
	}
	return depth
}

// collectRootToTarget walks from target toward a context root, following
// the first parent in (height, ID) order at each step. This is
// deliberately not a true topological path (spec.md §9 open question a):
// it is sufficient for the current callers (rendering a single
// illustrative ancestor chain) and must not be presented as one.
func collectRootToTarget(ctx map[id.ID]*entry.Entry, subtree string, target id.ID, height map[id.ID]int) ([]*entry.Entry, error) {
	var chain []*entry.Entry
	cur := target
	seen := mapset.NewSet[id.ID]()
	for {
		e, ok := ctx[cur]
		if !ok {
			return nil, dagerr.New(dagerr.NotFound, fmt.Sprintf("collect_root_to_target: %s not in context", cur))
		}
		if seen.Contains(cur) {
			return nil, dagerr.New(dagerr.CycleDetected, "collect_root_to_target: revisited entry")
		}
		seen.Add(cur)
		chain = append(chain, e)
		parents := contextParents(e, subtree)
		if parents == nil || parents.Cardinality() == 0 {
			break
		}
		cur = firstParentByHeightThenID(parents, height)
	}
	// chain was built target-to-root; callers expect root-to-target.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func firstParentByHeightThenID(parents mapset.Set[id.ID], height map[id.ID]int) id.ID {
	ps := parents.ToSlice()
	sort.Slice(ps, func(i, j int) bool {
		hi, hj := height[ps[i]], height[ps[j]]
		if hi != hj {
			return hi < hj
		}
		return ps[i] < ps[j]
	})
	return ps[0]
}

// ancestorSlice returns entries reachable from "from" that are not already
// reachable from any of "to" — the diff used both for §4.1's
// get_path_from_to and for sync's "ancestor slice separating our tip from
// the peer's tips".
func ancestorSlice(ctx map[id.ID]*entry.Entry, subtree string, from id.ID, to []id.ID, height map[id.ID]int) []*entry.Entry {
	fromSet := ancestorsOf(ctx, subtree, []id.ID{from})
	toSet := ancestorsOf(ctx, subtree, to)

	var out []*entry.Entry
	for eid := range fromSet.Iter() {
		if toSet.Contains(eid) {
			continue
		}
		if e, ok := ctx[eid]; ok {
			out = append(out, e)
		}
	}
	sortByHeightThenID(out, height)
	return out
}
