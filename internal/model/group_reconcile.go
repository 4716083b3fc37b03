package model

import "github.com/coupledsys/mdsolve/internal/comm"

// Group-level queries that must stay correct when children are split
// across ranks. Each follows the same shape: compute a local partial
// result, all-gather, merge in increasing rank order. With a size-1
// communicator every operation falls through to the serial path.
//
// The merge rules assume exactly the ranks holding the authoritative data
// contribute non-empty partials. If ranks disagree about who that is,
// entries silently duplicate or go missing; that determination is not a
// checked invariant.

// OrderedComponentNames returns the pathnames of every contained component
// in execution order. Within a parallel group true execution order is
// unknown, so components are ordered by owning rank; the merged list
// contains every name exactly once.
func (g *Group) OrderedComponentNames() []string {
	local := g.localOrderedNames()
	if g.parallel && g.comm.Size() > 1 {
		return comm.MergeRankLists(g.comm.AllGatherStrings(local))
	}
	return local
}

func (g *Group) localOrderedNames() []string {
	var names []string
	for _, ch := range g.local {
		if sub, ok := ch.(*Group); ok {
			names = append(names, sub.OrderedComponentNames()...)
		} else {
			names = append(names, ch.Pathname())
		}
	}
	return names
}

// gatherFullData reports whether this rank holds the authoritative copy of
// its local children's data (rank 0 of each child communicator).
func (g *Group) gatherFullData() bool {
	for _, ch := range g.local {
		if ch.Comm() != nil && ch.Comm().Rank() != 0 {
			return false
		}
	}
	return true
}

// DeclaredPartials returns every declared sub-jacobian key in the tree,
// with of/wrt prefixed by the owning component's pathname. Duplicates
// merge first-seen in increasing rank order.
func (g *Group) DeclaredPartials() []PartialKey {
	local := g.localDeclaredPartials()
	if g.parallel && g.comm.Size() > 1 {
		contrib := local
		if !g.gatherFullData() {
			contrib = nil
		}
		var merged []PartialKey
		seen := make(map[PartialKey]struct{})
		for _, a := range g.comm.AllGather(contrib) {
			if a == nil {
				continue
			}
			for _, k := range a.([]PartialKey) {
				if _, ok := seen[k]; !ok {
					merged = append(merged, k)
					seen[k] = struct{}{}
				}
			}
		}
		return merged
	}
	return local
}

func (g *Group) localDeclaredPartials() []PartialKey {
	var keys []PartialKey
	for _, ch := range g.local {
		switch c := ch.(type) {
		case *Component:
			for _, k := range c.DeclaredPartials() {
				keys = append(keys, PartialKey{
					Of:  joinPath(c.Pathname(), k.Of),
					Wrt: joinPath(c.Pathname(), k.Wrt),
				})
			}
		case *Group:
			keys = append(keys, c.DeclaredPartials()...)
		}
	}
	return keys
}

// MissingPartials stores undeclared derivative pairs into missing, keyed
// by component pathname. First-seen wins on duplicate keys when merging
// rank contributions.
func (g *Group) MissingPartials(missing map[string][]PartialKey) {
	if g.parallel && g.comm.Size() > 1 {
		local := make(map[string][]PartialKey)
		g.localMissingPartials(local)
		contrib := local
		if !g.gatherFullData() {
			contrib = nil
		}
		for _, a := range g.comm.AllGather(contrib) {
			if a == nil {
				continue
			}
			for _, name := range sortedKeys(a.(map[string][]PartialKey)) {
				if _, ok := missing[name]; !ok {
					missing[name] = a.(map[string][]PartialKey)[name]
				}
			}
		}
		return
	}
	g.localMissingPartials(missing)
}

func (g *Group) localMissingPartials(missing map[string][]PartialKey) {
	for _, ch := range g.local {
		switch c := ch.(type) {
		case *Component:
			if m := c.MissingPartials(); len(m) > 0 {
				missing[c.Pathname()] = m
			}
		case *Group:
			c.MissingPartials(missing)
		}
	}
}

func sortedKeys(m map[string][]PartialKey) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic merge order regardless of map iteration.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// VisitSystems applies fn to every subsystem satisfying pred, depth-first.
// pred returns VisitSkipStop, VisitSkipContinue or VisitApply; nil applies
// fn everywhere. In a parallel group the local results are all-gathered so
// the visitor's effect is identical on every rank.
func (g *Group) VisitSystems(pred func(System) int, fn func(System) any, includeSelf bool) []any {
	local := g.localVisit(pred, fn, includeSelf)
	if g.parallel && g.comm.Size() > 1 {
		contrib := local
		if !g.gatherFullData() {
			contrib = nil
		}
		var merged []any
		for _, a := range g.comm.AllGather(contrib) {
			if a == nil {
				continue
			}
			merged = append(merged, a.([]any)...)
		}
		return merged
	}
	return local
}

func (g *Group) localVisit(pred func(System) int, fn func(System) any, includeSelf bool) []any {
	var results []any
	if includeSelf {
		switch verdict(pred, g) {
		case VisitSkipStop:
			return nil
		case VisitApply:
			results = append(results, fn(g))
		}
	}
	for _, ch := range g.local {
		if sub, ok := ch.(*Group); ok {
			results = append(results, sub.localVisit(pred, fn, true)...)
			continue
		}
		switch verdict(pred, ch) {
		case VisitApply:
			results = append(results, fn(ch))
		}
	}
	return results
}

func verdict(pred func(System) int, s System) int {
	if pred == nil {
		return VisitApply
	}
	return pred(s)
}

// CommInfo returns (pathname, communicator size) for this system and all
// subsystems, reconciled first-seen across ranks.
func (g *Group) CommInfo() []CommInfo {
	local := g.localCommInfo()
	if g.parallel && g.comm.Size() > 1 {
		var merged []CommInfo
		seen := make(map[string]struct{})
		for _, a := range g.comm.AllGather(local) {
			for _, ci := range a.([]CommInfo) {
				if _, ok := seen[ci.Path]; !ok {
					merged = append(merged, ci)
					seen[ci.Path] = struct{}{}
				}
			}
		}
		return merged
	}
	return local
}

func (g *Group) localCommInfo() []CommInfo {
	infos := []CommInfo{{Path: g.pathname, Size: g.comm.Size()}}
	for _, ch := range g.local {
		if sub, ok := ch.(*Group); ok {
			infos = append(infos, sub.localCommInfo()...)
			continue
		}
		infos = append(infos, CommInfo{Path: ch.Pathname(), Size: ch.Comm().Size()})
	}
	return infos
}
