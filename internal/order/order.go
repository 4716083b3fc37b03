// Package order provides the graph diagnostics the solvers consume:
// strongly-connected components of the execution graph and out-of-order
// connection detection. These inform warnings and reports only; solve
// correctness never depends on them.
package order

import (
	"sort"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// SCC returns the strongly-connected components of the directed graph
// given by nodes and edges. Components are returned in a deterministic
// order with sorted members.
func SCC(nodes []string, edges [][2]string) [][]string {
	g := simple.NewDirectedGraph()
	ids := make(map[string]int64, len(nodes))
	names := make(map[int64]string, len(nodes))
	id := func(n string) int64 {
		if v, ok := ids[n]; ok {
			return v
		}
		v := int64(len(ids))
		ids[n] = v
		names[v] = n
		g.AddNode(simple.Node(v))
		return v
	}
	for _, n := range nodes {
		id(n)
	}
	for _, e := range edges {
		from, to := id(e[0]), id(e[1])
		if from == to {
			// Self edges do not change the partition and simple
			// graphs reject them.
			continue
		}
		g.SetEdge(simple.Edge{F: simple.Node(from), T: simple.Node(to)})
	}

	var comps [][]string
	for _, sc := range topo.TarjanSCC(g) {
		comp := make([]string, len(sc))
		for i, n := range sc {
			comp[i] = names[n.ID()]
		}
		sort.Strings(comp)
		comps = append(comps, comp)
	}
	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	return comps
}

// Cycles returns the strongly-connected components with two or more
// members, plus single nodes with a self-edge.
func Cycles(nodes []string, edges [][2]string) [][]string {
	selfloop := make(map[string]bool)
	for _, e := range edges {
		if e[0] == e[1] {
			selfloop[e[0]] = true
		}
	}
	var cycles [][]string
	for _, comp := range SCC(nodes, edges) {
		if len(comp) > 1 || selfloop[comp[0]] {
			cycles = append(cycles, comp)
		}
	}
	return cycles
}

// OutOfOrder returns the connections whose source executes after its
// target in the given execution order, excluding connections internal to a
// cycle (those are expected to be out of order and are handled by an
// iterative solver, not reordering).
func OutOfOrder(execOrder []string, edges [][2]string) [][2]string {
	pos := make(map[string]int, len(execOrder))
	for i, n := range execOrder {
		pos[n] = i
	}

	inCycle := make(map[string]int)
	for ci, comp := range Cycles(execOrder, edges) {
		for _, n := range comp {
			inCycle[n] = ci + 1
		}
	}

	var ooo [][2]string
	for _, e := range edges {
		ps, okS := pos[e[0]]
		pt, okT := pos[e[1]]
		if !okS || !okT {
			continue
		}
		if cs, ok := inCycle[e[0]]; ok && cs == inCycle[e[1]] {
			continue
		}
		if ps > pt {
			ooo = append(ooo, e)
		}
	}
	return ooo
}
