// Package comm implements the rank communicator used to execute a model
// across cooperating workers. Ranks are goroutines running the same control
// flow in lockstep; all synchronization happens at collective calls, which
// every rank in a communicator must reach in the same order.
package comm

import (
	"fmt"
	"sync"
)

// Group owns the shared state for one set of ranks. All ranks of a
// communicator point at the same Group.
type Group struct {
	size int

	mu      sync.Mutex
	cond    *sync.Cond
	arrived int
	phase   int
	buf     []any
	out     []any

	subs map[string]*Group
}

// NewGroup creates a group of n ranks. n must be at least 1.
func NewGroup(n int) (*Group, error) {
	if n < 1 {
		return nil, fmt.Errorf("comm: group size must be at least 1, got %d", n)
	}
	g := &Group{
		size: n,
		buf:  make([]any, n),
		subs: make(map[string]*Group),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Run launches one goroutine per rank, each executing fn with its own Comm,
// and blocks until every rank returns. The first non-nil rank error (by
// increasing rank) is returned.
func (g *Group) Run(fn func(c *Comm) error) error {
	errs := make([]error, g.size)

	var wg sync.WaitGroup
	for r := 0; r < g.size; r++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			errs[rank] = fn(&Comm{g: g, rank: rank, size: g.size})
		}(r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// exchange is the single collective primitive: every rank deposits a value
// and receives the full slice of deposited values, indexed by rank. Blocks
// until all ranks of the group arrive. There is no timeout; a rank that
// never arrives stalls the group permanently.
func (g *Group) exchange(rank int, v any) []any {
	g.mu.Lock()
	defer g.mu.Unlock()

	phase := g.phase
	g.buf[rank] = v
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		out := make([]any, g.size)
		copy(out, g.buf)
		g.out = out
		g.phase++
		g.cond.Broadcast()
		return out
	}
	for g.phase == phase {
		g.cond.Wait()
	}
	return g.out
}

// subgroup returns the sub-Group for a split key, creating it on first use.
// All member ranks of a split resolve the same key and share the result.
func (g *Group) subgroup(key string, n int) *Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	if sub, ok := g.subs[key]; ok {
		return sub
	}
	sub := &Group{
		size: n,
		buf:  make([]any, n),
		subs: make(map[string]*Group),
	}
	sub.cond = sync.NewCond(&sub.mu)
	g.subs[key] = sub
	return sub
}

// Comm is one rank's view of a communicator.
type Comm struct {
	g        *Group
	rank     int
	size     int
	splitSeq int
}

// Self returns a size-1 communicator. Collectives on it are no-ops.
func Self() *Comm {
	g, _ := NewGroup(1)
	return &Comm{g: g, rank: 0, size: 1}
}

// Rank returns this rank's index within the communicator.
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the communicator.
func (c *Comm) Size() int { return c.size }

// Barrier blocks until every rank in the communicator reaches it.
func (c *Comm) Barrier() {
	if c.size == 1 {
		return
	}
	c.g.exchange(c.rank, nil)
}

// AllGather deposits v and returns all ranks' values indexed by rank.
func (c *Comm) AllGather(v any) []any {
	if c.size == 1 {
		return []any{v}
	}
	return c.g.exchange(c.rank, v)
}

// AllGatherStrings gathers a string slice from every rank.
func (c *Comm) AllGatherStrings(v []string) [][]string {
	out := make([][]string, c.size)
	for i, g := range c.AllGather(v) {
		if g != nil {
			out[i] = g.([]string)
		}
	}
	return out
}

// AllGatherF64s gathers a float64 slice from every rank.
func (c *Comm) AllGatherF64s(v []float64) [][]float64 {
	out := make([][]float64, c.size)
	for i, g := range c.AllGather(v) {
		if g != nil {
			out[i] = g.([]float64)
		}
	}
	return out
}

// AllReduceBoolOr returns true if any rank contributed true.
func (c *Comm) AllReduceBoolOr(v bool) bool {
	if c.size == 1 {
		return v
	}
	for _, g := range c.AllGather(v) {
		if g.(bool) {
			return true
		}
	}
	return false
}

// AllReduceBoolAnd returns true only if every rank contributed true.
func (c *Comm) AllReduceBoolAnd(v bool) bool {
	if c.size == 1 {
		return v
	}
	for _, g := range c.AllGather(v) {
		if !g.(bool) {
			return false
		}
	}
	return true
}

// AllReduceIntSum returns the sum of all ranks' values.
func (c *Comm) AllReduceIntSum(v int) int {
	if c.size == 1 {
		return v
	}
	sum := 0
	for _, g := range c.AllGather(v) {
		sum += g.(int)
	}
	return sum
}

// AllReduceF64Max returns the maximum of all ranks' values.
func (c *Comm) AllReduceF64Max(v float64) float64 {
	if c.size == 1 {
		return v
	}
	max := v
	for _, g := range c.AllGather(v) {
		if f := g.(float64); f > max {
			max = f
		}
	}
	return max
}

// Split partitions the communicator by color. Ranks sharing a color form a
// new communicator; sub-ranks are assigned by increasing parent rank. Every
// rank of the parent communicator must call Split.
func (c *Comm) Split(color int) *Comm {
	c.splitSeq++
	if c.size == 1 {
		g, _ := NewGroup(1)
		return &Comm{g: g, rank: 0, size: 1}
	}

	gathered := c.AllGather(color)
	var members []int
	for r, g := range gathered {
		if g.(int) == color {
			members = append(members, r)
		}
	}

	myRank := -1
	for i, r := range members {
		if r == c.rank {
			myRank = i
			break
		}
	}

	key := fmt.Sprintf("split%d:%d", c.splitSeq, color)
	sub := c.g.subgroup(key, len(members))
	return &Comm{g: sub, rank: myRank, size: len(members)}
}

// Allocation is the result of distributing a parallel group's children over
// the ranks of its communicator.
type Allocation struct {
	// Local lists the child indices assigned to this rank.
	Local []int
	// Color identifies this rank's partition for Split.
	Color int
}

// Allocate distributes nchildren children contiguously over the ranks of c,
// at least one child per rank. It is an error to have more ranks than
// children; that configuration needs an explicit weighting this core does
// not support.
func (c *Comm) Allocate(nchildren int) (Allocation, error) {
	if nchildren < 1 {
		return Allocation{}, fmt.Errorf("comm: cannot allocate %d children", nchildren)
	}
	if c.size > nchildren {
		return Allocation{}, fmt.Errorf(
			"comm: %d ranks exceed %d children; reduce the communicator size", c.size, nchildren)
	}

	chunk := nchildren / c.size
	rem := nchildren % c.size
	start := c.rank*chunk + min(c.rank, rem)
	n := chunk
	if c.rank < rem {
		n++
	}

	local := make([]int, n)
	for i := range local {
		local[i] = start + i
	}
	return Allocation{Local: local, Color: c.rank}, nil
}

// MergeRankLists merges per-rank ordered name lists into one global order:
// lists are visited by increasing rank and each name is appended the first
// time it is seen. The result contains every name exactly once.
func MergeRankLists(gathered [][]string) []string {
	var merged []string
	seen := make(map[string]struct{})
	for _, ranknames := range gathered {
		for _, name := range ranknames {
			if _, ok := seen[name]; !ok {
				merged = append(merged, name)
				seen[name] = struct{}{}
			}
		}
	}
	return merged
}
