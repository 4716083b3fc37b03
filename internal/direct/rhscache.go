package direct

import "math"

// rhsCache remembers recent reverse-mode right-hand sides and their
// solutions so that repeated solves against the same vector skip the
// back substitution entirely.
type rhsCache struct {
	maxEntries int
	tol        float64
	checkZero  bool
	entries    []rhsEntry
}

type rhsEntry struct {
	rhs []float64
	sol []float64
}

func newRHSCache(opts RHSCheckOptions) *rhsCache {
	max := opts.MaxCacheEntries
	if max <= 0 {
		max = 3
	}
	return &rhsCache{maxEntries: max, tol: opts.Tol, checkZero: opts.CheckZero}
}

func (c *rhsCache) clear() {
	c.entries = c.entries[:0]
}

// get returns the cached solution matching rhs, or isZero when the rhs is
// identically zero and zero checking is enabled. A nil solution with
// isZero false means a miss.
func (c *rhsCache) get(rhs []float64) (sol []float64, isZero bool) {
	if c.checkZero {
		zero := true
		for _, v := range rhs {
			if v != 0 {
				zero = false
				break
			}
		}
		if zero {
			return nil, true
		}
	}
	for _, e := range c.entries {
		if c.match(e.rhs, rhs) {
			return e.sol, false
		}
	}
	return nil, false
}

func (c *rhsCache) match(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	if c.tol <= 0 {
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}
	var scale float64
	for _, v := range b {
		if av := math.Abs(v); av > scale {
			scale = av
		}
	}
	if scale < 1 {
		scale = 1
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > c.tol*scale {
			return false
		}
	}
	return true
}

// add records a rhs/solution pair, evicting the oldest entry when full.
func (c *rhsCache) add(rhs, sol []float64) {
	e := rhsEntry{rhs: append([]float64(nil), rhs...), sol: append([]float64(nil), sol...)}
	if len(c.entries) >= c.maxEntries {
		copy(c.entries, c.entries[1:])
		c.entries[len(c.entries)-1] = e
		return
	}
	c.entries = append(c.entries, e)
}
