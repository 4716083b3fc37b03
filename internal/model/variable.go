package model

import "fmt"

// Variable declares one output/state of a component. Ref is the physical
// scale of the variable; vector storage holds value/Ref. Zero means 1.
type Variable struct {
	Name string
	Size int
	Ref  float64
}

// RefValue returns the effective reference scale, treating zero as 1.
func (v Variable) RefValue() float64 {
	if v.Ref == 0 {
		return 1.0
	}
	return v.Ref
}

// Layout maps named variables into a flat vector. Offsets are computed once
// at setup and are stable for the lifetime of a setup.
type Layout struct {
	vars    []Variable
	offsets map[string]int
	size    int
}

// NewLayout builds a layout from the given variables in declaration order.
func NewLayout(vars []Variable) *Layout {
	l := &Layout{
		vars:    vars,
		offsets: make(map[string]int, len(vars)),
	}
	for _, v := range vars {
		l.offsets[v.Name] = l.size
		l.size += v.Size
	}
	return l
}

// Size returns the total flat length.
func (l *Layout) Size() int { return l.size }

// Vars returns the variables in declaration order.
func (l *Layout) Vars() []Variable { return l.vars }

// Offset returns the flat offset of a variable.
func (l *Layout) Offset(name string) (int, bool) {
	off, ok := l.offsets[name]
	return off, ok
}

// IndexToVar partitions the flat index space into variable-sized segments
// and returns the variable owning index i along with the intra-variable
// index. Used to map matrix rows/columns back to state names.
func (l *Layout) IndexToVar(i int) (string, int, error) {
	end := 0
	for _, v := range l.vars {
		start := end
		end += v.Size
		if i < end {
			return v.Name, i - start, nil
		}
	}
	return "", 0, fmt.Errorf("model: index %d outside layout of size %d", i, l.size)
}
