package model

import "math"

// Vector is a dense state vector bound to a Layout. It is owned exclusively
// by its System and mutated in place during solves.
type Vector struct {
	layout *Layout
	data   []float64
}

// NewVector allocates a zero vector with the given layout.
func NewVector(l *Layout) *Vector {
	return &Vector{layout: l, data: make([]float64, l.Size())}
}

// Layout returns the vector's layout.
func (v *Vector) Layout() *Layout { return v.layout }

// Data returns the backing slice. Callers may mutate it in place.
func (v *Vector) Data() []float64 { return v.data }

// Len returns the flat length.
func (v *Vector) Len() int { return len(v.data) }

// VarView returns the in-place segment of a named variable, or nil when the
// variable is not in the layout.
func (v *Vector) VarView(name string) []float64 {
	off, ok := v.layout.Offset(name)
	if !ok {
		return nil
	}
	for _, vr := range v.layout.Vars() {
		if vr.Name == name {
			return v.data[off : off+vr.Size]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (v *Vector) Clone() *Vector {
	c := &Vector{layout: v.layout, data: make([]float64, len(v.data))}
	copy(c.data, v.data)
	return c
}

// SetVec copies another vector's values into v. Layouts must match in size.
func (v *Vector) SetVec(o *Vector) {
	copy(v.data, o.data)
}

// SetVal overwrites the backing data with vals.
func (v *Vector) SetVal(vals []float64) {
	copy(v.data, vals)
}

// Zero sets every entry to zero.
func (v *Vector) Zero() {
	for i := range v.data {
		v.data[i] = 0
	}
}

// Scale multiplies every entry by f.
func (v *Vector) Scale(f float64) {
	for i := range v.data {
		v.data[i] *= f
	}
}

// AddScaled accumulates f*o into v.
func (v *Vector) AddScaled(f float64, o *Vector) {
	for i := range v.data {
		v.data[i] += f * o.data[i]
	}
}

// Norm returns the 2-norm.
func (v *Vector) Norm() float64 {
	sum := 0.0
	for _, x := range v.data {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// HasNaN reports whether any entry is NaN.
func (v *Vector) HasNaN() bool {
	for _, x := range v.data {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}
