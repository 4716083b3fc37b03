// Package sparse provides a square sparse matrix with LU factorization,
// used for assembled jacobians whose density does not justify dense
// storage. The matrix implements gonum's mat.Matrix.
package sparse

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a square sparse matrix backed by per-row and per-column
// nonzero maps.
type Matrix struct {
	rows []map[int]float64
	cols []map[int]float64
	n    int
}

// New creates an n x n zero matrix.
func New(n int) *Matrix {
	return &Matrix{
		rows: make([]map[int]float64, n),
		cols: make([]map[int]float64, n),
		n:    n,
	}
}

// Dims returns the matrix dimensions.
func (m *Matrix) Dims() (int, int) { return m.n, m.n }

// At returns the value at (i, j).
func (m *Matrix) At(i, j int) float64 { return m.rows[i][j] }

// T returns the transpose view.
func (m *Matrix) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// Set assigns the value at (i, j). Exact zeros drop the entry.
func (m *Matrix) Set(i, j int, v float64) {
	if v == 0 {
		delete(m.rows[i], j)
		delete(m.cols[j], i)
		return
	}
	if m.rows[i] == nil {
		m.rows[i] = make(map[int]float64)
	}
	if m.cols[j] == nil {
		m.cols[j] = make(map[int]float64)
	}
	m.rows[i][j] = v
	m.cols[j][i] = v
}

// NNZ returns the number of stored entries.
func (m *Matrix) NNZ() int {
	n := 0
	for _, r := range m.rows {
		n += len(r)
	}
	return n
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := New(m.n)
	for i, r := range m.rows {
		for j, v := range r {
			c.Set(i, j, v)
		}
	}
	return c
}

// HasNaN reports whether any stored entry is NaN.
func (m *Matrix) HasNaN() bool {
	for _, r := range m.rows {
		for _, v := range r {
			if math.IsNaN(v) {
				return true
			}
		}
	}
	return false
}

// Triplet is one stored entry, used to exchange matrix pieces across ranks.
type Triplet struct {
	I, J int
	V    float64
}

// Triplets returns the stored entries in deterministic row-major order.
func (m *Matrix) Triplets() []Triplet {
	var ts []Triplet
	for i, r := range m.rows {
		cols := make([]int, 0, len(r))
		for j := range r {
			cols = append(cols, j)
		}
		sort.Ints(cols)
		for _, j := range cols {
			ts = append(ts, Triplet{I: i, J: j, V: r[j]})
		}
	}
	return ts
}

// SetTriplets stores every entry of ts.
func (m *Matrix) SetTriplets(ts []Triplet) {
	for _, t := range ts {
		m.Set(t.I, t.J, t.V)
	}
}
