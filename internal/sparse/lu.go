package sparse

import (
	"fmt"
	"math"
)

// pivotTiny is the magnitude below which a pivot is treated as zero.
const pivotTiny = 1e-300

// SingularError reports a failed factorization and the column whose pivot
// search came up empty.
type SingularError struct {
	Col int
}

func (e *SingularError) Error() string {
	return fmt.Sprintf("sparse: no usable pivot in column %d", e.Col)
}

// LU is a sparse LU factorization with partial (row) pivoting. Rows are
// permuted virtually: perm[k] is the original row chosen as the pivot of
// elimination step k.
type LU struct {
	n    int
	perm []int
	u    *Matrix
	lfac []map[int]float64
}

// Factor computes the LU factorization of a. a is not modified.
func Factor(a *Matrix) (*LU, error) {
	n := a.n
	u := a.Clone()
	lu := &LU{
		n:    n,
		perm: make([]int, n),
		u:    u,
		lfac: make([]map[int]float64, n),
	}

	remaining := make([]bool, n)
	for i := range remaining {
		remaining[i] = true
	}

	for k := 0; k < n; k++ {
		// Partial pivoting: largest magnitude in column k among remaining
		// rows, smallest row index on ties for determinism.
		best, bestMag := -1, 0.0
		for r := 0; r < n; r++ {
			if !remaining[r] {
				continue
			}
			if mag := math.Abs(u.rows[r][k]); mag > bestMag {
				best, bestMag = r, mag
			}
		}
		if best < 0 || bestMag < pivotTiny {
			return nil, &SingularError{Col: k}
		}
		lu.perm[k] = best
		remaining[best] = false

		pivVal := u.rows[best][k]
		pivRow := make(map[int]float64, len(u.rows[best]))
		for c, v := range u.rows[best] {
			if c >= k {
				pivRow[c] = v
			}
		}

		// Eliminate column k from the remaining rows that carry it.
		var elim []int
		for r := range u.cols[k] {
			if remaining[r] {
				elim = append(elim, r)
			}
		}
		for _, r := range elim {
			mult := u.rows[r][k] / pivVal
			if lu.lfac[r] == nil {
				lu.lfac[r] = make(map[int]float64)
			}
			lu.lfac[r][k] = mult
			for c, pv := range pivRow {
				u.Set(r, c, u.rows[r][c]-mult*pv)
			}
			u.Set(r, k, 0)
		}
	}
	return lu, nil
}

// Solve solves A x = b by forward/backward substitution.
func (lu *LU) Solve(x, b []float64) {
	n := lu.n

	// L y = P b
	y := make([]float64, n)
	for k := 0; k < n; k++ {
		r := lu.perm[k]
		v := b[r]
		for j, m := range lu.lfac[r] {
			v -= m * y[j]
		}
		y[k] = v
	}

	// U x = y
	for k := n - 1; k >= 0; k-- {
		r := lu.perm[k]
		v := y[k]
		for c, uv := range lu.u.rows[r] {
			if c > k {
				v -= uv * x[c]
			}
		}
		x[k] = v / lu.u.rows[r][k]
	}
}

// SolveTrans solves Aᵀ x = b.
func (lu *LU) SolveTrans(x, b []float64) {
	n := lu.n

	// Uᵀ z = b, lower triangular in elimination order.
	z := make([]float64, n)
	for k := 0; k < n; k++ {
		v := b[k]
		for j := 0; j < k; j++ {
			if uv, ok := lu.u.rows[lu.perm[j]][k]; ok {
				v -= uv * z[j]
			}
		}
		z[k] = v / lu.u.rows[lu.perm[k]][k]
	}

	// Lᵀ w = z, unit upper triangular.
	w := make([]float64, n)
	for k := n - 1; k >= 0; k-- {
		v := z[k]
		for j := k + 1; j < n; j++ {
			if m, ok := lu.lfac[lu.perm[j]][k]; ok {
				v -= m * w[j]
			}
		}
		w[k] = v
	}

	// x = Pᵀ w
	for k := 0; k < n; k++ {
		x[lu.perm[k]] = w[k]
	}
}
