package sparse

import (
	"errors"
	"math"
	"testing"
)

func matrixFromDense(vals [][]float64) *Matrix {
	m := New(len(vals))
	for i, row := range vals {
		for j, v := range row {
			m.Set(i, j, v)
		}
	}
	return m
}

func residual(vals [][]float64, x, b []float64, trans bool) float64 {
	n := len(b)
	worst := 0.0
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			if trans {
				sum += vals[j][i] * x[j]
			} else {
				sum += vals[i][j] * x[j]
			}
		}
		if d := math.Abs(sum - b[i]); d > worst {
			worst = d
		}
	}
	return worst
}

func TestFactorSolve(t *testing.T) {
	vals := [][]float64{
		{2, 1, 0},
		{4, 3, 1},
		{0, 1, 5},
	}
	lu, err := Factor(matrixFromDense(vals))
	if err != nil {
		t.Fatal(err)
	}
	b := []float64{3, 10, 12}
	x := make([]float64, 3)
	lu.Solve(x, b)
	if r := residual(vals, x, b, false); r > 1e-12 {
		t.Errorf("solve residual %g", r)
	}
}

func TestSolveTrans(t *testing.T) {
	vals := [][]float64{
		{3, 1, 0, 0},
		{1, 4, 1, 0},
		{0, 2, 5, 1},
		{0, 0, 1, 6},
	}
	lu, err := Factor(matrixFromDense(vals))
	if err != nil {
		t.Fatal(err)
	}
	b := []float64{1, -2, 3, 0.5}
	x := make([]float64, 4)
	lu.SolveTrans(x, b)
	if r := residual(vals, x, b, true); r > 1e-12 {
		t.Errorf("transpose solve residual %g", r)
	}
}

func TestFactorNeedsPivoting(t *testing.T) {
	// Zero on the diagonal forces a row swap.
	vals := [][]float64{
		{0, 2},
		{3, 1},
	}
	lu, err := Factor(matrixFromDense(vals))
	if err != nil {
		t.Fatal(err)
	}
	b := []float64{4, 5}
	x := make([]float64, 2)
	lu.Solve(x, b)
	if r := residual(vals, x, b, false); r > 1e-12 {
		t.Errorf("solve residual %g", r)
	}
}

func TestFactorSingular(t *testing.T) {
	vals := [][]float64{
		{1, 2},
		{2, 4},
	}
	_, err := Factor(matrixFromDense(vals))
	var se *SingularError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want SingularError", err)
	}
	if se.Col != 1 {
		t.Errorf("singular at column %d, want 1", se.Col)
	}
}

func TestFactorDoesNotModifyInput(t *testing.T) {
	vals := [][]float64{
		{2, 1},
		{1, 3},
	}
	m := matrixFromDense(vals)
	if _, err := Factor(m); err != nil {
		t.Fatal(err)
	}
	for i, row := range vals {
		for j, v := range row {
			if m.At(i, j) != v {
				t.Errorf("entry (%d,%d) changed to %g", i, j, m.At(i, j))
			}
		}
	}
}

func TestTriplets(t *testing.T) {
	m := New(3)
	m.Set(2, 0, 5)
	m.Set(0, 1, 3)
	m.Set(0, 0, 1)
	ts := m.Triplets()
	want := []Triplet{{0, 0, 1}, {0, 1, 3}, {2, 0, 5}}
	if len(ts) != len(want) {
		t.Fatalf("got %d triplets, want %d", len(ts), len(want))
	}
	for i := range ts {
		if ts[i] != want[i] {
			t.Errorf("triplet %d: got %+v want %+v", i, ts[i], want[i])
		}
	}

	m2 := New(3)
	m2.SetTriplets(ts)
	if m2.NNZ() != m.NNZ() {
		t.Errorf("round trip changed nnz: %d vs %d", m2.NNZ(), m.NNZ())
	}
}

func TestSetZeroDeletes(t *testing.T) {
	m := New(2)
	m.Set(0, 0, 1)
	m.Set(0, 0, 0)
	if m.NNZ() != 0 {
		t.Errorf("nnz %d after clearing the only entry", m.NNZ())
	}
}
