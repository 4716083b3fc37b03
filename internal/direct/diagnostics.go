package direct

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// singularVecTol bounds how small a left singular vector entry can be
// before it is ignored when locating a rank deficiency.
const singularVecTol = 1e-15

func sysLabel(sys model.System) string {
	if p := sys.Pathname(); p != "" {
		return p
	}
	return sys.Name()
}

func varnameAt(sys model.System, idx int) (string, int) {
	name, local, err := sys.Layout().IndexToVar(idx)
	if err != nil {
		return fmt.Sprintf("index %d", idx), 0
	}
	return name, local
}

// diagnoseNaN builds the error for a jacobian containing NaN entries,
// naming the states whose rows are affected in layout order.
func diagnoseNaN(sys model.System, m mat.Matrix) error {
	n, cols := m.Dims()
	seen := make(map[string]struct{})
	var names []string
	for i := 0; i < n; i++ {
		for j := 0; j < cols; j++ {
			if math.IsNaN(m.At(i, j)) {
				name, _ := varnameAt(sys, i)
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					names = append(names, name)
				}
				break
			}
		}
	}
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = "'" + name + "'"
	}
	msg := fmt.Sprintf("NaN entries found in '%s' for rows associated with states/residuals [%s].",
		sysLabel(sys), strings.Join(quoted, ", "))
	return &solver.SingularError{System: sysLabel(sys), Msg: msg}
}

// diagnoseSingular explains why a factorization failed. Zero rows and
// columns are reported directly; otherwise an SVD of the matrix locates
// the linearly dependent set of states.
func diagnoseSingular(sys model.System, m mat.Matrix) error {
	if matHasNaN(m) {
		return diagnoseNaN(sys, m)
	}
	n, cols := m.Dims()
	var zeroRows, zeroCols []int
	for i := 0; i < n; i++ {
		zero := true
		for j := 0; j < cols; j++ {
			if m.At(i, j) != 0 {
				zero = false
				break
			}
		}
		if zero {
			zeroRows = append(zeroRows, i)
		}
	}
	for j := 0; j < cols; j++ {
		zero := true
		for i := 0; i < n; i++ {
			if m.At(i, j) != 0 {
				zero = false
				break
			}
		}
		if zero {
			zeroCols = append(zeroCols, j)
		}
	}

	locTxt := "row"
	loc := -1
	if len(zeroCols) > len(zeroRows) {
		locTxt = "column"
		loc = zeroCols[0]
	} else if len(zeroRows) > 0 {
		loc = zeroRows[0]
	}
	if loc >= 0 {
		name, idx := varnameAt(sys, loc)
		msg := fmt.Sprintf("Singular entry found in '%s' for %s associated with state/residual '%s' index %d.",
			sysLabel(sys), locTxt, name, idx)
		return &solver.SingularError{System: sysLabel(sys), Msg: msg}
	}
	return diagnoseRankDeficiency(sys, m)
}

// diagnoseRankDeficiency uses the left singular vector of the smallest
// singular value to name the rows participating in a linear dependence.
func diagnoseRankDeficiency(sys model.System, m mat.Matrix) error {
	var svd mat.SVD
	if !svd.Factorize(mat.DenseCopyOf(m), mat.SVDFull) {
		msg := fmt.Sprintf("Jacobian in '%s' is not full rank, but the exact rows could not be determined.",
			sysLabel(sys))
		return &solver.SingularError{System: sysLabel(sys), Msg: msg}
	}
	var u mat.Dense
	svd.UTo(&u)
	n, k := u.Dims()
	last := k - 1

	var b strings.Builder
	fmt.Fprintf(&b, "Jacobian in '%s' is not full rank. The following set of states/residuals "+
		"contains one or more equations that is a linear combination of the others: \n", sysLabel(sys))
	count := 0
	for i := 0; i < n; i++ {
		if math.Abs(u.At(i, last)) > singularVecTol {
			name, idx := varnameAt(sys, i)
			fmt.Fprintf(&b, "'%s' index %d.\n", name, idx)
			count++
		}
	}
	if count > 2 {
		b.WriteString("Note that the problem may be in a single Component.")
	}
	return &solver.SingularError{System: sysLabel(sys), Msg: b.String()}
}

func matHasNaN(m mat.Matrix) bool {
	n, cols := m.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < cols; j++ {
			if math.IsNaN(m.At(i, j)) {
				return true
			}
		}
	}
	return false
}
