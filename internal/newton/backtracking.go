package newton

import (
	"errors"
	"math"

	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// Backtracking is an armijo line search: it takes the full newton step and
// halves it until the residual norm shows sufficient decrease or the
// halving budget runs out.
type Backtracking struct {
	// MaxIter bounds the number of step contractions.
	MaxIter int
	// Rho is the step contraction factor per backtrack.
	Rho float64
	// C is the sufficient decrease coefficient. A step of relative length
	// alpha is accepted when norm <= (1 - C*alpha) * norm0.
	C float64

	printer solver.Printer
}

// NewBacktracking returns a line search with the standard settings.
func NewBacktracking() *Backtracking {
	return &Backtracking{
		MaxIter: 5,
		Rho:     0.5,
		C:       0.1,
		printer: solver.Printer{Name: "LS: BT"},
	}
}

// SetPrintLevel sets the iteration print level.
func (ls *Backtracking) SetPrintLevel(level int) { ls.printer.Level = level }

// search applies the newton step held in d_outputs, shrinking it until the
// residual norm satisfies the armijo condition. Evaluation failures along
// the way count as rejected steps.
func (ls *Backtracking) search(sys model.System) error {
	norm0 := sys.Residuals().Norm()
	if norm0 == 0 {
		norm0 = 1
	}

	total := 1.0
	sys.ApplyStep(total)
	norm, err := ls.eval(sys)
	if err != nil {
		return err
	}
	ls.printer.Iter(0, norm, norm/norm0)

	for i := 0; i < ls.MaxIter && !ls.accept(norm, norm0, total); i++ {
		next := total * ls.Rho
		sys.ApplyStep(next - total)
		total = next
		norm, err = ls.eval(sys)
		if err != nil {
			return err
		}
		ls.printer.Iter(i+1, norm, norm/norm0)
	}
	return nil
}

func (ls *Backtracking) accept(norm, norm0, alpha float64) bool {
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return false
	}
	return norm <= (1-ls.C*alpha)*norm0
}

// eval recomputes the residual at the stepped point. A recoverable analysis
// failure maps to an infinite norm so the step gets shortened.
func (ls *Backtracking) eval(sys model.System) (float64, error) {
	if err := sys.EvalResidual(); err != nil {
		if errors.Is(err, solver.ErrAnalysis) {
			return math.Inf(1), nil
		}
		return 0, err
	}
	return sys.Residuals().Norm(), nil
}
