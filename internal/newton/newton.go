// Package newton implements a Newton driver for implicit systems. Each
// iteration linearizes the system, solves the linearized update through an
// attached linear solver, and steps the outputs, optionally interleaving
// gauss-seidel sweeps over the subsystems (hybrid newton).
package newton

import (
	"errors"
	"fmt"
	"math"

	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// Options configures a Solver.
type Options struct {
	// MaxIter bounds the number of newton iterations.
	MaxIter int
	// Atol is the absolute residual norm tolerance.
	Atol float64
	// Rtol is the tolerance on the residual norm relative to its starting
	// value.
	Rtol float64
	// SolveSubsystems enables gauss-seidel sweeps over the subsystems. It
	// has no default: the caller must set it explicitly.
	SolveSubsystems *bool
	// MaxSubSolves bounds how many iterations perform subsystem sweeps.
	MaxSubSolves int
	// CSReconverge perturbs the outputs under complex step so the solver
	// reconverges instead of accepting the stored point.
	CSReconverge bool
	// ReraiseChildAnalysisError propagates evaluation failures from
	// subsystem sweeps instead of swallowing them.
	ReraiseChildAnalysisError bool
	// ErrOnNonConverge turns a failed solve into an error.
	ErrOnNonConverge bool
}

// DefaultOptions returns the standard newton configuration. SolveSubsystems
// is left unset and must be filled in by the caller.
func DefaultOptions() Options {
	return Options{
		MaxIter:      10,
		Atol:         1e-10,
		Rtol:         1e-10,
		MaxSubSolves: 10,
		CSReconverge: true,
	}
}

// sweeper is implemented by systems that can run one gauss-seidel sweep
// over their children.
type sweeper interface {
	GSIteration() error
}

// Solver drives a system's residual to zero with Newton's method.
type Solver struct {
	sys  model.System
	opts Options

	// Linear solves the linearized update each iteration.
	Linear solver.Linear
	// Linesearch scales the newton step when set. Nil takes the full step.
	Linesearch *Backtracking
	// Resumed skips the initial guess when continuing from a saved state.
	Resumed bool

	printer   solver.Printer
	iterCount int
	history   []float64
}

// New builds a newton solver for sys driving updates through linear.
func New(sys model.System, linear solver.Linear, opts Options) (*Solver, error) {
	if opts.SolveSubsystems == nil {
		return nil, fmt.Errorf("newton solver on '%s': solve_subsystems must be set by the user", sysLabel(sys))
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = 10
	}
	return &Solver{
		sys:     sys,
		opts:    opts,
		Linear:  linear,
		printer: solver.Printer{Name: "NL: Newton"},
	}, nil
}

// SetPrintLevel sets the iteration print level on this solver and its
// line search.
func (n *Solver) SetPrintLevel(level int) {
	n.printer.Level = level
	if n.Linesearch != nil {
		n.Linesearch.SetPrintLevel(level)
	}
}

// IterCount returns the number of newton iterations taken by the last
// Solve.
func (n *Solver) IterCount() int { return n.iterCount }

// History returns the absolute residual norm per iteration of the last
// Solve, starting with the pre-iteration norm.
func (n *Solver) History() []float64 { return n.history }

// Solve runs the newton loop until the residual norm meets the absolute or
// relative tolerance, the iteration budget runs out, or the norm diverges.
func (n *Solver) Solve() error {
	sys := n.sys
	n.iterCount = 0
	n.history = n.history[:0]
	solveSubs := *n.opts.SolveSubsystems && !sys.UnderComplexStep()

	if sys.UnderComplexStep() && n.opts.CSReconverge {
		// Nudge the outputs off the stored solution so the loop below has
		// something to converge.
		out := sys.Outputs()
		p := out.Norm() * 1e-10
		if p == 0 {
			p = 1e-10
		}
		for i := range out.Data() {
			out.Data()[i] += p
		}
	}

	if !n.Resumed && sys.HasGuess() {
		if err := sys.Guess(); err != nil {
			return err
		}
	}

	if solveSubs && n.iterCount <= n.opts.MaxSubSolves {
		if err := n.gsSweep(); err != nil {
			return err
		}
	}
	if err := sys.EvalResidual(); err != nil {
		return err
	}
	abs := sys.Residuals().Norm()
	norm0 := abs
	if norm0 == 0 {
		norm0 = 1
	}
	rel := abs / norm0
	n.history = append(n.history, abs)
	n.printer.Iter(0, abs, rel)

	for n.iterCount < n.opts.MaxIter && abs > n.opts.Atol && rel > n.opts.Rtol {
		if err := n.iterate(solveSubs); err != nil {
			return err
		}
		n.iterCount++
		if err := sys.EvalResidual(); err != nil {
			return err
		}
		abs = sys.Residuals().Norm()
		rel = abs / norm0
		n.history = append(n.history, abs)
		n.printer.Iter(n.iterCount, abs, rel)
		if math.IsNaN(abs) || math.IsInf(abs, 0) {
			break
		}
	}

	if math.IsNaN(abs) || math.IsInf(abs, 0) || (abs > n.opts.Atol && rel > n.opts.Rtol) {
		cerr := &solver.ConvergenceError{
			Solver: n.printer.Name,
			System: sysLabel(sys),
			Iters:  n.iterCount,
			Abs:    abs,
			Rel:    rel,
		}
		if n.opts.ErrOnNonConverge {
			return cerr
		}
		n.printer.Fail(cerr.Error())
		return nil
	}
	n.printer.Done(n.iterCount, abs, rel)
	return nil
}

// iterate performs one newton update: solve J * d_outputs = -residuals,
// step the outputs, then optionally sweep the subsystems.
func (n *Solver) iterate(solveSubs bool) error {
	sys := n.sys
	doSubsolve := solveSubs && n.iterCount < n.opts.MaxSubSolves

	subDoLn := false
	if lc, ok := n.Linear.(interface{ LinearizeChildren() bool }); ok {
		subDoLn = lc.LinearizeChildren()
	}

	dres := sys.DResiduals()
	dres.SetVec(sys.Residuals())
	dres.Scale(-1)

	if err := sys.Linearize(subDoLn); err != nil {
		return err
	}
	if err := n.Linear.Linearize(); err != nil {
		return err
	}
	if err := n.Linear.SolveLinear(solver.Forward); err != nil {
		return err
	}

	if n.Linesearch != nil && !sys.UnderComplexStep() {
		if err := n.Linesearch.search(sys); err != nil {
			return err
		}
	} else {
		sys.ApplyStep(1)
	}

	if doSubsolve {
		return n.gsSweep()
	}
	return nil
}

func (n *Solver) gsSweep() error {
	sw, ok := n.sys.(sweeper)
	if !ok {
		return nil
	}
	if err := sw.GSIteration(); err != nil {
		if errors.Is(err, solver.ErrAnalysis) && !n.opts.ReraiseChildAnalysisError {
			return nil
		}
		return err
	}
	return nil
}

func sysLabel(sys model.System) string {
	if p := sys.Pathname(); p != "" {
		return p
	}
	return sys.Name()
}
