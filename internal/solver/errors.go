package solver

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Wrapper types below carry the
// diagnosis; errors.Is against these sentinels classifies any wrapped error.
var (
	// ErrNotConverged indicates an iterative solver exhausted its budget
	// without meeting tolerance.
	ErrNotConverged = errors.New("solver: did not converge")

	// ErrSingular indicates a singular or ill-conditioned jacobian.
	ErrSingular = errors.New("solver: singular jacobian")

	// ErrAnalysis indicates a recoverable evaluation failure: the caller may
	// retry with a different input rather than abort.
	ErrAnalysis = errors.New("solver: analysis failed")
)

// ConvergenceError reports a nonlinear solve that ran out of iterations.
type ConvergenceError struct {
	Solver string
	System string
	Iters  int
	Abs    float64
	Rel    float64
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("%s: solver for system '%s' failed to converge in %d iterations (abs=%.6g, rel=%.6g)",
		e.Solver, e.System, e.Iters, e.Abs, e.Rel)
}

func (e *ConvergenceError) Unwrap() error { return ErrNotConverged }

// SingularError reports a singular, rank-deficient or NaN jacobian with a
// variable-named diagnosis.
type SingularError struct {
	System string
	Msg    string
}

func (e *SingularError) Error() string { return e.Msg }

func (e *SingularError) Unwrap() error { return ErrSingular }

// AnalysisError signals that a component could not evaluate at the current
// point. It is distinguishable from hard numerical failures so an outer
// driver can penalize the point and continue.
type AnalysisError struct {
	System string
	Reason string
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis error in '%s': %s", e.System, e.Reason)
}

func (e *AnalysisError) Unwrap() error { return ErrAnalysis }
