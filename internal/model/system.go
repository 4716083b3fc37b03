// Package model implements the model tree the solvers operate on: implicit
// and explicit components at the leaves, groups at the interior nodes, with
// per-system state vectors and jacobians. A group may be parallel, in which
// case its direct children are distributed over the ranks of its
// communicator and group-level queries reconcile per-rank results through
// collective calls.
package model

import (
	"gonum.org/v1/gonum/mat"

	"github.com/coupledsys/mdsolve/internal/comm"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// Scope restricts which variables participate in a matrix-vector product.
// A nil Scope means all variables.
type Scope map[string]struct{}

// Contains reports whether name is in scope. Nil scopes contain everything.
func (s Scope) Contains(name string) bool {
	if s == nil {
		return true
	}
	_, ok := s[name]
	return ok
}

// PartialKey identifies one declared sub-jacobian block.
type PartialKey struct {
	Of  string
	Wrt string
}

// Predicate results for VisitSystems.
const (
	// VisitSkipStop skips the system and does not descend into it.
	VisitSkipStop = -1
	// VisitSkipContinue skips the system but descends into its subsystems.
	VisitSkipContinue = 0
	// VisitApply applies the visitor to the system and descends.
	VisitApply = 1
)

// CommInfo pairs a system pathname with its communicator size.
type CommInfo struct {
	Path string
	Size int
}

// System is a node of the model tree: a component or a group. State vectors
// are owned by the system and mutated in place during solves.
type System interface {
	Name() string
	Pathname() string
	setPathname(parent string)
	setRelevance(r *Relevance)

	// Setup wires the communicator down the tree and allocates state
	// vectors. The tree structure is fixed once Setup completes.
	Setup(c *comm.Comm) error
	Comm() *comm.Comm

	OutputVars() []Variable
	Layout() *Layout
	Outputs() *Vector
	Residuals() *Vector
	DOutputs() *Vector
	DResiduals() *Vector

	// EvalResidual recomputes the residual vector at the current outputs.
	EvalResidual() error
	// SolveNonlinear runs the system's own solve: a component's local solve
	// callback, or a group's attached driver (one gauss-seidel sweep when
	// none is attached).
	SolveNonlinear() error
	// Linearize rebuilds partial derivatives (and any assembled jacobian).
	// subDoLn propagates linearization to child solvers.
	Linearize(subDoLn bool) error
	// ApplyLinear runs the jacobian as an operator on the tangent vectors:
	// forward mutates d_residuals from d_outputs, reverse the opposite.
	ApplyLinear(dir solver.Direction, scopeOut, scopeIn Scope) error
	// ApplyStep updates outputs by alpha times d_outputs.
	ApplyStep(alpha float64)

	// AssembledJacobian returns the matrix built by the last Linearize, or
	// nil when the system is matrix-free or this rank does not own it.
	AssembledJacobian() mat.Matrix
	// MatVecScope returns the output/input scopes to use when probing the
	// linear operator.
	MatVecScope() (Scope, Scope)
	// UnscaledScope runs fn with the tangent vectors converted to physical
	// units, restoring scaled storage afterwards.
	UnscaledScope(fn func())

	Relevance() *Relevance
	Subsystems() []System
	LocalSubsystems() []System

	HasGuess() bool
	Guess() error
	IsExplicit(isComp bool) bool

	UnderComplexStep() bool
	SetComplexStep(active bool)
}

// Relevance is the transient set of system pathnames active for the current
// solve. Deactivating it makes every system relevant, which probing relies
// on to see the true, unfiltered operator.
type Relevance struct {
	active   bool
	relevant map[string]struct{}
}

// NewRelevance returns an inactive relevance with no filter.
func NewRelevance() *Relevance {
	return &Relevance{}
}

// SetRelevant installs the active pathname set and activates filtering.
func (r *Relevance) SetRelevant(paths []string) {
	r.relevant = make(map[string]struct{}, len(paths))
	for _, p := range paths {
		r.relevant[p] = struct{}{}
	}
	r.active = true
}

// Clear deactivates filtering and drops the set.
func (r *Relevance) Clear() {
	r.active = false
	r.relevant = nil
}

// IsRelevant reports whether a system takes part in the current solve.
func (r *Relevance) IsRelevant(path string) bool {
	if !r.active || r.relevant == nil {
		return true
	}
	_, ok := r.relevant[path]
	return ok
}

// WithInactive runs fn with relevance filtering disabled.
func (r *Relevance) WithInactive(fn func()) {
	prev := r.active
	r.active = false
	defer func() { r.active = prev }()
	fn()
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "." + name
}
