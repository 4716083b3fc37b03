package newton

import (
	"errors"
	"math"
	"testing"

	"github.com/coupledsys/mdsolve/internal/comm"
	"github.com/coupledsys/mdsolve/internal/direct"
	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// scalarGroup wraps a single-state implicit component with residual res(x)
// and jacobian jac(x) in a dense-assembled group.
func scalarGroup(t *testing.T, res, jac func(float64) float64) *model.Group {
	t.Helper()
	g := model.NewGroup("root")
	c := model.NewImplicit("c", []model.Variable{{Name: "x", Size: 1}}, nil)
	c.Apply = func(in, out, r *model.Vector) error {
		r.VarView("x")[0] = res(out.VarView("x")[0])
		return nil
	}
	c.Jac = func(in, out *model.Vector, p *model.Partials) error {
		p.DRDO.Set(0, 0, jac(out.VarView("x")[0]))
		return nil
	}
	c.DeclarePartials("x", "x")
	g.Add(c)
	g.SetAssembledJacobian("dense")
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	return g
}

func newSolver(t *testing.T, g *model.Group, opts Options) *Solver {
	t.Helper()
	lin, err := direct.New(g, direct.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	nl, err := New(g, lin, opts)
	if err != nil {
		t.Fatal(err)
	}
	return nl
}

func boolp(b bool) *bool { return &b }

func TestLinearSystemOneIteration(t *testing.T) {
	g := model.NewGroup("root")
	c := model.NewImplicit("lin",
		[]model.Variable{{Name: "x", Size: 1}, {Name: "y", Size: 1}}, nil)
	c.Apply = func(in, out, res *model.Vector) error {
		x := out.VarView("x")[0]
		y := out.VarView("y")[0]
		res.VarView("x")[0] = 2*x + y - 7
		res.VarView("y")[0] = x + 3*y - 11
		return nil
	}
	c.Jac = func(in, out *model.Vector, p *model.Partials) error {
		p.DRDO.Set(0, 0, 2)
		p.DRDO.Set(0, 1, 1)
		p.DRDO.Set(1, 0, 1)
		p.DRDO.Set(1, 1, 3)
		return nil
	}
	c.DeclarePartials("x", "x")
	c.DeclarePartials("x", "y")
	c.DeclarePartials("y", "x")
	c.DeclarePartials("y", "y")
	g.Add(c)
	g.SetAssembledJacobian("dense")
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.SolveSubsystems = boolp(false)
	nl := newSolver(t, g, opts)
	if err := nl.Solve(); err != nil {
		t.Fatal(err)
	}

	if nl.IterCount() != 1 {
		t.Errorf("linear system took %d iterations, want 1", nl.IterCount())
	}
	if got := g.Outputs().VarView("lin.x")[0]; math.Abs(got-2) > 1e-10 {
		t.Errorf("x = %g want 2", got)
	}
	if got := g.Outputs().VarView("lin.y")[0]; math.Abs(got-3) > 1e-10 {
		t.Errorf("y = %g want 3", got)
	}
	if len(nl.History()) != nl.IterCount()+1 {
		t.Errorf("history has %d entries for %d iterations", len(nl.History()), nl.IterCount())
	}
}

func TestNonlinearConvergence(t *testing.T) {
	// x^3 + x = 10, single real root at x = 2. Starting above the root
	// keeps the convex newton iteration monotone.
	g := scalarGroup(t,
		func(x float64) float64 { return x*x*x + x - 10 },
		func(x float64) float64 { return 3*x*x + 1 })
	g.Outputs().VarView("c.x")[0] = 3

	opts := DefaultOptions()
	opts.SolveSubsystems = boolp(false)
	nl := newSolver(t, g, opts)
	if err := nl.Solve(); err != nil {
		t.Fatal(err)
	}

	x := g.Outputs().VarView("c.x")[0]
	if r := math.Abs(x*x*x + x - 10); r > 1e-9 {
		t.Errorf("residual %g at x=%g", r, x)
	}
	hist := nl.History()
	for i := 1; i < len(hist); i++ {
		if hist[i] >= hist[i-1] {
			t.Errorf("residual norm rose at iteration %d: %g -> %g", i, hist[i-1], hist[i])
		}
	}
}

func TestScaledStates(t *testing.T) {
	// Storage holds value/Ref while callbacks and the assembled jacobian
	// work in physical units.
	g := model.NewGroup("root")
	c := model.NewImplicit("c", []model.Variable{{Name: "x", Size: 1, Ref: 100}}, nil)
	c.Apply = func(in, out, res *model.Vector) error {
		res.VarView("x")[0] = out.VarView("x")[0] - 50
		return nil
	}
	c.Jac = func(in, out *model.Vector, p *model.Partials) error {
		p.DRDO.Set(0, 0, 1)
		return nil
	}
	c.DeclarePartials("x", "x")
	g.Add(c)
	g.SetAssembledJacobian("dense")
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.SolveSubsystems = boolp(false)
	nl := newSolver(t, g, opts)
	if err := nl.Solve(); err != nil {
		t.Fatal(err)
	}
	if nl.IterCount() != 1 {
		t.Errorf("scaled linear solve took %d iterations, want 1", nl.IterCount())
	}
	if got := g.Outputs().VarView("c.x")[0]; math.Abs(got-0.5) > 1e-12 {
		t.Errorf("stored value %g want 0.5 (physical 50 over ref 100)", got)
	}
}

func TestSolveSubsystemsRequired(t *testing.T) {
	g := scalarGroup(t,
		func(x float64) float64 { return x },
		func(x float64) float64 { return 1 })
	lin, err := direct.New(g, direct.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(g, lin, DefaultOptions()); err == nil {
		t.Error("constructor accepted unset SolveSubsystems")
	}
}

func TestSubsolveGating(t *testing.T) {
	build := func() (*model.Group, *int) {
		count := 0
		g := model.NewGroup("root")
		c := model.NewImplicit("c", []model.Variable{{Name: "x", Size: 1}}, nil)
		c.Apply = func(in, out, res *model.Vector) error {
			res.VarView("x")[0] = out.VarView("x")[0] - 5
			return nil
		}
		c.Jac = func(in, out *model.Vector, p *model.Partials) error {
			p.DRDO.Set(0, 0, 1)
			return nil
		}
		c.DeclarePartials("x", "x")
		c.SolveLocal = func(in, out *model.Vector) error {
			count++
			out.VarView("x")[0] = 5
			return nil
		}
		g.Add(c)
		g.SetAssembledJacobian("dense")
		return g, &count
	}

	// Sweeps disabled: the local solve never runs.
	g, count := build()
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	opts := DefaultOptions()
	opts.SolveSubsystems = boolp(false)
	nl := newSolver(t, g, opts)
	if err := nl.Solve(); err != nil {
		t.Fatal(err)
	}
	if *count != 0 {
		t.Errorf("local solve ran %d times with sweeps disabled", *count)
	}

	// MaxSubSolves=0 still allows the pre-iteration sweep, which already
	// converges this system, and forbids per-iteration sweeps.
	g, count = build()
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	opts = DefaultOptions()
	opts.SolveSubsystems = boolp(true)
	opts.MaxSubSolves = 0
	nl = newSolver(t, g, opts)
	if err := nl.Solve(); err != nil {
		t.Fatal(err)
	}
	if *count != 1 {
		t.Errorf("local solve ran %d times with max_sub_solves=0, want 1", *count)
	}
	if nl.IterCount() != 0 {
		t.Errorf("newton iterated %d times after a converging sweep", nl.IterCount())
	}
}

func TestNonConvergenceReported(t *testing.T) {
	// atan(x) = 2 has no solution; the residual norm stays near pi/2 - 2.
	g := scalarGroup(t,
		func(x float64) float64 { return math.Atan(x) - 2 },
		func(x float64) float64 { return 1 / (1 + x*x) })

	opts := DefaultOptions()
	opts.SolveSubsystems = boolp(false)
	opts.MaxIter = 3
	opts.ErrOnNonConverge = true
	nl := newSolver(t, g, opts)

	err := nl.Solve()
	if !errors.Is(err, solver.ErrNotConverged) {
		t.Fatalf("got %v, want a convergence error", err)
	}
	var ce *solver.ConvergenceError
	if !errors.As(err, &ce) {
		t.Fatal("error does not carry convergence details")
	}
	if ce.Iters != 3 {
		t.Errorf("reported %d iterations, want 3", ce.Iters)
	}
}

func TestLinesearchRecoversDivergentStep(t *testing.T) {
	// Newton on atan(5x) = 0 from x0 = 1 oscillates divergently with full
	// steps; backtracking tames it.
	build := func() *model.Group {
		g := scalarGroup(t,
			func(x float64) float64 { return math.Atan(5 * x) },
			func(x float64) float64 { return 5 / (1 + 25*x*x) })
		g.Outputs().VarView("c.x")[0] = 1
		return g
	}

	opts := DefaultOptions()
	opts.SolveSubsystems = boolp(false)
	opts.MaxIter = 10
	opts.ErrOnNonConverge = true
	nl := newSolver(t, build(), opts)
	if err := nl.Solve(); err == nil {
		t.Error("full-step newton unexpectedly converged")
	}

	opts.MaxIter = 50
	g := build()
	nl = newSolver(t, g, opts)
	nl.Linesearch = NewBacktracking()
	if err := nl.Solve(); err != nil {
		t.Fatal(err)
	}
	if x := g.Outputs().VarView("c.x")[0]; math.Abs(x) > 1e-8 {
		t.Errorf("x = %g after line-searched solve", x)
	}
}
