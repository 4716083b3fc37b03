package model

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/coupledsys/mdsolve/internal/comm"
	"github.com/coupledsys/mdsolve/internal/solver"
)

func newSquarer() *Component {
	return NewExplicit("sq",
		[]Variable{{Name: "v", Size: 1}},
		[]Variable{{Name: "u", Size: 1}},
		func(in, out *Vector) error {
			u := in.VarView("u")[0]
			out.VarView("v")[0] = u * u
			return nil
		},
		func(in *Vector, dfdin *mat.Dense) error {
			dfdin.Set(0, 0, 2*in.VarView("u")[0])
			return nil
		})
}

func TestExplicitResidual(t *testing.T) {
	c := newSquarer()
	if err := c.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	c.Inputs().VarView("u")[0] = 3
	c.Outputs().VarView("v")[0] = 10
	if err := c.EvalResidual(); err != nil {
		t.Fatal(err)
	}
	if got := c.Residuals().VarView("v")[0]; math.Abs(got-1) > 1e-15 {
		t.Errorf("residual %g want 1", got)
	}
}

func TestExplicitSolveLocal(t *testing.T) {
	c := newSquarer()
	if err := c.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	c.Inputs().VarView("u")[0] = 4
	if err := c.SolveNonlinear(); err != nil {
		t.Fatal(err)
	}
	if got := c.Outputs().VarView("v")[0]; got != 16 {
		t.Errorf("solved output %g want 16", got)
	}
	if err := c.EvalResidual(); err != nil {
		t.Fatal(err)
	}
	if n := c.Residuals().Norm(); n > 1e-15 {
		t.Errorf("residual norm %g after local solve", n)
	}
}

func TestComponentScaling(t *testing.T) {
	// Scaled storage: the vector holds value/Ref, callbacks see physical
	// units.
	c := NewImplicit("s", []Variable{{Name: "x", Size: 1, Ref: 4}}, nil)
	c.Apply = func(in, out, res *Vector) error {
		res.VarView("x")[0] = out.VarView("x")[0] - 8
		return nil
	}
	if err := c.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}

	c.Outputs().VarView("x")[0] = 2 // physical 8
	if err := c.EvalResidual(); err != nil {
		t.Fatal(err)
	}
	if n := c.Residuals().Norm(); n > 1e-15 {
		t.Errorf("residual %g at the physical solution", n)
	}

	c.Outputs().VarView("x")[0] = 1 // physical 4
	if err := c.EvalResidual(); err != nil {
		t.Fatal(err)
	}
	if got := c.Residuals().VarView("x")[0]; math.Abs(got+1) > 1e-15 {
		t.Errorf("scaled residual %g want -1", got)
	}
}

func TestApplyLinearAdjointConsistency(t *testing.T) {
	c := newSquarer()
	if err := c.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	c.Inputs().VarView("u")[0] = 3
	c.Outputs().VarView("v")[0] = 9
	if err := c.Linearize(false); err != nil {
		t.Fatal(err)
	}

	// Forward: dres = J * [dout, din].
	c.DOutputs().SetVal([]float64{2})
	c.DInputs().VarView("u")[0] = 0.5
	if err := c.ApplyLinear(solver.Forward, nil, nil); err != nil {
		t.Fatal(err)
	}
	// residual v - u^2: d/dv = 1, d/du = -6.
	want := 1.0*2 + (-6.0)*0.5
	if got := c.DResiduals().VarView("v")[0]; math.Abs(got-want) > 1e-14 {
		t.Errorf("forward dres %g want %g", got, want)
	}

	// Reverse with seed w: <J x, w> must equal <x, J^T w>.
	fwd := c.DResiduals().VarView("v")[0]
	seed := 1.7
	c.DResiduals().SetVal([]float64{seed})
	if err := c.ApplyLinear(solver.Reverse, nil, nil); err != nil {
		t.Fatal(err)
	}
	lhs := fwd * seed
	rhs := c.DOutputs().VarView("v")[0]*2 + c.DInputs().VarView("u")[0]*0.5
	if math.Abs(lhs-rhs) > 1e-12 {
		t.Errorf("adjoint identity violated: %g vs %g", lhs, rhs)
	}
}

func TestComponentGuess(t *testing.T) {
	c := NewImplicit("g", []Variable{{Name: "x", Size: 1, Ref: 2}}, nil)
	c.Apply = func(in, out, res *Vector) error { return nil }
	c.GuessFn = func(in, out *Vector) {
		out.VarView("x")[0] = 6
	}
	if err := c.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	if !c.HasGuess() {
		t.Fatal("HasGuess false with a guess attached")
	}
	if err := c.Guess(); err != nil {
		t.Fatal(err)
	}
	// Guess writes physical values; storage is scaled.
	if got := c.Outputs().VarView("x")[0]; got != 3 {
		t.Errorf("stored guess %g want 3", got)
	}
}

func TestMissingPartials(t *testing.T) {
	c := NewImplicit("m",
		[]Variable{{Name: "a", Size: 1}, {Name: "b", Size: 1}},
		[]Variable{{Name: "in", Size: 1}})
	c.DeclarePartials("a", "a")
	c.DeclarePartials("b", "b")
	c.DeclarePartials("a", "in")

	missing := c.MissingPartials()
	want := []PartialKey{{Of: "a", Wrt: "b"}, {Of: "b", Wrt: "a"}, {Of: "b", Wrt: "in"}}
	if len(missing) != len(want) {
		t.Fatalf("got %v want %v", missing, want)
	}
	for i, k := range missing {
		if k != want[i] {
			t.Errorf("missing[%d] = %v want %v", i, k, want[i])
		}
	}
}
