package config

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/coupledsys/mdsolve/internal/direct"
	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/newton"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// Scenarios lists the built-in scenario names.
func Scenarios() []string {
	return []string{"linear2x2", "coupled", "chain"}
}

// BuildSystem constructs the scenario model named by cfg and attaches a
// newton driver backed by a direct linear solver. Build one instance per
// rank before calling Setup.
func BuildSystem(cfg *Config) (*model.Group, error) {
	var (
		g   *model.Group
		err error
	)
	switch cfg.Scenario {
	case "linear2x2":
		g, err = buildLinear2x2()
	case "coupled":
		g, err = buildCoupled()
	case "chain":
		g, err = buildChain(cfg.Procs > 1)
	default:
		return nil, fmt.Errorf("config: unknown scenario %q", cfg.Scenario)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Assembly != "" {
		g.SetAssembledJacobian(cfg.Assembly)
	}

	lin, err := direct.New(g, direct.Options{
		ErrOnSingular: cfg.Linear.ErrOnSingular,
		RHSChecking: direct.RHSCheckOptions{
			Enabled:         cfg.Linear.RHSCheck,
			MaxCacheEntries: cfg.Linear.RHSEntries,
			CheckZero:       true,
		},
	})
	if err != nil {
		return nil, err
	}

	solveSubs := cfg.Newton.SolveSubsystems
	opts := newton.DefaultOptions()
	opts.MaxIter = cfg.Newton.MaxIter
	opts.Atol = cfg.Newton.Atol
	opts.Rtol = cfg.Newton.Rtol
	opts.SolveSubsystems = &solveSubs
	opts.MaxSubSolves = cfg.Newton.MaxSubSolves
	opts.ErrOnNonConverge = cfg.Newton.ErrOnNonConverge
	nl, err := newton.New(g, lin, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Newton.Linesearch {
		nl.Linesearch = newton.NewBacktracking()
	}
	lin.SetPrintLevel(cfg.Print)
	nl.SetPrintLevel(cfg.Print)

	g.LinearSolver = lin
	g.NonlinearSolver = nl
	return g, nil
}

// buildLinear2x2 is a single implicit component holding the linear system
// 2x + y = 7, x + 3y = 11, with exact solution (2, 3).
func buildLinear2x2() (*model.Group, error) {
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
	return g, nil
}

// buildCoupled is a two-discipline cycle: y1 = 28 - 0.2*y2 and y2 = sqrt(y1).
func buildCoupled() (*model.Group, error) {
	g := model.NewGroup("root")
	d1 := model.NewExplicit("d1",
		[]model.Variable{{Name: "y1", Size: 1}},
		[]model.Variable{{Name: "y2", Size: 1}},
		func(in, out *model.Vector) error {
			out.VarView("y1")[0] = 28 - 0.2*in.VarView("y2")[0]
			return nil
		},
		func(in *model.Vector, dfdin *mat.Dense) error {
			dfdin.Set(0, 0, -0.2)
			return nil
		})
	d2 := model.NewExplicit("d2",
		[]model.Variable{{Name: "y2", Size: 1}},
		[]model.Variable{{Name: "y1", Size: 1}},
		func(in, out *model.Vector) error {
			v := in.VarView("y1")[0]
			if v < 0 {
				return &solver.AnalysisError{System: "d2", Reason: "sqrt of negative coupling value"}
			}
			out.VarView("y2")[0] = math.Sqrt(v)
			return nil
		},
		func(in *model.Vector, dfdin *mat.Dense) error {
			v := in.VarView("y1")[0]
			if v < 1e-12 {
				v = 1e-12
			}
			dfdin.Set(0, 0, 0.5/math.Sqrt(v))
			return nil
		})
	// Start near the coupled solution; at y1 = 0 the sqrt branch makes the
	// jacobian nearly singular.
	d1.GuessFn = func(in, out *model.Vector) {
		out.VarView("y1")[0] = 25
	}
	d2.GuessFn = func(in, out *model.Vector) {
		out.VarView("y2")[0] = 5
	}
	g.Add(d1)
	g.Add(d2)
	if err := g.Connect("d1.y1", "d2.y1"); err != nil {
		return nil, err
	}
	if err := g.Connect("d2.y2", "d1.y2"); err != nil {
		return nil, err
	}
	return g, nil
}

// buildChain is a feed-forward chain u -> v -> w over three components,
// optionally distributed over the ranks of a parallel group.
func buildChain(parallel bool) (*model.Group, error) {
	g := model.NewGroup("root")
	if parallel {
		g = model.NewParallelGroup("root")
	}
	a := model.NewExplicit("a",
		[]model.Variable{{Name: "u", Size: 1}}, nil,
		func(in, out *model.Vector) error {
			out.VarView("u")[0] = 2
			return nil
		}, nil)
	b := model.NewExplicit("b",
		[]model.Variable{{Name: "v", Size: 1}},
		[]model.Variable{{Name: "u", Size: 1}},
		func(in, out *model.Vector) error {
			u := in.VarView("u")[0]
			out.VarView("v")[0] = u * u
			return nil
		},
		func(in *model.Vector, dfdin *mat.Dense) error {
			dfdin.Set(0, 0, 2*in.VarView("u")[0])
			return nil
		})
	c := model.NewExplicit("c",
		[]model.Variable{{Name: "w", Size: 1}},
		[]model.Variable{{Name: "v", Size: 1}},
		func(in, out *model.Vector) error {
			out.VarView("w")[0] = in.VarView("v")[0] + 1
			return nil
		},
		func(in *model.Vector, dfdin *mat.Dense) error {
			dfdin.Set(0, 0, 1)
			return nil
		})
	g.Add(a)
	g.Add(b)
	g.Add(c)
	if err := g.Connect("a.u", "b.u"); err != nil {
		return nil, err
	}
	if err := g.Connect("b.v", "c.v"); err != nil {
		return nil, err
	}
	return g, nil
}
