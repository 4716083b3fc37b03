package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/coupledsys/mdsolve/internal/comm"
)

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdsolve.yml")
	cfg := DefaultConfig()
	cfg.Scenario = "chain"
	cfg.Newton.MaxIter = 25
	cfg.Linear.RHSCheck = true
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Scenario != "chain" || loaded.Newton.MaxIter != 25 || !loaded.Linear.RHSCheck {
		t.Errorf("round trip lost fields: %+v", loaded)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yml")
	if err := os.WriteFile(path, []byte("scenario: linear2x2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Newton.MaxIter != DefaultMaxIter {
		t.Errorf("max_iter %d want default %d", cfg.Newton.MaxIter, DefaultMaxIter)
	}
	if cfg.Scenario != "linear2x2" {
		t.Errorf("scenario %q", cfg.Scenario)
	}
}

func TestBuildSystemUnknownScenario(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scenario = "nosuch"
	if _, err := BuildSystem(cfg); err == nil {
		t.Error("unknown scenario accepted")
	}
}

func TestSolveLinear2x2(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scenario = "linear2x2"
	cfg.Print = -1

	g, err := BuildSystem(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	if err := g.SolveNonlinear(); err != nil {
		t.Fatal(err)
	}
	if got := g.Outputs().VarView("lin.x")[0]; math.Abs(got-2) > 1e-10 {
		t.Errorf("x = %g want 2", got)
	}
	if got := g.Outputs().VarView("lin.y")[0]; math.Abs(got-3) > 1e-10 {
		t.Errorf("y = %g want 3", got)
	}
}

func TestSolveCoupled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scenario = "coupled"
	cfg.Print = -1

	g, err := BuildSystem(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}
	if err := g.SolveNonlinear(); err != nil {
		t.Fatal(err)
	}

	y1 := g.Outputs().VarView("d1.y1")[0]
	y2 := g.Outputs().VarView("d2.y2")[0]
	if math.Abs(y1-(28-0.2*y2)) > 1e-8 {
		t.Errorf("discipline 1 inconsistent: y1=%g y2=%g", y1, y2)
	}
	if math.Abs(y2-math.Sqrt(y1)) > 1e-8 {
		t.Errorf("discipline 2 inconsistent: y1=%g y2=%g", y1, y2)
	}
}

func TestSolveChainParallel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scenario = "chain"
	cfg.Procs = 3
	cfg.Print = -1
	cfg.Newton.SolveSubsystems = true

	cg, err := comm.NewGroup(cfg.Procs)
	if err != nil {
		t.Fatal(err)
	}
	err = cg.Run(func(c *comm.Comm) error {
		g, err := BuildSystem(cfg)
		if err != nil {
			return err
		}
		if err := g.Setup(c); err != nil {
			return err
		}
		if err := g.SolveNonlinear(); err != nil {
			return err
		}
		if got := g.Outputs().VarView("c.w")[0]; math.Abs(got-5) > 1e-10 {
			t.Errorf("rank %d: c.w = %g want 5", c.Rank(), got)
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}
