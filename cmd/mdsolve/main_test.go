package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/coupledsys/mdsolve/internal/comm"
	"github.com/coupledsys/mdsolve/internal/config"
	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/newton"
)

func solveScenario(t *testing.T, name string) (root *model.Group, history []float64) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scenario = name
	cfg.Print = -1
	sys, err := config.BuildSystem(cfg)
	if err != nil {
		t.Fatalf("build %s: %v", name, err)
	}
	if err := sys.Setup(comm.Self()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := sys.SolveNonlinear(); err != nil {
		t.Fatalf("solve: %v", err)
	}
	if nl, ok := sys.NonlinearSolver.(*newton.Solver); ok {
		history = nl.History()
	}
	return sys, history
}

func TestPrintResultsValues(t *testing.T) {
	root, history := solveScenario(t, "linear2x2")

	var buf bytes.Buffer
	printResults(&buf, root, history)
	out := buf.String()

	if !strings.Contains(out, "lin.x") || !strings.Contains(out, "lin.y") {
		t.Fatalf("missing variable rows:\n%s", out)
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "lin.x":
			if fields[1] != "2" {
				t.Errorf("lin.x printed as %q, want 2", fields[1])
			}
		case "lin.y":
			if fields[1] != "3" {
				t.Errorf("lin.y printed as %q, want 3", fields[1])
			}
		}
	}
}
