package model

import (
	"fmt"
	"testing"

	"github.com/coupledsys/mdsolve/internal/comm"
)

func TestVisitSystems(t *testing.T) {
	g := chainGroup(false)
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}

	names := g.VisitSystems(nil, func(s System) any { return s.Name() }, true)
	if len(names) != 4 || names[0] != "root" {
		t.Fatalf("unfiltered visit: %v", names)
	}

	// Skip component b but keep descending elsewhere.
	skipB := func(s System) int {
		if s.Name() == "b" {
			return VisitSkipContinue
		}
		return VisitApply
	}
	names = g.VisitSystems(skipB, func(s System) any { return s.Name() }, false)
	want := map[string]bool{"a": true, "c": true}
	if len(names) != 2 {
		t.Fatalf("filtered visit: %v", names)
	}
	for _, n := range names {
		if !want[n.(string)] {
			t.Errorf("unexpected visit of %v", n)
		}
	}
}

func TestVisitSystemsParallel(t *testing.T) {
	cg, err := comm.NewGroup(2)
	if err != nil {
		t.Fatal(err)
	}
	err = cg.Run(func(c *comm.Comm) error {
		g := chainGroup(true)
		if err := g.Setup(c); err != nil {
			return err
		}
		names := g.VisitSystems(nil, func(s System) any { return s.Name() }, false)
		if len(names) != 3 {
			return fmt.Errorf("rank %d: visited %v, want all three children", c.Rank(), names)
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}
}

func TestDeclaredPartialsPrefixed(t *testing.T) {
	g := NewGroup("root")
	c := NewImplicit("c", []Variable{{Name: "x", Size: 1}}, nil)
	c.Apply = func(in, out, res *Vector) error { return nil }
	c.DeclarePartials("x", "x")
	g.Add(c)
	if err := g.Setup(comm.Self()); err != nil {
		t.Fatal(err)
	}

	keys := g.DeclaredPartials()
	if len(keys) != 1 {
		t.Fatalf("got %v", keys)
	}
	if keys[0] != (PartialKey{Of: "root.c.x", Wrt: "root.c.x"}) {
		t.Errorf("key %v not pathname-prefixed", keys[0])
	}
}
