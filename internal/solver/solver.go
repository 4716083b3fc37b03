// Package solver defines the contracts shared by the nonlinear drivers and
// linear solve engines, plus the error taxonomy they report through.
package solver

import "fmt"

// Direction selects which way a linear solve runs.
type Direction int

const (
	// Forward solves J * d_outputs = d_residuals.
	Forward Direction = iota
	// Reverse solves Jᵀ * d_residuals = d_outputs.
	Reverse
)

func (d Direction) String() string {
	if d == Forward {
		return "fwd"
	}
	return "rev"
}

// Linear is the capability surface a nonlinear driver needs from a linear
// solve engine.
type Linear interface {
	Linearize() error
	SolveLinear(dir Direction) error
	SetPrintLevel(level int)
}

// Nonlinear is a solver that drives a system's residual toward zero.
type Nonlinear interface {
	Solve() error
	SetPrintLevel(level int)
}

// Printer gates iteration output. Level 2 prints every iteration, level 1
// prints totals, level 0 prints failures only, below 0 is fully silent.
type Printer struct {
	Name  string
	Level int
}

// Iter prints one iteration line at level 2.
func (p *Printer) Iter(iter int, abs, rel float64) {
	if p.Level >= 2 {
		fmt.Printf("%s %d ; %.9g %.9g\n", p.Name, iter, abs, rel)
	}
}

// Done prints a completion summary at level 1.
func (p *Printer) Done(iters int, abs, rel float64) {
	if p.Level >= 1 {
		fmt.Printf("%s Converged in %d iterations\n", p.Name, iters)
	}
}

// Fail prints a failure line unless printing is fully silenced.
func (p *Printer) Fail(msg string) {
	if p.Level >= 0 {
		fmt.Printf("%s Failed: %s\n", p.Name, msg)
	}
}
