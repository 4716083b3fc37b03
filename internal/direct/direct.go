// Package direct implements a direct linear solve engine: it assembles or
// probes the system jacobian, factors it with LU, and answers forward and
// reverse solves by substitution. Factorization failures are diagnosed down
// to the offending state or residual.
package direct

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/coupledsys/mdsolve/internal/model"
	"github.com/coupledsys/mdsolve/internal/solver"
	"github.com/coupledsys/mdsolve/internal/sparse"
)

// condLimit is the condition number beyond which a dense factorization is
// treated as singular.
const condLimit = 1e15

// RHSCheckOptions configures the reverse-mode right-hand-side cache.
type RHSCheckOptions struct {
	// Enabled turns the cache on.
	Enabled bool
	// MaxCacheEntries bounds the number of remembered rhs/solution pairs.
	// Zero means the default of 3.
	MaxCacheEntries int
	// Tol is the relative tolerance for matching a cached rhs. Zero means
	// exact comparison.
	Tol float64
	// CheckZero short-circuits solves against an all-zero rhs.
	CheckZero bool
}

// Options configures a Solver.
type Options struct {
	// ErrOnSingular raises a diagnosed error when the jacobian cannot be
	// factored. When false, ill conditioning is left to propagate through
	// the solution values.
	ErrOnSingular bool
	// RHSChecking caches reverse-mode solves keyed by their rhs.
	RHSChecking RHSCheckOptions
}

// DefaultOptions returns the standard direct solver configuration.
func DefaultOptions() Options {
	return Options{
		ErrOnSingular: true,
		RHSChecking:   RHSCheckOptions{MaxCacheEntries: 3, CheckZero: true},
	}
}

// assembler is implemented by systems that can build an assembled jacobian.
type assembler interface {
	AssembledMode() string
	OwnedAssembly() bool
}

// Solver is a direct linear solver bound to one system.
type Solver struct {
	sys     model.System
	opts    Options
	printer solver.Printer

	assembles bool
	owned     bool

	luDense  *mat.LU
	luSparse *sparse.LU
	// empty marks a rank that defers to the assembly owner for solutions.
	empty bool
	// usedAssembled records whether the current factorization came from an
	// assembled matrix, which is held in physical units.
	usedAssembled bool

	cache      *rhsCache
	substCount int
}

// New builds a direct solver for sys. Matrix-free operation is rejected up
// front when the system runs on more than one rank.
func New(sys model.System, opts Options) (*Solver, error) {
	s := &Solver{
		sys:     sys,
		opts:    opts,
		printer: solver.Printer{Name: "LN: Direct"},
	}
	if a, ok := sys.(assembler); ok && a.AssembledMode() != "" {
		s.assembles = true
		s.owned = a.OwnedAssembly()
	}
	if !s.assembles && sys.Comm() != nil && sys.Comm().Size() > 1 {
		return nil, fmt.Errorf("direct solver on '%s': an assembled jacobian is required when the communicator size is greater than 1", sysLabel(sys))
	}
	if opts.RHSChecking.Enabled {
		s.cache = newRHSCache(opts.RHSChecking)
	}
	return s, nil
}

// SetPrintLevel sets the iteration print level.
func (s *Solver) SetPrintLevel(level int) { s.printer.Level = level }

// SubstCount returns the number of substitution solves performed since the
// solver was built. Cache hits do not increment it.
func (s *Solver) SubstCount() int { return s.substCount }

// Linearize refreshes the factorization from the system's current
// jacobian and invalidates any cached reverse solves.
func (s *Solver) Linearize() error {
	if s.cache != nil {
		s.cache.clear()
	}
	s.luDense = nil
	s.luSparse = nil
	s.empty = false
	s.usedAssembled = false

	if s.assembles {
		m := s.sys.AssembledJacobian()
		if m == nil {
			// Owned assembly on a non-owning rank: solutions arrive by
			// broadcast from the owner.
			s.empty = true
			return nil
		}
		s.usedAssembled = true
		return s.factor(m)
	}

	if c := s.sys.Comm(); c != nil && c.Size() > 1 {
		return fmt.Errorf("direct solver on '%s': an assembled jacobian is required when the communicator size is greater than 1", sysLabel(s.sys))
	}
	m, err := s.probe()
	if err != nil {
		return err
	}
	return s.factor(m)
}

func (s *Solver) factor(m mat.Matrix) error {
	switch t := m.(type) {
	case *sparse.Matrix:
		if t.HasNaN() {
			return diagnoseNaN(s.sys, t)
		}
		lu, err := sparse.Factor(t)
		if err != nil {
			return diagnoseSingular(s.sys, t)
		}
		s.luSparse = lu
		return nil
	case *mat.Dense:
		if matHasNaN(t) {
			return diagnoseNaN(s.sys, t)
		}
		lu := &mat.LU{}
		lu.Factorize(t)
		if s.opts.ErrOnSingular {
			if c := lu.Cond(); math.IsInf(c, 1) || c > condLimit {
				return diagnoseSingular(s.sys, t)
			}
		}
		s.luDense = lu
		return nil
	default:
		return fmt.Errorf("direct solver on '%s': unsupported jacobian matrix type %T", sysLabel(s.sys), m)
	}
}

// probe reconstructs the jacobian column by column by pushing unit tangent
// vectors through the system's linear operator. Relevance filtering is
// disabled so the full operator is observed.
func (s *Solver) probe() (*mat.Dense, error) {
	x := s.sys.DOutputs()
	b := s.sys.DResiduals()
	xBackup := x.Clone()
	bBackup := b.Clone()

	n := x.Len()
	m := mat.NewDense(n, n, nil)
	scopeOut, scopeIn := s.sys.MatVecScope()

	var applyErr error
	s.sys.Relevance().WithInactive(func() {
		for j := 0; j < n; j++ {
			x.Zero()
			x.Data()[j] = 1
			if err := s.sys.ApplyLinear(solver.Forward, scopeOut, scopeIn); err != nil {
				applyErr = err
				return
			}
			for i, v := range b.Data() {
				m.Set(i, j, v)
			}
		}
	})
	x.SetVec(xBackup)
	b.SetVec(bBackup)
	if applyErr != nil {
		return nil, applyErr
	}
	return m, nil
}

// SolveLinear solves the factored system in the given direction, reading
// the rhs from one tangent vector and writing the solution into the other.
func (s *Solver) SolveLinear(dir solver.Direction) error {
	var xv, bv *model.Vector
	if dir == solver.Forward {
		xv, bv = s.sys.DOutputs(), s.sys.DResiduals()
	} else {
		xv, bv = s.sys.DResiduals(), s.sys.DOutputs()
	}

	if dir == solver.Reverse && s.cache != nil {
		if sol, isZero := s.cache.get(bv.Data()); isZero {
			xv.Zero()
			return nil
		} else if sol != nil {
			copy(xv.Data(), sol)
			return nil
		}
	}

	collective := s.assembles && s.owned && s.sys.Comm() != nil && s.sys.Comm().Size() > 1

	if s.empty {
		xv.Zero()
	} else {
		if s.luDense == nil && s.luSparse == nil {
			return fmt.Errorf("direct solver on '%s': solve requested before linearize", sysLabel(s.sys))
		}
		if s.usedAssembled {
			var solveErr error
			s.sys.UnscaledScope(func() {
				solveErr = s.substitute(dir, xv, bv)
			})
			if solveErr != nil {
				return solveErr
			}
		} else if err := s.substitute(dir, xv, bv); err != nil {
			return err
		}
	}

	if collective {
		gathered := s.sys.Comm().AllGatherF64s(xv.Data())
		copy(xv.Data(), gathered[0])
	}

	if dir == solver.Reverse && s.cache != nil && !s.sys.UnderComplexStep() {
		s.cache.add(bv.Data(), xv.Data())
	}
	return nil
}

func (s *Solver) substitute(dir solver.Direction, xv, bv *model.Vector) error {
	s.substCount++
	n := xv.Len()
	if s.luDense != nil {
		rhs := mat.NewVecDense(n, append([]float64(nil), bv.Data()...))
		dst := mat.NewVecDense(n, xv.Data())
		if err := s.luDense.SolveVecTo(dst, dir == solver.Reverse, rhs); err != nil {
			if _, ok := err.(mat.Condition); !ok {
				return fmt.Errorf("direct solver on '%s': %w", sysLabel(s.sys), err)
			}
		}
		return nil
	}
	if dir == solver.Forward {
		s.luSparse.Solve(xv.Data(), bv.Data())
	} else {
		s.luSparse.SolveTrans(xv.Data(), bv.Data())
	}
	return nil
}

// Inverse computes the explicit inverse of the system jacobian.
func (s *Solver) Inverse() (*mat.Dense, error) {
	var src mat.Matrix
	if s.assembles {
		src = s.sys.AssembledJacobian()
		if src == nil {
			return nil, fmt.Errorf("direct solver on '%s': no assembled jacobian on this rank", sysLabel(s.sys))
		}
	} else {
		m, err := s.probe()
		if err != nil {
			return nil, err
		}
		src = m
	}

	if sm, ok := src.(*sparse.Matrix); ok {
		if sm.HasNaN() {
			return nil, diagnoseNaN(s.sys, sm)
		}
		lu, err := sparse.Factor(sm)
		if err != nil {
			return nil, diagnoseSingular(s.sys, sm)
		}
		n, _ := sm.Dims()
		inv := mat.NewDense(n, n, nil)
		e := make([]float64, n)
		col := make([]float64, n)
		for j := 0; j < n; j++ {
			e[j] = 1
			lu.Solve(col, e)
			e[j] = 0
			for i := 0; i < n; i++ {
				inv.Set(i, j, col[i])
			}
		}
		return inv, nil
	}

	d := mat.DenseCopyOf(src)
	if matHasNaN(d) {
		return nil, diagnoseNaN(s.sys, d)
	}
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		if _, ok := err.(mat.Condition); !ok {
			return nil, diagnoseSingular(s.sys, d)
		}
	}
	return &inv, nil
}
