package model

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/coupledsys/mdsolve/internal/comm"
	"github.com/coupledsys/mdsolve/internal/solver"
)

// Partials holds one component's sub-jacobian blocks in physical units:
// residuals with respect to its own outputs and to its inputs. Rebuilt on
// every linearization, stale in between.
type Partials struct {
	DRDO *mat.Dense
	DRDI *mat.Dense
}

// Component is a leaf system producing residuals from its inputs and
// outputs. Implicit components declare residual equations directly;
// explicit components are built by NewExplicit and carry out = f(in) as the
// residual out - f(in).
type Component struct {
	name     string
	pathname string
	comm     *comm.Comm
	explicit bool

	outVars []Variable
	inVars  []Variable
	layout  *Layout
	inLay   *Layout

	outputs    *Vector
	residuals  *Vector
	dOutputs   *Vector
	dResiduals *Vector
	inputs     *Vector
	dInputs    *Vector

	physIn, physOut, physRes *Vector

	outRefs []float64
	inRefs  []float64

	relevance *Relevance
	underCS   bool

	// Apply computes residuals from inputs and outputs, physical units.
	Apply func(in, out, res *Vector) error
	// Jac fills the partial derivative blocks, physical units.
	Jac func(in, out *Vector, p *Partials) error
	// SolveLocal, when set, solves the component's own equations in place.
	// Used by gauss-seidel sweeps.
	SolveLocal func(in, out *Vector) error
	// GuessFn, when set, provides a starting point before the first
	// residual evaluation.
	GuessFn func(in, out *Vector)

	declared []PartialKey
	partials *Partials
}

// NewImplicit creates an implicit component with the given state and input
// variables.
func NewImplicit(name string, outs, ins []Variable) *Component {
	return &Component{
		name:    name,
		outVars: outs,
		inVars:  ins,
	}
}

// NewExplicit creates an explicit component computing out = f(in). The
// residual is out - f(in), so the state block of the jacobian is identity
// and the input block is -df/din.
func NewExplicit(name string, outs, ins []Variable,
	compute func(in, out *Vector) error,
	jac func(in *Vector, dfdin *mat.Dense) error) *Component {

	c := NewImplicit(name, outs, ins)
	c.explicit = true
	c.Apply = func(in, out, res *Vector) error {
		f := NewVector(res.Layout())
		f.SetVec(out)
		if err := compute(in, f); err != nil {
			return err
		}
		for i, o := range out.Data() {
			res.Data()[i] = o - f.Data()[i]
		}
		return nil
	}
	c.SolveLocal = func(in, out *Vector) error {
		return compute(in, out)
	}
	c.Jac = func(in, out *Vector, p *Partials) error {
		n := out.Len()
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				if i == j {
					p.DRDO.Set(i, j, 1)
				} else {
					p.DRDO.Set(i, j, 0)
				}
			}
		}
		if jac != nil && in.Len() > 0 {
			df := mat.NewDense(n, in.Len(), nil)
			if err := jac(in, df); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				for j := 0; j < in.Len(); j++ {
					p.DRDI.Set(i, j, -df.At(i, j))
				}
			}
		}
		return nil
	}
	// The wrapped jacobian always fills every block.
	for _, of := range outs {
		for _, wrt := range outs {
			c.DeclarePartials(of.Name, wrt.Name)
		}
		for _, wrt := range ins {
			c.DeclarePartials(of.Name, wrt.Name)
		}
	}
	return c
}

// DeclarePartials records that the (of, wrt) block is provided.
func (c *Component) DeclarePartials(of, wrt string) {
	c.declared = append(c.declared, PartialKey{Of: of, Wrt: wrt})
}

func (c *Component) Name() string            { return c.name }
func (c *Component) Pathname() string        { return c.pathname }
func (c *Component) setPathname(parent string) {
	c.pathname = joinPath(parent, c.name)
}
func (c *Component) Comm() *comm.Comm      { return c.comm }
func (c *Component) OutputVars() []Variable { return c.outVars }
func (c *Component) Layout() *Layout        { return c.layout }
func (c *Component) Outputs() *Vector       { return c.outputs }
func (c *Component) Residuals() *Vector     { return c.residuals }
func (c *Component) DOutputs() *Vector      { return c.dOutputs }
func (c *Component) DResiduals() *Vector    { return c.dResiduals }

// Inputs returns the component's input vector.
func (c *Component) Inputs() *Vector { return c.inputs }

// DInputs returns the input tangent vector.
func (c *Component) DInputs() *Vector { return c.dInputs }

// InputLayout returns the layout of the input vector.
func (c *Component) InputLayout() *Layout { return c.inLay }

// Setup allocates vectors and binds the communicator.
func (c *Component) Setup(cm *comm.Comm) error {
	if c.pathname == "" {
		c.pathname = c.name
	}
	c.comm = cm
	c.layout = NewLayout(c.outVars)
	c.inLay = NewLayout(c.inVars)

	c.outputs = NewVector(c.layout)
	c.residuals = NewVector(c.layout)
	c.dOutputs = NewVector(c.layout)
	c.dResiduals = NewVector(c.layout)
	c.inputs = NewVector(c.inLay)
	c.dInputs = NewVector(c.inLay)

	c.physIn = NewVector(c.inLay)
	c.physOut = NewVector(c.layout)
	c.physRes = NewVector(c.layout)

	c.outRefs = flatRefs(c.outVars)
	c.inRefs = flatRefs(c.inVars)

	if c.relevance == nil {
		c.relevance = NewRelevance()
	}

	c.partials = &Partials{
		DRDO: mat.NewDense(c.layout.Size(), c.layout.Size(), nil),
	}
	if c.inLay.Size() > 0 {
		c.partials.DRDI = mat.NewDense(c.layout.Size(), c.inLay.Size(), nil)
	}
	return nil
}

func flatRefs(vars []Variable) []float64 {
	var refs []float64
	for _, v := range vars {
		r := v.RefValue()
		for i := 0; i < v.Size; i++ {
			refs = append(refs, r)
		}
	}
	return refs
}

func (c *Component) toPhysical() {
	for i, r := range c.inRefs {
		c.physIn.Data()[i] = c.inputs.Data()[i] * r
	}
	for i, r := range c.outRefs {
		c.physOut.Data()[i] = c.outputs.Data()[i] * r
	}
}

// EvalResidual evaluates the residual callback at the current point.
func (c *Component) EvalResidual() error {
	if c.Apply == nil {
		return fmt.Errorf("model: component '%s' has no residual callback", c.pathname)
	}
	c.toPhysical()
	if err := c.Apply(c.physIn, c.physOut, c.physRes); err != nil {
		return err
	}
	for i, r := range c.outRefs {
		c.residuals.Data()[i] = c.physRes.Data()[i] / r
	}
	return nil
}

// SolveNonlinear runs the local solve callback when one is attached.
func (c *Component) SolveNonlinear() error {
	if c.SolveLocal == nil {
		return nil
	}
	c.toPhysical()
	if err := c.SolveLocal(c.physIn, c.physOut); err != nil {
		return err
	}
	for i, r := range c.outRefs {
		c.outputs.Data()[i] = c.physOut.Data()[i] / r
	}
	return nil
}

// Linearize rebuilds the partial derivative blocks.
func (c *Component) Linearize(subDoLn bool) error {
	if c.Jac == nil {
		return fmt.Errorf("model: component '%s' has no jacobian callback", c.pathname)
	}
	c.toPhysical()
	return c.Jac(c.physIn, c.physOut, c.partials)
}

// PartialsBlocks returns the blocks built by the last Linearize.
func (c *Component) PartialsBlocks() *Partials { return c.partials }

// ApplyLinear runs the component jacobian as an operator on the tangent
// vectors. Inputs' tangents are supplied by the owning group's transfers;
// for a standalone component they are zero.
func (c *Component) ApplyLinear(dir solver.Direction, scopeOut, scopeIn Scope) error {
	nOut := c.layout.Size()
	nIn := c.inLay.Size()
	dro := c.partials.DRDO
	dri := c.partials.DRDI

	switch dir {
	case solver.Forward:
		dres := c.dResiduals.Data()
		dout := c.dOutputs.Data()
		din := c.dInputs.Data()
		for i := 0; i < nOut; i++ {
			iname, _, _ := c.layout.IndexToVar(i)
			if !scopeOut.Contains(joinName(c.name, iname)) {
				continue
			}
			sum := 0.0
			for j := 0; j < nOut; j++ {
				jname, _, _ := c.layout.IndexToVar(j)
				if !scopeOut.Contains(joinName(c.name, jname)) {
					continue
				}
				sum += dro.At(i, j) * c.outRefs[j] * dout[j]
			}
			if dri != nil {
				for j := 0; j < nIn; j++ {
					jname, _, _ := c.inLay.IndexToVar(j)
					if !scopeIn.Contains(joinName(c.name, jname)) {
						continue
					}
					sum += dri.At(i, j) * c.inRefs[j] * din[j]
				}
			}
			dres[i] = sum / c.outRefs[i]
		}
	case solver.Reverse:
		dres := c.dResiduals.Data()
		dout := c.dOutputs.Data()
		din := c.dInputs.Data()
		for j := 0; j < nOut; j++ {
			jname, _, _ := c.layout.IndexToVar(j)
			if !scopeOut.Contains(joinName(c.name, jname)) {
				continue
			}
			sum := 0.0
			for i := 0; i < nOut; i++ {
				iname, _, _ := c.layout.IndexToVar(i)
				if !scopeOut.Contains(joinName(c.name, iname)) {
					continue
				}
				sum += dro.At(i, j) * dres[i] / c.outRefs[i]
			}
			dout[j] = sum * c.outRefs[j]
		}
		if dri != nil {
			for j := 0; j < nIn; j++ {
				jname, _, _ := c.inLay.IndexToVar(j)
				if !scopeIn.Contains(joinName(c.name, jname)) {
					continue
				}
				sum := 0.0
				for i := 0; i < nOut; i++ {
					sum += dri.At(i, j) * dres[i] / c.outRefs[i]
				}
				din[j] = sum * c.inRefs[j]
			}
		}
	}
	return nil
}

// ApplyStep takes a step of length alpha along d_outputs.
func (c *Component) ApplyStep(alpha float64) {
	c.outputs.AddScaled(alpha, c.dOutputs)
}

// AssembledJacobian returns nil: components run matrix-free; assembly
// happens at the group level.
func (c *Component) AssembledJacobian() mat.Matrix { return nil }

// MatVecScope returns unrestricted scopes.
func (c *Component) MatVecScope() (Scope, Scope) { return nil, nil }

// UnscaledScope runs fn with the tangent vectors in physical units.
func (c *Component) UnscaledScope(fn func()) {
	for i, r := range c.outRefs {
		c.dOutputs.Data()[i] *= r
		c.dResiduals.Data()[i] *= r
	}
	defer func() {
		for i, r := range c.outRefs {
			c.dOutputs.Data()[i] /= r
			c.dResiduals.Data()[i] /= r
		}
	}()
	fn()
}

func (c *Component) Relevance() *Relevance       { return c.relevance }
func (c *Component) setRelevance(r *Relevance)   { c.relevance = r }
func (c *Component) Subsystems() []System        { return nil }
func (c *Component) LocalSubsystems() []System   { return nil }

// HasGuess reports whether the component provides an initial-guess
// procedure.
func (c *Component) HasGuess() bool { return c.GuessFn != nil }

// Guess runs the initial-guess procedure when one is attached.
func (c *Component) Guess() error {
	if c.GuessFn == nil {
		return nil
	}
	c.toPhysical()
	c.GuessFn(c.physIn, c.physOut)
	for i, r := range c.outRefs {
		c.outputs.Data()[i] = c.physOut.Data()[i] / r
	}
	return nil
}

// IsExplicit reports whether the component is explicit.
func (c *Component) IsExplicit(isComp bool) bool { return c.explicit }

func (c *Component) UnderComplexStep() bool      { return c.underCS }
func (c *Component) SetComplexStep(active bool)  { c.underCS = active }

// DeclaredPartials returns the declared sub-jacobian keys.
func (c *Component) DeclaredPartials() []PartialKey { return c.declared }

// MissingPartials returns the (of, wrt) pairs the component could depend on
// but did not declare.
func (c *Component) MissingPartials() []PartialKey {
	have := make(map[PartialKey]struct{}, len(c.declared))
	for _, k := range c.declared {
		have[k] = struct{}{}
	}
	var missing []PartialKey
	for _, of := range c.outVars {
		for _, wrt := range c.outVars {
			k := PartialKey{Of: of.Name, Wrt: wrt.Name}
			if _, ok := have[k]; !ok {
				missing = append(missing, k)
			}
		}
		for _, wrt := range c.inVars {
			k := PartialKey{Of: of.Name, Wrt: wrt.Name}
			if _, ok := have[k]; !ok {
				missing = append(missing, k)
			}
		}
	}
	return missing
}

func joinName(comp, v string) string {
	return comp + "." + v
}
