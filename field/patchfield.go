package field

import (
	"context"
	"log/slog"

	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
)

// EvalContext carries what boundary evaluation may depend on. It replaces
// any process-wide state: every evaluation is handed its time, communicator
// and logger explicitly.
type EvalContext struct {
	Time, DeltaT float64
	Comm         parallel.Communicator
	Mode         parallel.Mode
	Log          *slog.Logger
}

// NewEvalContext returns a serial context at time zero
func NewEvalContext() *EvalContext {
	return &EvalContext{
		Comm: parallel.Serial(),
		Mode: parallel.Blocking,
		Log:  slog.Default(),
	}
}

func (ec *EvalContext) Logger() *slog.Logger {
	if ec == nil || ec.Log == nil {
		return slog.Default()
	}
	return ec.Log
}

// Contribution is the linearisation of a patch about its face cells:
//
//	face value          = ValueInternal*psi_P + ValueBoundary
//	face normal gradient = GradInternal*psi_P + GradBoundary
//
// Coupled patches also carry the coefficients of the neighbour-side cell
// value psi_N, which enter the system as interface coefficients.
type Contribution[T any] struct {
	ValueInternal  []float64
	ValueBoundary  []T
	GradInternal   []float64
	GradBoundary   []T
	ValueNeighbour []float64
	GradNeighbour  []float64
}

func (c Contribution[T]) Size() int { return len(c.ValueInternal) }

func newContribution[T any](n int, coupled bool) (c Contribution[T]) {
	c = Contribution[T]{
		ValueInternal: make([]float64, n),
		ValueBoundary: make([]T, n),
		GradInternal:  make([]float64, n),
		GradBoundary:  make([]T, n),
	}
	if coupled {
		c.ValueNeighbour = make([]float64, n)
		c.GradNeighbour = make([]float64, n)
	}
	return
}

// PatchField is the boundary condition on one patch. Values are in patch
// face order.
type PatchField[T any] interface {
	Type() string
	Patch() *mesh.Patch
	Value() []T
	// Evaluate updates the face values from the internal field. Coupled
	// patches must have their neighbour values in place first.
	Evaluate(ec *EvalContext) error
	SnGrad() []T
	// MatrixContribution linearises the patch given its face weights and
	// delta coefficients, both in patch face order
	MatrixContribution(weights, deltas []float64) Contribution[T]
	Coupled() bool
	// Clone rebinds the condition to another field on the same mesh
	Clone(f *Field[T]) PatchField[T]
}

// CoupledPatchField sees cell values on the other side of its faces
type CoupledPatchField[T any] interface {
	PatchField[T]
	NeighbourInternal() []T
	SetNeighbourInternal(values []T)
	// CoupledCoeffs are the coefficients of the neighbour cell value in the
	// face value and face normal gradient
	CoupledCoeffs(weights, deltas []float64) (value, grad []float64)
	// UpdateNeighbour refreshes neighbour values. Cyclic patches gather them
	// locally; processor patches are filled by the field's halo exchange.
	UpdateNeighbour(ctx context.Context, ec *EvalContext) error
}

type patchBase[T any] struct {
	field  *Field[T]
	index  int
	values []T
}

func newPatchBase[T any](f *Field[T], patch int) patchBase[T] {
	return patchBase[T]{field: f, index: patch, values: make([]T, f.Mesh.Patch(patch).Size)}
}

func (b *patchBase[T]) Patch() *mesh.Patch { return b.field.Mesh.Patch(b.index) }
func (b *patchBase[T]) Value() []T         { return b.values }
func (b *patchBase[T]) Coupled() bool      { return false }

func (b *patchBase[T]) rebind(f *Field[T]) patchBase[T] {
	return patchBase[T]{field: f, index: b.index, values: append([]T(nil), b.values...)}
}

// patchInternal returns the internal values of the face cells
func (b *patchBase[T]) patchInternal() []T {
	cells := b.field.Mesh.PatchFaceCells(b.index)
	vals := make([]T, len(cells))
	for i, c := range cells {
		vals[i] = b.field.Internal[c]
	}
	return vals
}

func (b *patchBase[T]) deltas() []float64 {
	p := b.Patch()
	return b.field.Geo.DeltaCoeffs()[p.Start:p.End()]
}

func (b *patchBase[T]) weights() []float64 {
	p := b.Patch()
	return b.field.Geo.Weights()[p.Start:p.End()]
}

// fixedValueContribution is shared by every condition that pins the face value
func (b *patchBase[T]) fixedValueContribution(delta []float64) Contribution[T] {
	var (
		tr = b.field.Traits
		c  = newContribution[T](len(b.values), false)
	)
	for i, v := range b.values {
		c.ValueBoundary[i] = v
		c.GradInternal[i] = -delta[i]
		c.GradBoundary[i] = tr.Scale(delta[i], v)
	}
	return c
}

func (b *patchBase[T]) fixedValueSnGrad() []T {
	var (
		tr    = b.field.Traits
		delta = b.deltas()
		pi    = b.patchInternal()
		sn    = make([]T, len(b.values))
	)
	for i, v := range b.values {
		sn[i] = tr.Scale(delta[i], tr.Sub(v, pi[i]))
	}
	return sn
}
