package field

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
)

// Message tags of the halo exchanges issued by this package
const (
	TagBoundary = 100
	TagGeometry = 101
)

// coupledBase interpolates between the face cell and the cell on the other
// side of the face with the geometric weight
type coupledBase[T any] struct {
	patchBase[T]
	neighbour []T
}

func newCoupledBase[T any](f *Field[T], patch int) coupledBase[T] {
	b := coupledBase[T]{patchBase: newPatchBase(f, patch)}
	b.neighbour = b.patchInternal()
	return b
}

func (b *coupledBase[T]) Coupled() bool            { return true }
func (b *coupledBase[T]) NeighbourInternal() []T { return b.neighbour }

func (b *coupledBase[T]) SetNeighbourInternal(values []T) {
	if len(values) != len(b.neighbour) {
		panic(fmt.Errorf("%w: %d neighbour values for %d faces", ErrIndexOutOfRange, len(values), len(b.neighbour)))
	}
	copy(b.neighbour, values)
}

func (b *coupledBase[T]) Evaluate(*EvalContext) error {
	var (
		tr = b.field.Traits
		w  = b.weights()
	)
	for i, p := range b.patchInternal() {
		b.values[i] = tr.Add(tr.Scale(w[i], p), tr.Scale(1-w[i], b.neighbour[i]))
	}
	return nil
}

func (b *coupledBase[T]) SnGrad() []T {
	var (
		tr    = b.field.Traits
		delta = b.deltas()
		sn    = make([]T, len(b.values))
	)
	for i, p := range b.patchInternal() {
		sn[i] = tr.Scale(delta[i], tr.Sub(b.neighbour[i], p))
	}
	return sn
}

func (b *coupledBase[T]) MatrixContribution(weights, deltas []float64) Contribution[T] {
	c := newContribution[T](len(b.values), true)
	for i := range b.values {
		c.ValueInternal[i] = weights[i]
		c.ValueBoundary[i] = b.field.Traits.Zero()
		c.GradInternal[i] = -deltas[i]
		c.GradBoundary[i] = b.field.Traits.Zero()
		c.ValueNeighbour[i] = 1 - weights[i]
		c.GradNeighbour[i] = deltas[i]
	}
	return c
}

func (b *coupledBase[T]) CoupledCoeffs(weights, deltas []float64) (value, grad []float64) {
	value = make([]float64, len(weights))
	for i, w := range weights {
		value[i] = 1 - w
	}
	return value, append([]float64(nil), deltas...)
}

func (b *coupledBase[T]) rebindCoupled(f *Field[T]) coupledBase[T] {
	return coupledBase[T]{patchBase: b.rebind(f), neighbour: append([]T(nil), b.neighbour...)}
}

// Cyclic couples a patch to its partner patch on the same mesh. Face i of
// one side matches face i of the other.
type Cyclic[T any] struct {
	coupledBase[T]
	partner int
}

func newCyclic[T any](f *Field[T], patch int, params Params) (PatchField[T], error) {
	p := f.Mesh.Patch(patch)
	if p.Type != mesh.PatchCyclic {
		return nil, fmt.Errorf("%s condition on a %s patch", TypeCyclic, p.Type)
	}
	name := p.NeighbourPatch
	if x, ok := params["neighbourPatch"]; ok {
		s, ok := x.(string)
		if !ok {
			return nil, fmt.Errorf("neighbourPatch must be a patch name")
		}
		if name != "" && s != name {
			return nil, fmt.Errorf("neighbourPatch %q contradicts the mesh partner %q", s, name)
		}
		name = s
	}
	if name == "" {
		return nil, fmt.Errorf("%s requires neighbourPatch", TypeCyclic)
	}
	nbr, ok := f.Mesh.PatchByName(name)
	if !ok {
		return nil, fmt.Errorf("neighbourPatch %q not found", name)
	}
	if nbr.Size != p.Size {
		return nil, fmt.Errorf("neighbourPatch %q has %d faces, %q has %d", name, nbr.Size, p.Name, p.Size)
	}
	pf := &Cyclic[T]{coupledBase: newCoupledBase(f, patch), partner: nbr.Index}
	if err := pf.UpdateNeighbour(context.Background(), nil); err != nil {
		return nil, err
	}
	return pf, pf.Evaluate(nil)
}

func (pf *Cyclic[T]) Type() string { return TypeCyclic }

func (pf *Cyclic[T]) NeighbourPatch() int { return pf.partner }

func (pf *Cyclic[T]) UpdateNeighbour(context.Context, *EvalContext) error {
	for i, c := range pf.field.Mesh.PatchFaceCells(pf.partner) {
		pf.neighbour[i] = pf.field.Internal[c]
	}
	return nil
}

func (pf *Cyclic[T]) Clone(f *Field[T]) PatchField[T] {
	return &Cyclic[T]{coupledBase: pf.rebindCoupled(f), partner: pf.partner}
}

// Processor couples a patch to the matching patch of a neighbouring rank.
// Neighbour values arrive through the field's halo exchange.
type Processor[T any] struct {
	coupledBase[T]
}

func newProcessor[T any](f *Field[T], patch int, params Params) (PatchField[T], error) {
	p := f.Mesh.Patch(patch)
	if p.Type != mesh.PatchProcessor {
		return nil, fmt.Errorf("%s condition on a %s patch", TypeProcessor, p.Type)
	}
	if r, ok, err := paramFloat(params, "neighbourRank"); err != nil {
		return nil, err
	} else if ok && int(r) != p.NeighbourRank {
		return nil, fmt.Errorf("neighbourRank %d contradicts the mesh rank %d", int(r), p.NeighbourRank)
	}
	pf := &Processor[T]{newCoupledBase(f, patch)}
	return pf, pf.Evaluate(nil)
}

func (pf *Processor[T]) Type() string       { return TypeProcessor }
func (pf *Processor[T]) NeighbourRank() int { return pf.Patch().NeighbourRank }

func (pf *Processor[T]) halo() *parallel.Halo {
	p := pf.Patch()
	return &parallel.Halo{
		NeighbourRank:   p.NeighbourRank,
		NComp:           pf.field.Traits.NComponents(),
		Send:            pf.field.Flatten(pf.patchInternal()),
		RemoteFaceOrder: p.RemoteFaceOrder,
	}
}

// UpdateNeighbour exchanges this patch alone. Fields exchange all their
// processor patches in one round instead.
func (pf *Processor[T]) UpdateNeighbour(ctx context.Context, ec *EvalContext) error {
	if ec == nil || ec.Comm == nil {
		return fmt.Errorf("processor patch %q needs a communicator", pf.Patch().Name)
	}
	h := pf.halo()
	if err := parallel.Exchange(ctx, ec.Comm, TagBoundary, []*parallel.Halo{h}, ec.Mode); err != nil {
		return err
	}
	pf.SetNeighbourInternal(pf.field.Unflatten(h.Recv))
	return nil
}

func (pf *Processor[T]) Clone(f *Field[T]) PatchField[T] {
	return &Processor[T]{pf.rebindCoupled(f)}
}

// SyncCoupledGeometry swaps face cell centres across every processor patch
// and installs the received centres into geo, so weights and delta
// coefficients on processor faces match those of the undecomposed mesh. All
// ranks must call it together.
func SyncCoupledGeometry(ctx context.Context, comm parallel.Communicator, m *mesh.Mesh,
	geo *geometry.Cache, mode parallel.Mode) error {
	var (
		halos   []*parallel.Halo
		patches []int
		cc      = geo.CellCentres()
	)
	for i := range m.Patches() {
		p := m.Patch(i)
		if p.Type != mesh.PatchProcessor {
			continue
		}
		cells := m.PatchFaceCells(i)
		send := make([]float64, 0, 3*len(cells))
		for _, c := range cells {
			send = append(send, cc[c].X, cc[c].Y, cc[c].Z)
		}
		halos = append(halos, &parallel.Halo{
			NeighbourRank:   p.NeighbourRank,
			NComp:           3,
			Send:            send,
			RemoteFaceOrder: p.RemoteFaceOrder,
		})
		patches = append(patches, i)
	}
	if len(halos) == 0 {
		return nil
	}
	if err := parallel.Exchange(ctx, comm, TagGeometry, halos, mode); err != nil {
		return err
	}
	for k, h := range halos {
		centres := make([]r3.Vec, len(h.Recv)/3)
		for i := range centres {
			centres[i] = r3.Vec{X: h.Recv[3*i], Y: h.Recv[3*i+1], Z: h.Recv[3*i+2]}
		}
		if err := geo.SetCoupledNeighbourCentres(patches[k], centres); err != nil {
			return err
		}
	}
	return nil
}
