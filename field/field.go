// Package field holds cell-centred fields and their boundary conditions
package field

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
	"github.com/notargets/gofvm/types"
)

// ErrIndexOutOfRange is the panic value, wrapped in *IndexError, of any
// access outside a field. It is a programming error.
var ErrIndexOutOfRange = errors.New("index out of range")

type IndexError struct {
	Field      string
	Index, Len int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("field %s: %v: index %d, length %d", e.Field, ErrIndexOutOfRange, e.Index, e.Len)
}

func (e *IndexError) Unwrap() error { return ErrIndexOutOfRange }

// MaxOldTimes is the number of previous time levels a field keeps
const MaxOldTimes = 2

// Spec is the initial condition of a field. An empty Internal starts from
// zero and a single entry is applied to every cell.
type Spec[T any] struct {
	Internal []T
	Boundary map[string]PatchSpec
}

type Field[T any] struct {
	Name     string
	Mesh     *mesh.Mesh
	Geo      *geometry.Cache
	Traits   types.Traits[T]
	Internal []T
	Boundary []PatchField[T]
	// PrevIter is the previous iterate kept for under-relaxation
	PrevIter []T
	Log      *slog.Logger

	old        [][]T
	spec       map[string]PatchSpec
	registry   *Registry[T]
	generation uint64
}

// New builds a field from its initial condition. Every patch must have a
// condition in spec.Boundary except the constrained ones, which default to
// their own type.
func New[T any](name string, geo *geometry.Cache, tr types.Traits[T], spec Spec[T], reg *Registry[T]) (f *Field[T], err error) {
	m := geo.Mesh()
	f = &Field[T]{
		Name:       name,
		Mesh:       m,
		Geo:        geo,
		Traits:     tr,
		Log:        slog.Default().With("component", "field", "field", name),
		spec:       spec.Boundary,
		registry:   reg,
		generation: m.Generation(),
	}
	if f.registry == nil {
		f.registry = NewRegistry[T]()
	}
	if f.Internal, err = initialValues(tr, m.NCells(), spec.Internal); err != nil {
		return nil, fmt.Errorf("field %s: %w", name, err)
	}
	if err = f.buildBoundary(); err != nil {
		return nil, err
	}
	return
}

func initialValues[T any](tr types.Traits[T], n int, init []T) ([]T, error) {
	vals := make([]T, n)
	switch len(init) {
	case 0:
		for i := range vals {
			vals[i] = tr.Zero()
		}
	case 1:
		for i := range vals {
			vals[i] = init[0]
		}
	case n:
		copy(vals, init)
	default:
		return nil, fmt.Errorf("%d initial values for %d cells", len(init), n)
	}
	return vals, nil
}

func (f *Field[T]) buildBoundary() (err error) {
	var (
		patches = f.Mesh.Patches()
		used    = make(map[string]bool)
	)
	f.Boundary = make([]PatchField[T], len(patches))
	for i := range patches {
		name := patches[i].Name
		ps := f.spec[name]
		used[name] = true
		if f.Boundary[i], err = f.registry.New(f, i, ps); err != nil {
			return
		}
	}
	for name := range f.spec {
		if !used[name] {
			f.Logger().Warn("boundary condition for unknown patch ignored", "patch", name)
		}
	}
	return
}

// NewCalculated returns a zero field whose ordinary patches are calculated,
// the usual home of operator results
func NewCalculated[T any](name string, geo *geometry.Cache, tr types.Traits[T]) *Field[T] {
	spec := make(map[string]PatchSpec)
	for _, p := range geo.Mesh().Patches() {
		if constraintType(p.Type) == "" {
			spec[p.Name] = PatchSpec{Type: TypeCalculated}
		}
	}
	f, err := New(name, geo, tr, Spec[T]{Boundary: spec}, nil)
	if err != nil {
		// Only constrained patches can fail, and they never do with defaults
		panic(err)
	}
	return f
}

func (f *Field[T]) Logger() *slog.Logger {
	if f.Log == nil {
		return slog.Default()
	}
	return f.Log
}

// Copy returns an independent field with the same values and conditions
func (f *Field[T]) Copy(name string) *Field[T] {
	c := &Field[T]{
		Name:       name,
		Mesh:       f.Mesh,
		Geo:        f.Geo,
		Traits:     f.Traits,
		Internal:   append([]T(nil), f.Internal...),
		Log:        f.Logger().With("field", name),
		spec:       f.spec,
		registry:   f.registry,
		generation: f.generation,
	}
	if f.PrevIter != nil {
		c.PrevIter = append([]T(nil), f.PrevIter...)
	}
	for _, o := range f.old {
		c.old = append(c.old, append([]T(nil), o...))
	}
	c.Boundary = make([]PatchField[T], len(f.Boundary))
	for i, pf := range f.Boundary {
		c.Boundary[i] = pf.Clone(c)
	}
	return c
}

func (f *Field[T]) NCells() int { return len(f.Internal) }

func (f *Field[T]) checkIndex(c int) {
	if c < 0 || c >= len(f.Internal) {
		panic(&IndexError{Field: f.Name, Index: c, Len: len(f.Internal)})
	}
}

func (f *Field[T]) At(c int) T {
	f.checkIndex(c)
	return f.Internal[c]
}

func (f *Field[T]) Set(c int, v T) {
	f.checkIndex(c)
	f.Internal[c] = v
}

// SetUniform assigns v to every cell
func (f *Field[T]) SetUniform(v T) {
	for i := range f.Internal {
		f.Internal[i] = v
	}
}

// Check reports whether the field still matches the topology of its mesh
func (f *Field[T]) Check() error {
	if len(f.Internal) != f.Mesh.NCells() || len(f.Boundary) != len(f.Mesh.Patches()) {
		return fmt.Errorf("%w: field %s has %d cells and %d patches, mesh has %d and %d",
			mesh.ErrMalformedTopology, f.Name, len(f.Internal), len(f.Boundary),
			f.Mesh.NCells(), len(f.Mesh.Patches()))
	}
	return nil
}

// Patch returns the condition on patch index i
func (f *Field[T]) Patch(i int) PatchField[T] { return f.Boundary[i] }

// PatchByName returns the condition on the named patch
func (f *Field[T]) PatchByName(name string) (PatchField[T], bool) {
	p, ok := f.Mesh.PatchByName(name)
	if !ok {
		return nil, false
	}
	return f.Boundary[p.Index], true
}

// FaceValue returns the boundary value of face i of patch
func (f *Field[T]) FaceValue(patch, i int) T {
	vals := f.Boundary[patch].Value()
	if i < 0 || i >= len(vals) {
		panic(&IndexError{Field: f.Name + "." + f.Mesh.Patch(patch).Name, Index: i, Len: len(vals)})
	}
	return vals[i]
}

// BoundaryFaceValue returns the value on boundary face face, in mesh face
// numbering. Empty patches report the face cell value.
func (f *Field[T]) BoundaryFaceValue(face int) T {
	patch := f.Mesh.WhichPatch(face)
	if patch < 0 {
		panic(&IndexError{Field: f.Name, Index: face, Len: f.Mesh.NFaces()})
	}
	p := f.Mesh.Patch(patch)
	if vals := f.Boundary[patch].Value(); len(vals) == p.Size {
		return vals[face-p.Start]
	}
	return f.Internal[f.Mesh.Owner(face)]
}

// BoundaryFaceValues returns the boundary values of every boundary face,
// indexed from the first boundary face
func (f *Field[T]) BoundaryFaceValues() []T {
	var (
		nInt = f.Mesh.NInternalFaces()
		vals = make([]T, f.Mesh.NBoundaryFaces())
	)
	for i := range vals {
		vals[i] = f.BoundaryFaceValue(nInt + i)
	}
	return vals
}

// StoreOldTime pushes the current internal values as the newest old time
// level, dropping the oldest beyond MaxOldTimes
func (f *Field[T]) StoreOldTime() {
	f.old = append([][]T{append([]T(nil), f.Internal...)}, f.old...)
	if len(f.old) > MaxOldTimes {
		f.old = f.old[:MaxOldTimes]
	}
}

func (f *Field[T]) NOldTimes() int { return len(f.old) }

// OldTime returns time level n back, n >= 1
func (f *Field[T]) OldTime(n int) ([]T, error) {
	if n < 1 || n > len(f.old) {
		return nil, fmt.Errorf("field %s: old time level %d requested, %d stored", f.Name, n, len(f.old))
	}
	return f.old[n-1], nil
}

// StorePrevIter keeps the current internal values for relaxation
func (f *Field[T]) StorePrevIter() {
	f.PrevIter = append(f.PrevIter[:0], f.Internal...)
}

// Flatten lays values out component by component per entry
func (f *Field[T]) Flatten(values []T) []float64 {
	nc := f.Traits.NComponents()
	out := make([]float64, len(values)*nc)
	for i, v := range values {
		for k := 0; k < nc; k++ {
			out[i*nc+k] = f.Traits.Component(v, k)
		}
	}
	return out
}

func (f *Field[T]) Unflatten(data []float64) []T {
	nc := f.Traits.NComponents()
	out := make([]T, len(data)/nc)
	for i := range out {
		v := f.Traits.Zero()
		for k := 0; k < nc; k++ {
			v = f.Traits.SetComponent(v, k, data[i*nc+k])
		}
		out[i] = v
	}
	return out
}

// Component extracts component k of every cell value
func (f *Field[T]) Component(k int) []float64 {
	out := make([]float64, len(f.Internal))
	for i, v := range f.Internal {
		out[i] = f.Traits.Component(v, k)
	}
	return out
}

// SetComponentValues replaces component k of every cell value
func (f *Field[T]) SetComponentValues(k int, values []float64) {
	if len(values) != len(f.Internal) {
		panic(&IndexError{Field: f.Name, Index: len(values), Len: len(f.Internal)})
	}
	for i, v := range values {
		f.Internal[i] = f.Traits.SetComponent(f.Internal[i], k, v)
	}
}

// EvaluateBoundaries brings every patch up to date with the internal
// values. Processor patches first exchange face cell values with their
// neighbours in one round; all ranks must call it together.
func (f *Field[T]) EvaluateBoundaries(ctx context.Context, ec *EvalContext) error {
	if err := f.Check(); err != nil {
		return err
	}
	if ec == nil {
		ec = NewEvalContext()
	}
	var (
		halos []*parallel.Halo
		procs []*Processor[T]
	)
	for _, pf := range f.Boundary {
		switch c := pf.(type) {
		case *Processor[T]:
			halos = append(halos, c.halo())
			procs = append(procs, c)
		case CoupledPatchField[T]:
			if err := c.UpdateNeighbour(ctx, ec); err != nil {
				return err
			}
		}
	}
	if len(halos) > 0 {
		if ec.Comm == nil {
			return fmt.Errorf("field %s has processor patches but no communicator", f.Name)
		}
		if err := parallel.Exchange(ctx, ec.Comm, TagBoundary, halos, ec.Mode); err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		for i, h := range halos {
			procs[i].SetNeighbourInternal(f.Unflatten(h.Recv))
		}
	}
	for _, pf := range f.Boundary {
		if err := pf.Evaluate(ec); err != nil {
			return fmt.Errorf("field %s patch %q: %w", f.Name, pf.Patch().Name, err)
		}
	}
	return nil
}

// Remap carries the field across a topology change of its mesh. Cell values
// follow rm.CellMap, inserted cells take the mean of the old field and the
// boundary conditions are rebuilt from the original specification. The
// boundaries must be evaluated before the field is used again.
func (f *Field[T]) Remap(rm *mesh.RemapMap) error {
	if f.Mesh.Generation() == f.generation {
		return nil
	}
	n := f.Mesh.NCells()
	mean := f.Traits.Zero()
	if len(f.Internal) > 0 {
		for _, v := range f.Internal {
			mean = f.Traits.Add(mean, v)
		}
		mean = f.Traits.Scale(1/float64(len(f.Internal)), mean)
	}
	remapCells := func(old []T) []T {
		vals := make([]T, n)
		for c := range vals {
			src := -1
			if rm != nil && c < len(rm.CellMap) {
				src = rm.CellMap[c]
			} else if rm == nil && c < len(old) {
				src = c
			}
			if src >= 0 && src < len(old) {
				vals[c] = old[src]
			} else {
				vals[c] = mean
			}
		}
		return vals
	}
	f.Internal = remapCells(f.Internal)
	for i, o := range f.old {
		f.old[i] = remapCells(o)
	}
	if f.PrevIter != nil {
		f.PrevIter = remapCells(f.PrevIter)
	}
	f.generation = f.Mesh.Generation()
	return f.buildBoundary()
}
