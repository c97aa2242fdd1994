// Package fvmatrix holds the LDU systems assembled by the implicit
// operators. Rows and columns are cells of the field the system was built
// for; off-diagonal coefficients live on internal faces.
package fvmatrix

import (
	"errors"
	"fmt"
	"math"

	"github.com/notargets/gofvm/field"
)

// ErrIncompatibleSystem is returned when two systems over different fields
// or mesh states are combined. It is fatal.
var ErrIncompatibleSystem = errors.New("incompatible system")

// Matrix represents the operator A.psi - Source for the field psi.
// Boundary contributions are kept per patch until the system is solved:
// InternalCoeffs add to the diagonal of the face cells, BoundaryCoeffs add to
// the source and, on coupled patches, InterfaceCoeffs multiply the value
// across the face.
type Matrix[T any] struct {
	Field  *field.Field[T]
	Diag   []float64
	Upper  []float64
	Lower  []float64 // nil while the system is symmetric
	Source []T

	InternalCoeffs  [][]float64
	BoundaryCoeffs  [][]T
	InterfaceCoeffs [][]float64

	generation uint64
}

// New returns an empty system for f
func New[T any](f *field.Field[T]) *Matrix[T] {
	var (
		m       = f.Mesh
		tr      = f.Traits
		patches = m.Patches()
	)
	mx := &Matrix[T]{
		Field:           f,
		Diag:            make([]float64, m.NCells()),
		Upper:           make([]float64, m.NInternalFaces()),
		Source:          make([]T, m.NCells()),
		InternalCoeffs:  make([][]float64, len(patches)),
		BoundaryCoeffs:  make([][]T, len(patches)),
		InterfaceCoeffs: make([][]float64, len(patches)),
		generation:      m.Generation(),
	}
	for i := range mx.Source {
		mx.Source[i] = tr.Zero()
	}
	for i, p := range patches {
		mx.InternalCoeffs[i] = make([]float64, p.Size)
		mx.BoundaryCoeffs[i] = make([]T, p.Size)
		for k := range mx.BoundaryCoeffs[i] {
			mx.BoundaryCoeffs[i][k] = tr.Zero()
		}
		if p.Coupled() {
			mx.InterfaceCoeffs[i] = make([]float64, p.Size)
		}
	}
	return mx
}

func (mx *Matrix[T]) Generation() uint64 { return mx.generation }

func (mx *Matrix[T]) Symmetric() bool { return mx.Lower == nil }

// LowerCoeffs returns the lower coefficients, shared with Upper when the
// system is symmetric
func (mx *Matrix[T]) LowerCoeffs() []float64 {
	if mx.Lower == nil {
		return mx.Upper
	}
	return mx.Lower
}

// Asymmetrise gives the system its own lower coefficients
func (mx *Matrix[T]) Asymmetrise() {
	if mx.Lower == nil {
		mx.Lower = append([]float64(nil), mx.Upper...)
	}
}

func (mx *Matrix[T]) compatible(b *Matrix[T]) error {
	switch {
	case mx.Field != b.Field:
		return fmt.Errorf("%w: systems for %s and %s", ErrIncompatibleSystem, mx.Field.Name, b.Field.Name)
	case mx.generation != b.generation:
		return fmt.Errorf("%w: systems for %s built on mesh generations %d and %d",
			ErrIncompatibleSystem, mx.Field.Name, mx.generation, b.generation)
	case mx.generation != mx.Field.Mesh.Generation():
		return fmt.Errorf("%w: system for %s predates the current mesh", ErrIncompatibleSystem, mx.Field.Name)
	}
	return nil
}

// Add accumulates b into the system element by element
func (mx *Matrix[T]) Add(b *Matrix[T]) error { return mx.axpy(1, b) }

// Sub subtracts b from the system element by element
func (mx *Matrix[T]) Sub(b *Matrix[T]) error { return mx.axpy(-1, b) }

func (mx *Matrix[T]) axpy(s float64, b *Matrix[T]) error {
	if err := mx.compatible(b); err != nil {
		return err
	}
	tr := mx.Field.Traits
	axpy := func(dst, src []float64) {
		for i, v := range src {
			dst[i] += s * v
		}
	}
	axpy(mx.Diag, b.Diag)
	if b.Lower != nil || mx.Lower != nil {
		mx.Asymmetrise()
		axpy(mx.Lower, b.LowerCoeffs())
	}
	axpy(mx.Upper, b.Upper)
	for i, v := range b.Source {
		mx.Source[i] = tr.Add(mx.Source[i], tr.Scale(s, v))
	}
	for p := range mx.InternalCoeffs {
		axpy(mx.InternalCoeffs[p], b.InternalCoeffs[p])
		for i, v := range b.BoundaryCoeffs[p] {
			mx.BoundaryCoeffs[p][i] = tr.Add(mx.BoundaryCoeffs[p][i], tr.Scale(s, v))
		}
		if mx.InterfaceCoeffs[p] != nil {
			axpy(mx.InterfaceCoeffs[p], b.InterfaceCoeffs[p])
		}
	}
	return nil
}

// Scale multiplies every coefficient and the source by s
func (mx *Matrix[T]) Scale(s float64) {
	tr := mx.Field.Traits
	scale := func(a []float64) {
		for i := range a {
			a[i] *= s
		}
	}
	scale(mx.Diag)
	scale(mx.Upper)
	scale(mx.Lower)
	for i, v := range mx.Source {
		mx.Source[i] = tr.Scale(s, v)
	}
	for p := range mx.InternalCoeffs {
		scale(mx.InternalCoeffs[p])
		scale(mx.InterfaceCoeffs[p])
		for i, v := range mx.BoundaryCoeffs[p] {
			mx.BoundaryCoeffs[p][i] = tr.Scale(s, v)
		}
	}
}

func (mx *Matrix[T]) Negate() { mx.Scale(-1) }

// AddExplicit sets the system equal to the explicit field rhs:
// A.psi - Source = rhs becomes A.psi - (Source + V*rhs) = 0
func (mx *Matrix[T]) AddExplicit(rhs []T) error {
	if len(rhs) != len(mx.Source) {
		return fmt.Errorf("%w: %d right hand side values for %d cells", ErrIncompatibleSystem, len(rhs), len(mx.Source))
	}
	var (
		tr  = mx.Field.Traits
		vol = mx.Field.Geo.CellVolumes()
	)
	for c, v := range rhs {
		mx.Source[c] = tr.Add(mx.Source[c], tr.Scale(vol[c], v))
	}
	return nil
}

// AddSource adds already volume integrated values to the source
func (mx *Matrix[T]) AddSource(values []T) error {
	if len(values) != len(mx.Source) {
		return fmt.Errorf("%w: %d source values for %d cells", ErrIncompatibleSystem, len(values), len(mx.Source))
	}
	tr := mx.Field.Traits
	for c, v := range values {
		mx.Source[c] = tr.Add(mx.Source[c], v)
	}
	return nil
}

// totalDiag adds the boundary internal coefficients to the diagonal
func (mx *Matrix[T]) totalDiag() []float64 {
	d := append([]float64(nil), mx.Diag...)
	for p, coeffs := range mx.InternalCoeffs {
		for i, c := range mx.Field.Mesh.PatchFaceCells(p) {
			d[c] += coeffs[i]
		}
	}
	return d
}

// Relax under-relaxes the system toward the previous iterate with factor
// alpha in (0,1). The diagonal is first raised to the sum of the off
// diagonal magnitudes where it falls short, then divided by alpha; the
// source takes up the difference times the previous iterate.
func (mx *Matrix[T]) Relax(alpha float64) error {
	if alpha <= 0 {
		return fmt.Errorf("relaxation factor %g must be positive", alpha)
	}
	if alpha >= 1 {
		return nil
	}
	var (
		f     = mx.Field
		tr    = f.Traits
		m     = f.Mesh
		prev  = f.PrevIter
		d0    = mx.totalDiag()
		sumOf = make([]float64, len(d0))
		lower = mx.LowerCoeffs()
	)
	if len(prev) != len(f.Internal) {
		prev = f.Internal
	}
	for face, own := range m.OwnerAddr()[:m.NInternalFaces()] {
		nbr := m.Neighbour(face)
		sumOf[own] += math.Abs(mx.Upper[face])
		sumOf[nbr] += math.Abs(lower[face])
	}
	for p, coeffs := range mx.InterfaceCoeffs {
		for i, c := range m.PatchFaceCells(p) {
			if coeffs != nil {
				sumOf[c] += math.Abs(coeffs[i])
			}
		}
	}
	for c, d := range d0 {
		dRelaxed := math.Max(math.Abs(d), sumOf[c])
		if d < 0 {
			dRelaxed = -dRelaxed
		}
		dRelaxed /= alpha
		mx.Diag[c] += dRelaxed - d
		mx.Source[c] = tr.Add(mx.Source[c], tr.Scale(dRelaxed-d, prev[c]))
	}
	return nil
}

// neighbourValues are the values across every coupled patch as last
// evaluated on the field
func (mx *Matrix[T]) neighbourValues(p int) []T {
	if c, ok := mx.Field.Boundary[p].(field.CoupledPatchField[T]); ok {
		return c.NeighbourInternal()
	}
	return nil
}

// Amul returns A.psi for the current field, coupled patches taking the
// neighbour values of the last boundary evaluation
func (mx *Matrix[T]) Amul(psi []T) []T {
	var (
		f     = mx.Field
		tr    = f.Traits
		m     = f.Mesh
		lower = mx.LowerCoeffs()
		y     = make([]T, len(psi))
		diag  = mx.totalDiag()
	)
	for c, v := range psi {
		y[c] = tr.Scale(diag[c], v)
	}
	for face := 0; face < m.NInternalFaces(); face++ {
		own, nbr := m.Owner(face), m.Neighbour(face)
		y[own] = tr.Add(y[own], tr.Scale(mx.Upper[face], psi[nbr]))
		y[nbr] = tr.Add(y[nbr], tr.Scale(lower[face], psi[own]))
	}
	for p, coeffs := range mx.InterfaceCoeffs {
		if coeffs == nil {
			continue
		}
		nbrVals := mx.neighbourValues(p)
		for i, c := range m.PatchFaceCells(p) {
			y[c] = tr.Add(y[c], tr.Scale(coeffs[i], nbrVals[i]))
		}
	}
	return y
}

// Residual returns Source - A.psi per cell with the boundary sources
// included, for the field's current values
func (mx *Matrix[T]) Residual() []T {
	var (
		f  = mx.Field
		tr = f.Traits
		r  = mx.Amul(f.Internal)
		b  = mx.totalSource()
	)
	for c := range r {
		r[c] = tr.Sub(b[c], r[c])
	}
	return r
}

// totalSource adds the boundary coefficients of uncoupled patches to the source
func (mx *Matrix[T]) totalSource() []T {
	var (
		tr = mx.Field.Traits
		s  = append([]T(nil), mx.Source...)
	)
	for p, coeffs := range mx.BoundaryCoeffs {
		for i, c := range mx.Field.Mesh.PatchFaceCells(p) {
			s[c] = tr.Add(s[c], coeffs[i])
		}
	}
	return s
}

// H is the off-diagonal part applied to psi moved to the right hand side:
// Source - (A - D).psi. Pressure-velocity coupling divides it by the diagonal.
func (mx *Matrix[T]) H() []T {
	var (
		tr   = mx.Field.Traits
		psi  = mx.Field.Internal
		h    = mx.Residual()
		diag = mx.totalDiag()
	)
	for c := range h {
		h[c] = tr.Add(h[c], tr.Scale(diag[c], psi[c]))
	}
	return h
}
