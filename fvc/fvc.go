// Package fvc evaluates finite volume operators explicitly, from the current
// values of a field to a new field or to face values
package fvc

import (
	"context"
	"fmt"

	pargo "github.com/exascience/pargo/parallel"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
	"github.com/notargets/gofvm/schemes"
	"github.com/notargets/gofvm/types"
)

// Gamma is a diffusivity given per face
type Gamma interface {
	Face(f int) float64
}

type UniformGamma float64

func (g UniformGamma) Face(int) float64 { return float64(g) }

type FaceGamma []float64

func (g FaceGamma) Face(f int) float64 { return g[f] }

// cellRange runs fn over chunks of the cells in parallel. Cell loops gather
// from faces and write only their own cell.
func cellRange(n int, fn func(low, high int)) {
	if n == 0 {
		return
	}
	pargo.Range(0, n, 0, fn)
}

// active reports whether face f takes part in the discretisation
func active(m *mesh.Mesh, f int) bool {
	if f < m.NInternalFaces() {
		return true
	}
	return m.Patch(m.WhichPatch(f)).Type != mesh.PatchEmpty
}

// Interpolate returns the value on every face. Internal faces blend the
// two cells with owner weights w, boundary faces take the patch values and
// faces of empty patches the owner value.
func Interpolate[T any](f *field.Field[T], w []float64) []T {
	var (
		m    = f.Mesh
		tr   = f.Traits
		nInt = m.NInternalFaces()
		vals = make([]T, m.NFaces())
	)
	for face := 0; face < nInt; face++ {
		own, nbr := m.Owner(face), m.Neighbour(face)
		vals[face] = tr.Add(tr.Scale(w[face], f.Internal[own]), tr.Scale(1-w[face], f.Internal[nbr]))
	}
	for face := nInt; face < m.NFaces(); face++ {
		vals[face] = f.BoundaryFaceValue(face)
	}
	return vals
}

// InterpolateLinear interpolates with the geometric weights
func InterpolateLinear[T any](f *field.Field[T]) []T {
	return Interpolate(f, f.Geo.Weights())
}

// Flux returns U_f . S_f on every face, zero on empty patches
func Flux(U *field.Field[r3.Vec]) []float64 {
	var (
		uf  = InterpolateLinear(U)
		sf  = U.Geo.FaceAreas()
		phi = make([]float64, len(uf))
	)
	for face, u := range uf {
		if active(U.Mesh, face) {
			phi[face] = r3.Dot(u, sf[face])
		}
	}
	return phi
}

// UniformFlux returns the face fluxes of a uniform velocity u
func UniformFlux(geo *geometry.Cache, u r3.Vec) []float64 {
	var (
		m   = geo.Mesh()
		sf  = geo.FaceAreas()
		phi = make([]float64, m.NFaces())
	)
	for face := range phi {
		if active(m, face) {
			phi[face] = r3.Dot(u, sf[face])
		}
	}
	return phi
}

// surfaceSum adds ±faceValue to the owner and neighbour of every active face
// and divides by the cell volume. The sign is + for the owner.
func surfaceSum[T any](tr types.Traits[T], geo *geometry.Cache, faceValue func(face int) T) []T {
	var (
		m   = geo.Mesh()
		vol = geo.CellVolumes()
		out = make([]T, m.NCells())
	)
	cellRange(m.NCells(), func(low, high int) {
		for c := low; c < high; c++ {
			sum := tr.Zero()
			for _, face := range m.CellFaces(c) {
				if !active(m, face) {
					continue
				}
				if m.Owner(face) == c {
					sum = tr.Add(sum, faceValue(face))
				} else {
					sum = tr.Sub(sum, faceValue(face))
				}
			}
			out[c] = tr.Scale(1/vol[c], sum)
		}
	})
	return out
}

// Grad is the Green-Gauss gradient of a scalar field with linear face
// values. Boundary values of the result copy the face cell gradients.
func Grad(f *field.Field[float64]) *field.Field[r3.Vec] {
	var (
		sf = f.Geo.FaceAreas()
		vf = InterpolateLinear(f)
		g  = field.NewCalculated[r3.Vec]("grad("+f.Name+")", f.Geo, types.Vector{})
	)
	g.Internal = surfaceSum[r3.Vec](types.Vector{}, f.Geo, func(face int) r3.Vec {
		return r3.Scale(vf[face], sf[face])
	})
	fillCalculated(g)
	return g
}

// ComponentGrad is the Green-Gauss gradient of component k of any field
func ComponentGrad[T any](f *field.Field[T], k int) []r3.Vec {
	var (
		sf = f.Geo.FaceAreas()
		vf = InterpolateLinear(f)
	)
	return surfaceSum[r3.Vec](types.Vector{}, f.Geo, func(face int) r3.Vec {
		return r3.Scale(f.Traits.Component(vf[face], k), sf[face])
	})
}

// GradVector is the Green-Gauss gradient of a vector field, entry (i,j)
// being d U_j / d x_i
func GradVector(U *field.Field[r3.Vec]) *field.Field[types.Tensor] {
	var (
		sf = U.Geo.FaceAreas()
		uf = InterpolateLinear(U)
		g  = field.NewCalculated[types.Tensor]("grad("+U.Name+")", U.Geo, types.TensorTraits{})
	)
	g.Internal = surfaceSum[types.Tensor](types.TensorTraits{}, U.Geo, func(face int) types.Tensor {
		return types.Outer(sf[face], uf[face])
	})
	fillCalculated(g)
	return g
}

func fillCalculated[T any](g *field.Field[T]) {
	for _, pf := range g.Boundary {
		if c, ok := pf.(*field.Calculated[T]); ok {
			cells := g.Mesh.PatchFaceCells(pf.Patch().Index)
			vals := make([]T, len(cells))
			for i, cell := range cells {
				vals[i] = g.Internal[cell]
			}
			_ = c.SetValues(vals)
		}
	}
}

// Div is the net outflow of the face fluxes phi per unit volume
func Div(geo *geometry.Cache, phi []float64) []float64 {
	return surfaceSum[float64](types.Scalar{}, geo, func(face int) float64 { return phi[face] })
}

// DivFlux is div(phi*psi) with psi interpolated by scheme s
func DivFlux[T any](phi []float64, f *field.Field[T], s schemes.Scheme) []T {
	var (
		tr = f.Traits
		vf = Interpolate(f, s.Weights(f.Geo, phi))
	)
	return surfaceSum(tr, f.Geo, func(face int) T { return tr.Scale(phi[face], vf[face]) })
}

// SnGrad is the face normal gradient on every face. Internal faces use
// delta*(psi_N - psi_P), boundary faces their patch.
func SnGrad[T any](f *field.Field[T]) []T {
	var (
		m     = f.Mesh
		tr    = f.Traits
		delta = f.Geo.DeltaCoeffs()
		sn    = make([]T, m.NFaces())
	)
	for face := 0; face < m.NInternalFaces(); face++ {
		own, nbr := m.Owner(face), m.Neighbour(face)
		sn[face] = tr.Scale(delta[face], tr.Sub(f.Internal[nbr], f.Internal[own]))
	}
	for p, pf := range f.Boundary {
		patch := m.Patch(p)
		g := pf.SnGrad()
		for i := 0; i < patch.Size; i++ {
			if i < len(g) {
				sn[patch.Start+i] = g[i]
			} else {
				sn[patch.Start+i] = tr.Zero()
			}
		}
	}
	return sn
}

// Laplacian is div(gamma grad psi) without non-orthogonal correction
func Laplacian[T any](gamma Gamma, f *field.Field[T]) []T {
	var (
		tr    = f.Traits
		magSf = f.Geo.MagFaceAreas()
		sn    = SnGrad(f)
	)
	return surfaceSum(tr, f.Geo, func(face int) T {
		return tr.Scale(gamma.Face(face)*magSf[face], sn[face])
	})
}

// Ddt is the Euler time derivative against the newest old time level
func Ddt[T any](f *field.Field[T], deltaT float64) ([]T, error) {
	if deltaT <= 0 {
		return nil, fmt.Errorf("time step %g must be positive", deltaT)
	}
	old, err := f.OldTime(1)
	if err != nil {
		return nil, err
	}
	tr := f.Traits
	out := make([]T, len(f.Internal))
	cellRange(len(out), func(low, high int) {
		for c := low; c < high; c++ {
			out[c] = tr.Scale(1/deltaT, tr.Sub(f.Internal[c], old[c]))
		}
	})
	return out, nil
}

// DomainIntegrate sums V*psi over every rank
func DomainIntegrate[T any](ctx context.Context, comm parallel.Communicator, f *field.Field[T]) (T, error) {
	var (
		tr   = f.Traits
		nc   = tr.NComponents()
		vol  = f.Geo.CellVolumes()
		sums = make([]float64, nc)
	)
	for c, v := range f.Internal {
		for k := 0; k < nc; k++ {
			sums[k] += vol[c] * tr.Component(v, k)
		}
	}
	if comm == nil {
		comm = parallel.Serial()
	}
	out := tr.Zero()
	if err := parallel.GlobalReduceSlice(ctx, comm, sums, parallel.Sum); err != nil {
		return out, err
	}
	for k, s := range sums {
		out = tr.SetComponent(out, k, s)
	}
	return out, nil
}

// Volume is the total volume over every rank
func Volume(ctx context.Context, comm parallel.Communicator, geo *geometry.Cache) (float64, error) {
	var v float64
	for _, cv := range geo.CellVolumes() {
		v += cv
	}
	if comm == nil {
		comm = parallel.Serial()
	}
	return parallel.GlobalReduce(ctx, comm, v, parallel.Sum)
}

// MagSqr is |psi|^2 per cell
func MagSqr[T any](f *field.Field[T]) []float64 {
	out := make([]float64, len(f.Internal))
	for c, v := range f.Internal {
		m := f.Traits.Mag(v)
		out[c] = m * m
	}
	return out
}

// GlobalMax is the largest |psi| over every rank
func GlobalMax[T any](ctx context.Context, comm parallel.Communicator, f *field.Field[T]) (float64, error) {
	var mx float64
	if n := len(f.Internal); n > 0 {
		mx = pargo.RangeReduceFloat64(0, n, 0, func(low, high int) (r float64) {
			for c := low; c < high; c++ {
				if m := f.Traits.Mag(f.Internal[c]); m > r {
					r = m
				}
			}
			return
		}, func(a, b float64) float64 {
			if a > b {
				return a
			}
			return b
		})
	}
	if comm == nil {
		comm = parallel.Serial()
	}
	return parallel.GlobalReduce(ctx, comm, mx, parallel.Max)
}
