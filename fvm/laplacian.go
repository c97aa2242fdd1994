package fvm

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/fvc"
	"github.com/notargets/gofvm/fvmatrix"
)

// Laplacian is div(gamma grad f). The orthogonal part is implicit and
// symmetric. With corrected set, the non-orthogonal part is added to the
// source from the current cell gradients; it is applied on internal faces
// only, boundary and coupled faces keep the orthogonal form.
func Laplacian[T any](gamma fvc.Gamma, f *field.Field[T], corrected bool) (*fvmatrix.Matrix[T], error) {
	if gamma == nil {
		return nil, fmt.Errorf("laplacian(%s): no diffusivity", f.Name)
	}
	var (
		m     = f.Mesh
		tr    = f.Traits
		geo   = f.Geo
		mx    = fvmatrix.New(f)
		magSf = geo.MagFaceAreas()
		delta = geo.DeltaCoeffs()
		w     = geo.Weights()
		nInt  = m.NInternalFaces()
	)
	for face := 0; face < nInt; face++ {
		a := gamma.Face(face) * magSf[face] * delta[face]
		mx.Upper[face] = a
		mx.Diag[m.Owner(face)] -= a
		mx.Diag[m.Neighbour(face)] -= a
	}
	for p, pf := range f.Boundary {
		var (
			patch = m.Patch(p)
			c     = pf.MatrixContribution(w[patch.Start:patch.End()], delta[patch.Start:patch.End()])
		)
		for i := 0; i < c.Size(); i++ {
			face := patch.Start + i
			gMagSf := gamma.Face(face) * magSf[face]
			mx.InternalCoeffs[p][i] += gMagSf * c.GradInternal[i]
			mx.BoundaryCoeffs[p][i] = tr.Sub(mx.BoundaryCoeffs[p][i], tr.Scale(gMagSf, c.GradBoundary[i]))
			if c.GradNeighbour != nil {
				mx.InterfaceCoeffs[p][i] += gMagSf * c.GradNeighbour[i]
			}
		}
	}
	if corrected && nInt > 0 {
		var (
			k     = geo.NonOrthDeltas()
			nComp = tr.NComponents()
			corr  = make([]T, nInt)
		)
		for i := range corr {
			corr[i] = tr.Zero()
		}
		for cmpt := 0; cmpt < nComp; cmpt++ {
			grad := fvc.ComponentGrad(f, cmpt)
			for face := 0; face < nInt; face++ {
				gf := r3.Add(r3.Scale(w[face], grad[m.Owner(face)]), r3.Scale(1-w[face], grad[m.Neighbour(face)]))
				v := gamma.Face(face) * magSf[face] * r3.Dot(k[face], gf)
				corr[face] = tr.SetComponent(corr[face], cmpt, v)
			}
		}
		for face, v := range corr {
			own, nbr := m.Owner(face), m.Neighbour(face)
			mx.Source[own] = tr.Sub(mx.Source[own], v)
			mx.Source[nbr] = tr.Add(mx.Source[nbr], v)
		}
	}
	return mx, nil
}
