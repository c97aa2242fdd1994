// Package fvm assembles implicit finite volume operators into LDU systems.
// Every operator returns a new fvmatrix.Matrix for the field it was given;
// equations are built by combining them with Add, Sub and AddExplicit.
package fvm

import (
	"fmt"
	"math"
	"strings"

	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/fvmatrix"
	"github.com/notargets/gofvm/schemes"
)

// Time derivative schemes
const (
	Euler       = "Euler"
	Backward    = "backward"
	SteadyState = "steadyState"
)

// DdtSchemes lists the accepted time schemes
var DdtSchemes = []string{Euler, Backward, SteadyState}

// ParseDdtScheme is case insensitive
func ParseDdtScheme(name string) (string, error) {
	for _, s := range DdtSchemes {
		if strings.EqualFold(strings.TrimSpace(name), s) {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown time scheme %q, have %v", name, DdtSchemes)
}

// Ddt is the implicit time derivative of f. Euler uses the newest old time
// level, backward the two newest and falls back to Euler while only one is
// stored. SteadyState returns an empty system.
func Ddt[T any](f *field.Field[T], deltaT float64, scheme string) (*fvmatrix.Matrix[T], error) {
	mx := fvmatrix.New(f)
	if scheme == SteadyState {
		return mx, nil
	}
	if deltaT <= 0 {
		return nil, fmt.Errorf("time step %g must be positive", deltaT)
	}
	var (
		tr  = f.Traits
		vol = f.Geo.CellVolumes()
	)
	old, err := f.OldTime(1)
	if err != nil {
		return nil, fmt.Errorf("ddt(%s): %w", f.Name, err)
	}
	switch scheme {
	case Euler, "":
		for c, v := range vol {
			rDeltaT := v / deltaT
			mx.Diag[c] = rDeltaT
			mx.Source[c] = tr.Scale(rDeltaT, old[c])
		}
	case Backward:
		if f.NOldTimes() < 2 {
			f.Logger().Debug("backward ddt starting with Euler", "field", f.Name)
			return Ddt(f, deltaT, Euler)
		}
		oldOld, _ := f.OldTime(2)
		for c, v := range vol {
			rDeltaT := v / deltaT
			mx.Diag[c] = 1.5 * rDeltaT
			mx.Source[c] = tr.Scale(rDeltaT, tr.Sub(tr.Scale(2, old[c]), tr.Scale(0.5, oldOld[c])))
		}
	default:
		return nil, fmt.Errorf("unknown time scheme %q", scheme)
	}
	return mx, nil
}

// Div is the convection of f by the face fluxes phi, div(phi*f), with face
// values interpolated by s. The coefficients of every row and column of
// internal faces sum to the net face flux, so the operator is conservative.
func Div[T any](phi []float64, f *field.Field[T], s schemes.Scheme) (*fvmatrix.Matrix[T], error) {
	var (
		m  = f.Mesh
		tr = f.Traits
	)
	if len(phi) != m.NFaces() {
		return nil, fmt.Errorf("div(%s): %d fluxes for %d faces", f.Name, len(phi), m.NFaces())
	}
	var (
		mx    = fvmatrix.New(f)
		w     = s.Weights(f.Geo, phi)
		delta = f.Geo.DeltaCoeffs()
		nInt  = m.NInternalFaces()
	)
	mx.Lower = make([]float64, nInt)
	for face := 0; face < nInt; face++ {
		var (
			F        = phi[face]
			own, nbr = m.Owner(face), m.Neighbour(face)
		)
		mx.Lower[face] = -w[face] * F
		mx.Upper[face] = (1 - w[face]) * F
		mx.Diag[own] += w[face] * F
		mx.Diag[nbr] -= (1 - w[face]) * F
	}
	for p, pf := range f.Boundary {
		var (
			patch = m.Patch(p)
			c     = pf.MatrixContribution(w[patch.Start:patch.End()], delta[patch.Start:patch.End()])
		)
		for i := 0; i < c.Size(); i++ {
			F := phi[patch.Start+i]
			mx.InternalCoeffs[p][i] += F * c.ValueInternal[i]
			mx.BoundaryCoeffs[p][i] = tr.Sub(mx.BoundaryCoeffs[p][i], tr.Scale(F, c.ValueBoundary[i]))
			if c.ValueNeighbour != nil {
				mx.InterfaceCoeffs[p][i] += F * c.ValueNeighbour[i]
			}
		}
	}
	return mx, nil
}

// cellCoeffs expands a coefficient given once or per cell
func cellCoeffs(name string, coeff []float64, n int) ([]float64, error) {
	switch len(coeff) {
	case n:
		return coeff, nil
	case 1:
		out := make([]float64, n)
		for i := range out {
			out[i] = coeff[0]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: %d coefficients for %d cells", name, len(coeff), n)
}

// Sp is the implicit source sp*f
func Sp[T any](sp []float64, f *field.Field[T]) (*fvmatrix.Matrix[T], error) {
	coeffs, err := cellCoeffs("Sp", sp, f.NCells())
	if err != nil {
		return nil, err
	}
	mx := fvmatrix.New(f)
	for c, v := range f.Geo.CellVolumes() {
		mx.Diag[c] += v * coeffs[c]
	}
	return mx, nil
}

// Su is the explicit source su
func Su[T any](su []T, f *field.Field[T]) (*fvmatrix.Matrix[T], error) {
	if len(su) != f.NCells() {
		return nil, fmt.Errorf("Su: %d values for %d cells", len(su), f.NCells())
	}
	var (
		mx = fvmatrix.New(f)
		tr = f.Traits
	)
	for c, v := range f.Geo.CellVolumes() {
		mx.Source[c] = tr.Sub(mx.Source[c], tr.Scale(v, su[c]))
	}
	return mx, nil
}

// SuSp is sp*f, implicit where sp is positive and explicit where it is
// negative, which keeps the diagonal from losing dominance
func SuSp[T any](sp []float64, f *field.Field[T]) (*fvmatrix.Matrix[T], error) {
	coeffs, err := cellCoeffs("SuSp", sp, f.NCells())
	if err != nil {
		return nil, err
	}
	var (
		mx = fvmatrix.New(f)
		tr = f.Traits
	)
	for c, v := range f.Geo.CellVolumes() {
		mx.Diag[c] += v * math.Max(coeffs[c], 0)
		mx.Source[c] = tr.Sub(mx.Source[c], tr.Scale(v*math.Min(coeffs[c], 0), f.Internal[c]))
	}
	return mx, nil
}
