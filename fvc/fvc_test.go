package fvc

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
	"github.com/notargets/gofvm/schemes"
	"github.com/notargets/gofvm/types"
)

const tol = 1.e-12

// lineRamp is T = x on n cells with T pinned to 0 and 1 at the ends
func lineRamp(t *testing.T, n int) *field.Field[float64] {
	t.Helper()
	m, err := mesh.NewLine1D(n, 1)
	require.NoError(t, err)
	geo := geometry.New(m)
	vals := make([]float64, n)
	for i, c := range geo.CellCentres() {
		vals[i] = c.X
	}
	f, err := field.New[float64]("T", geo, types.Scalar{}, field.Spec[float64]{
		Internal: vals,
		Boundary: map[string]field.PatchSpec{
			"left":  {Type: field.TypeFixedValue, Params: field.Params{"value": 0.}},
			"right": {Type: field.TypeFixedValue, Params: field.Params{"value": 1.}},
		},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, f.EvaluateBoundaries(context.Background(), nil))
	return f
}

func box(t *testing.T) *geometry.Cache {
	t.Helper()
	m, err := mesh.NewBox(mesh.BoxSpec{NX: 3, NY: 2, NZ: 2, Lengths: r3.Vec{X: 1.5, Y: 1, Z: 0.5}})
	require.NoError(t, err)
	return geometry.New(m)
}

// calculatedFrom fills a calculated field and its patches from fn
func calculatedFrom[T any](geo *geometry.Cache, tr types.Traits[T], fn func(x r3.Vec) T) *field.Field[T] {
	f := field.NewCalculated[T]("f", geo, tr)
	for c, x := range geo.CellCentres() {
		f.Internal[c] = fn(x)
	}
	m := geo.Mesh()
	for p, pf := range f.Boundary {
		if c, ok := pf.(*field.Calculated[T]); ok {
			patch := m.Patch(p)
			vals := make([]T, patch.Size)
			for i := range vals {
				vals[i] = fn(geo.FaceCentre(patch.Start + i))
			}
			_ = c.SetValues(vals)
		}
	}
	return f
}

func TestGradient(t *testing.T) {
	{ // Linear profile on a line, empty sides take no part
		f := lineRamp(t, 4)
		g := Grad(f)
		for c, v := range g.Internal {
			assert.InDelta(t, 1., v.X, tol, "cell %d", c)
			assert.InDelta(t, 0., v.Y, tol)
			assert.InDelta(t, 0., v.Z, tol)
		}
		// Boundary values of the gradient follow the face cells
		left, _ := g.Mesh.PatchByName("left")
		assert.InDelta(t, 1., g.Boundary[left.Index].Value()[0].X, tol)
		cg := ComponentGrad(f, 0)
		assert.InDelta(t, 1., cg[2].X, tol)
	}
	{ // Green-Gauss is exact for linear fields on a uniform box
		geo := box(t)
		f := calculatedFrom[float64](geo, types.Scalar{}, func(x r3.Vec) float64 {
			return x.X + 2*x.Y + 3*x.Z
		})
		for c, v := range Grad(f).Internal {
			assert.InDelta(t, 1., v.X, 1.e-10, "cell %d", c)
			assert.InDelta(t, 2., v.Y, 1.e-10, "cell %d", c)
			assert.InDelta(t, 3., v.Z, 1.e-10, "cell %d", c)
		}
	}
	{ // Vector gradient, entry (i,j) is d U_j / d x_i
		geo := box(t)
		U := calculatedFrom[r3.Vec](geo, types.Vector{}, func(x r3.Vec) r3.Vec {
			return r3.Vec{X: x.Y, Y: 2 * x.X, Z: x.Z}
		})
		for _, g := range GradVector(U).Internal {
			assert.InDelta(t, 2., g.At(0, 1), 1.e-10)
			assert.InDelta(t, 1., g.At(1, 0), 1.e-10)
			assert.InDelta(t, 1., g.At(2, 2), 1.e-10)
			assert.InDelta(t, 0., g.At(0, 0), 1.e-10)
			assert.InDelta(t, 1., g.Trace(), 1.e-10)
		}
	}
}

func TestInterpolateAndFlux(t *testing.T) {
	f := lineRamp(t, 4)
	m := f.Mesh
	vf := InterpolateLinear(f)
	assert.InDelta(t, 0.25, vf[0], tol)
	assert.InDelta(t, 0.75, vf[2], tol)
	fb, _ := m.PatchByName("frontAndBack")
	// Empty faces repeat the owner value
	assert.InDelta(t, f.Internal[m.Owner(fb.Start)], vf[fb.Start], tol)
	left, _ := m.PatchByName("left")
	assert.Equal(t, 0., vf[left.Start])
	{ // Upwind picks the owner for positive flux
		phi := UniformFlux(f.Geo, r3.Vec{X: 1})
		vu := Interpolate(f, schemes.Upwind{}.Weights(f.Geo, phi))
		assert.InDelta(t, f.Internal[0], vu[0], tol)
		assert.Zero(t, phi[fb.Start])
		assert.InDelta(t, -1., phi[left.Start], tol)
	}
	{ // The flux of a uniform velocity field matches UniformFlux
		U := field.NewCalculated[r3.Vec]("U", f.Geo, types.Vector{})
		U.SetUniform(r3.Vec{X: 2, Y: 5})
		for _, pf := range U.Boundary {
			if c, ok := pf.(*field.Calculated[r3.Vec]); ok {
				vals := make([]r3.Vec, len(c.Value()))
				for i := range vals {
					vals[i] = r3.Vec{X: 2, Y: 5}
				}
				require.NoError(t, c.SetValues(vals))
			}
		}
		phi := Flux(U)
		want := UniformFlux(f.Geo, r3.Vec{X: 2, Y: 5})
		for face := range phi {
			assert.InDelta(t, want[face], phi[face], tol, "face %d", face)
		}
		// Uniform flow is divergence free
		for _, d := range Div(f.Geo, phi) {
			assert.InDelta(t, 0., d, 1.e-10)
		}
	}
}

func TestDivergenceConservation(t *testing.T) {
	var (
		geo = box(t)
		m   = geo.Mesh()
		phi = make([]float64, m.NFaces())
	)
	for face := range phi {
		phi[face] = math.Sin(float64(3*face + 1))
	}
	var boundary float64
	for face := m.NInternalFaces(); face < m.NFaces(); face++ {
		boundary += phi[face]
	}
	var total float64
	for c, d := range Div(geo, phi) {
		total += d * geo.CellVolume(c)
	}
	// Internal faces telescope away
	assert.InDelta(t, boundary, total, 1.e-10)

	f := calculatedFrom[float64](geo, types.Scalar{}, func(x r3.Vec) float64 { return 1 + x.X })
	var (
		s   = schemes.Upwind{}
		w   = s.Weights(geo, phi)
		vf  = Interpolate(f, w)
		out float64
	)
	for face := m.NInternalFaces(); face < m.NFaces(); face++ {
		out += phi[face] * vf[face]
	}
	total = 0
	for c, d := range DivFlux(phi, f, s) {
		total += d * geo.CellVolume(c)
	}
	assert.InDelta(t, out, total, 1.e-10)
}

func TestSnGradAndLaplacian(t *testing.T) {
	f := lineRamp(t, 4)
	sn := SnGrad(f)
	m := f.Mesh
	assert.InDelta(t, 1., sn[0], tol)
	left, _ := m.PatchByName("left")
	right, _ := m.PatchByName("right")
	// Outward normal gradients at both ends
	assert.InDelta(t, -1., sn[left.Start], tol)
	assert.InDelta(t, 1., sn[right.Start], tol)
	for c, v := range Laplacian(UniformGamma(2), f) {
		assert.InDelta(t, 0., v, 1.e-10, "cell %d", c)
	}
	{ // A quadratic has a constant Laplacian away from the ends
		for c, x := range f.Geo.CellCentres() {
			f.Internal[c] = x.X * x.X
		}
		require.NoError(t, f.EvaluateBoundaries(context.Background(), nil))
		lap := Laplacian(FaceGamma(make([]float64, m.NFaces())), f)
		assert.Equal(t, 0., lap[1])
		gamma := make(FaceGamma, m.NFaces())
		for i := range gamma {
			gamma[i] = 1
		}
		lap = Laplacian(gamma, f)
		assert.InDelta(t, 2., lap[1], 1.e-10)
		assert.InDelta(t, 2., lap[2], 1.e-10)
	}
}

func TestDdt(t *testing.T) {
	f := lineRamp(t, 3)
	_, err := Ddt(f, 0.1)
	assert.Error(t, err)
	f.StoreOldTime()
	f.SetUniform(1)
	_, err = Ddt(f, 0)
	assert.Error(t, err)
	d, err := Ddt(f, 0.5)
	require.NoError(t, err)
	for c, x := range f.Geo.CellCentres() {
		assert.InDelta(t, (1-x.X)/0.5, d[c], tol)
	}
}

func TestIntegrals(t *testing.T) {
	ctx := context.Background()
	f := lineRamp(t, 4)
	{
		v, err := DomainIntegrate(ctx, nil, f)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, v, tol)
		vol, err := Volume(ctx, nil, f.Geo)
		require.NoError(t, err)
		assert.InDelta(t, 1., vol, tol)
		mx, err := GlobalMax(ctx, nil, f)
		require.NoError(t, err)
		assert.InDelta(t, 0.875, mx, tol)
		assert.InDelta(t, 0.875*0.875, MagSqr(f)[3], tol)
	}
	{ // Vector integrals reduce per component
		U := field.NewCalculated[r3.Vec]("U", f.Geo, types.Vector{})
		U.SetUniform(r3.Vec{X: 1, Y: -2, Z: 3})
		v, err := DomainIntegrate(ctx, parallel.Serial(), U)
		require.NoError(t, err)
		assert.InDelta(t, -2., v.Y, tol)
	}
	{ // Every rank sees the sum over all ranks
		w, err := parallel.NewWorld(3, parallel.DefaultTuning())
		require.NoError(t, err)
		var (
			mu      sync.Mutex
			results []float64
		)
		err = w.Run(ctx, func(ctx context.Context, comm parallel.Communicator) error {
			g := f.Copy("T")
			for c := range g.Internal {
				g.Internal[c] = float64(comm.Rank() + 1)
			}
			v, err := DomainIntegrate(ctx, comm, g)
			if err != nil {
				return err
			}
			mx, err := GlobalMax(ctx, comm, g)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, v, mx)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		require.Len(t, results, 6)
		for i := 0; i < len(results); i += 2 {
			assert.InDelta(t, 6., results[i], tol)
			assert.InDelta(t, 3., results[i+1], tol)
		}
	}
}
