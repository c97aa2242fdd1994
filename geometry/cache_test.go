package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/mesh"
)

const tol = 1.e-12

func wallBox(nx, ny, nz int, lengths r3.Vec, warp func(r3.Vec) r3.Vec) (*mesh.Mesh, error) {
	var sides [6]mesh.BoxSide
	for i := range sides {
		sides[i] = mesh.BoxSide{Name: "walls", Type: mesh.PatchWall}
	}
	return mesh.NewBox(mesh.BoxSpec{NX: nx, NY: ny, NZ: nz, Lengths: lengths, Sides: sides, Warp: warp})
}

func TestFaceCentreAndArea(t *testing.T) {
	pts := []r3.Vec{{X: 0, Y: 0, Z: 0}, {X: 2, Y: 0, Z: 0}, {X: 2, Y: 1, Z: 0}, {X: 0, Y: 1, Z: 0}}
	{ // Quad
		c, a := FaceCentreAndArea(pts, []int{0, 1, 2, 3})
		assert.InDelta(t, 1., c.X, tol)
		assert.InDelta(t, 0.5, c.Y, tol)
		assert.InDelta(t, 2., a.Z, tol)
	}
	{ // Triangle, reversed orientation flips the normal
		c, a := FaceCentreAndArea(pts, []int{0, 2, 1})
		assert.InDelta(t, 4./3, c.X, tol)
		assert.InDelta(t, -1., a.Z, tol)
	}
}

func TestCacheUnitCell(t *testing.T) {
	m, err := wallBox(1, 1, 1, r3.Vec{X: 1, Y: 1, Z: 1}, nil)
	require.NoError(t, err)
	g := New(m)
	assert.InDelta(t, 1., g.CellVolume(0), tol)
	cc := g.CellCentre(0)
	assert.InDelta(t, 0.5, cc.X, tol)
	assert.InDelta(t, 0.5, cc.Y, tol)
	assert.InDelta(t, 0.5, cc.Z, tol)
	var sum r3.Vec
	for f := 0; f < m.NFaces(); f++ {
		sum = r3.Add(sum, g.FaceArea(f))
		assert.Equal(t, 1., g.Weight(f))
		assert.InDelta(t, 2., g.DeltaCoeff(f), tol)
		assert.InDelta(t, 0., r3.Norm(g.NonOrthDelta(f)), tol)
		// Outward from the owner
		assert.Greater(t, r3.Dot(g.FaceArea(f), r3.Sub(g.FaceCentre(f), cc)), 0.)
	}
	assert.InDelta(t, 0., r3.Norm(sum), tol)
	assert.Empty(t, g.Degenerate())
}

func TestCacheOrthogonalLine(t *testing.T) {
	m, err := mesh.NewLine1D(4, 1)
	require.NoError(t, err)
	g := New(m)
	for f := 0; f < m.NInternalFaces(); f++ {
		assert.InDelta(t, 0.5, g.Weight(f), tol)
		assert.InDelta(t, 4., g.DeltaCoeff(f), tol)
		assert.InDelta(t, 1., g.MagFaceArea(f), tol)
	}
	left, _ := m.PatchByName("left")
	assert.InDelta(t, 8., g.DeltaCoeff(left.Start), tol)
	assert.InDelta(t, 0.125, g.CellCentre(0).X, tol)
}

func TestCacheSkewed(t *testing.T) {
	warp := func(p r3.Vec) r3.Vec {
		return r3.Vec{X: p.X + 0.2*p.Y*p.Y, Y: p.Y + 0.1*math.Sin(3*p.X), Z: p.Z + 0.05*p.X*p.Y}
	}
	m, err := wallBox(3, 4, 2, r3.Vec{X: 1, Y: 1, Z: 1}, warp)
	require.NoError(t, err)
	g := New(m)
	{ // Each cell is closed: its outward area vectors sum to zero
		for c := 0; c < m.NCells(); c++ {
			var sum r3.Vec
			for _, f := range m.CellFaces(c) {
				if m.Owner(f) == c {
					sum = r3.Add(sum, g.FaceArea(f))
				} else {
					sum = r3.Sub(sum, g.FaceArea(f))
				}
			}
			assert.InDelta(t, 0., r3.Norm(sum), 1.e-10)
			assert.Greater(t, g.CellVolume(c), 0.)
		}
	}
	{ // Total volume equals the boundary flux of x/3 (divergence theorem)
		var vol, flux float64
		for c := 0; c < m.NCells(); c++ {
			vol += g.CellVolume(c)
		}
		for f := m.NInternalFaces(); f < m.NFaces(); f++ {
			cf := g.FaceCentre(f)
			flux += r3.Dot(cf, g.FaceArea(f)) / 3
		}
		assert.InDelta(t, flux, vol, 1.e-3)
	}
	{ // Weights lie in (0,1) and correction vectors complete the face normal
		nonOrth := 0
		for f := 0; f < m.NInternalFaces(); f++ {
			w := g.Weight(f)
			assert.True(t, w > 0 && w < 1)
			d := r3.Sub(g.CellCentre(m.Neighbour(f)), g.CellCentre(m.Owner(f)))
			k := g.NonOrthDelta(f)
			nHat := r3.Unit(g.FaceArea(f))
			// k = nHat - d*delta
			assert.InDelta(t, 1., r3.Dot(k, nHat)+g.DeltaCoeff(f)*r3.Dot(d, nHat), 1.e-10)
			if r3.Norm(k) > 1.e-6 {
				nonOrth++
			}
		}
		assert.Greater(t, nonOrth, 0)
	}
}

func TestCacheGeneration(t *testing.T) {
	m, err := wallBox(2, 2, 2, r3.Vec{X: 1, Y: 1, Z: 1}, nil)
	require.NoError(t, err)
	g := New(m)
	assert.InDelta(t, 0.125, g.CellVolume(0), tol)
	pts := make([]r3.Vec, m.NPoints())
	for i, p := range m.Points() {
		pts[i] = r3.Scale(2, p)
	}
	require.NoError(t, m.MovePoints(pts))
	assert.InDelta(t, 1., g.CellVolume(0), tol)
	assert.InDelta(t, 1., g.MagFaceArea(0), tol)
	g.Invalidate()
	assert.InDelta(t, 1., g.CellVolume(7), tol)
}

func TestCacheDegenerate(t *testing.T) {
	m, err := mesh.NewLine1D(3, 3)
	require.NoError(t, err)
	g := New(m)
	require.Empty(t, g.Degenerate())
	// Collapse the middle cell onto the plane x=1
	pts := make([]r3.Vec, m.NPoints())
	copy(pts, m.Points())
	for i, p := range pts {
		if p.X == 2 {
			pts[i].X = 1
		}
	}
	require.NoError(t, m.MovePoints(pts))
	deg := g.Degenerate()
	require.NotEmpty(t, deg)
	var foundVolume bool
	for _, d := range deg {
		if d.Kind == NonPositiveVolume {
			foundVolume = true
			assert.Equal(t, 1, d.Index)
		}
	}
	assert.True(t, foundVolume)
	assert.Greater(t, g.CellVolume(1), 0.)
}

func TestCacheCyclic(t *testing.T) {
	var sides [6]mesh.BoxSide
	for i := range sides {
		sides[i] = mesh.BoxSide{Name: "frontAndBack", Type: mesh.PatchEmpty}
	}
	sides[mesh.XMin] = mesh.BoxSide{Name: "left", Type: mesh.PatchCyclic, NeighbourPatch: "right"}
	sides[mesh.XMax] = mesh.BoxSide{Name: "right", Type: mesh.PatchCyclic, NeighbourPatch: "left"}
	m, err := mesh.NewBox(mesh.BoxSpec{NX: 4, NY: 1, NZ: 1, Lengths: r3.Vec{X: 1, Y: 1, Z: 1}, Sides: sides})
	require.NoError(t, err)
	g := New(m)
	left, _ := m.PatchByName("left")
	right, _ := m.PatchByName("right")
	for _, p := range []*mesh.Patch{left, right} {
		assert.InDelta(t, 0.5, g.Weight(p.Start), tol)
		assert.InDelta(t, 4., g.DeltaCoeff(p.Start), tol)
	}
	// Seen from the left patch the neighbour is the last cell moved one period back
	assert.InDelta(t, -0.125, g.CoupledCentres(left.Index)[0].X, tol)
}

func TestCacheProcessor(t *testing.T) {
	m, err := mesh.NewLine1D(4, 1)
	require.NoError(t, err)
	parts, _, err := mesh.Decompose(m, []int{0, 0, 1, 1}, 2)
	require.NoError(t, err)
	g := New(parts[0])
	proc, ok := parts[0].PatchByName(mesh.ProcessorPatchName(0, 1))
	require.True(t, ok)
	assert.False(t, g.Synced(proc.Index))
	// Mirror estimate on a uniform mesh is already exact
	assert.InDelta(t, 0.5, g.Weight(proc.Start), tol)
	require.NoError(t, g.SetCoupledNeighbourCentres(proc.Index, []r3.Vec{{X: 0.625, Y: 0.5, Z: 0.5}}))
	assert.True(t, g.Synced(proc.Index))
	assert.InDelta(t, 0.5, g.Weight(proc.Start), tol)
	assert.InDelta(t, 4., g.DeltaCoeff(proc.Start), tol)
	{ // A farther neighbour shifts the weight toward the owner
		require.NoError(t, g.SetCoupledNeighbourCentres(proc.Index, []r3.Vec{{X: 1.125, Y: 0.5, Z: 0.5}}))
		assert.InDelta(t, 0.625/0.75, g.Weight(proc.Start), tol)
	}
	assert.Error(t, g.SetCoupledNeighbourCentres(0, nil))
	assert.Error(t, g.SetCoupledNeighbourCentres(proc.Index, nil))
}
