package field

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
	"github.com/notargets/gofvm/types"
)

const tol = 1.e-12

func line(t *testing.T, n int) *geometry.Cache {
	t.Helper()
	m, err := mesh.NewLine1D(n, 1)
	require.NoError(t, err)
	return geometry.New(m)
}

// ramp is a scalar field equal to the cell centre x coordinate
func ramp(t *testing.T, geo *geometry.Cache, boundary map[string]PatchSpec) *Field[float64] {
	t.Helper()
	vals := make([]float64, geo.Mesh().NCells())
	for i, c := range geo.CellCentres() {
		vals[i] = c.X
	}
	f, err := New[float64]("T", geo, types.Scalar{}, Spec[float64]{Internal: vals, Boundary: boundary}, nil)
	require.NoError(t, err)
	return f
}

func patchIndex(t *testing.T, m *mesh.Mesh, name string) int {
	p, ok := m.PatchByName(name)
	require.True(t, ok, name)
	return p.Index
}

func TestFieldBasics(t *testing.T) {
	geo := line(t, 4)
	f := ramp(t, geo, map[string]PatchSpec{
		"left":  {Type: TypeFixedValue, Params: Params{"value": 1.}},
		"right": {Type: TypeZeroGradient},
	})
	require.NoError(t, f.Check())
	{ // Patch sizes follow the mesh, empty patches hold nothing
		for i, pf := range f.Boundary {
			p := f.Mesh.Patch(i)
			if p.Type == mesh.PatchEmpty {
				assert.Equal(t, TypeEmpty, pf.Type())
				assert.Empty(t, pf.Value())
				assert.Zero(t, pf.MatrixContribution(nil, nil).Size())
				continue
			}
			assert.Len(t, pf.Value(), p.Size)
		}
	}
	{ // Indexed access
		assert.InDelta(t, 0.375, f.At(1), tol)
		f.Set(1, 7)
		assert.Equal(t, 7., f.Internal[1])
		assertIndexPanic(t, func() { f.At(4) })
		assertIndexPanic(t, func() { f.Set(-1, 0) })
		assertIndexPanic(t, func() { f.FaceValue(0, 3) })
	}
	{ // Boundary values by face number
		require.NoError(t, f.EvaluateBoundaries(context.Background(), nil))
		left := patchIndex(t, f.Mesh, "left")
		right := patchIndex(t, f.Mesh, "right")
		assert.Equal(t, 1., f.BoundaryFaceValue(f.Mesh.Patch(left).Start))
		assert.InDelta(t, 0.875, f.BoundaryFaceValue(f.Mesh.Patch(right).Start), tol)
		// Faces of the empty patch report their cell values
		fb, _ := f.Mesh.PatchByName("frontAndBack")
		assert.Equal(t, f.Internal[f.Mesh.Owner(fb.Start)], f.BoundaryFaceValue(fb.Start))
		assert.Len(t, f.BoundaryFaceValues(), f.Mesh.NBoundaryFaces())
	}
	{ // Copies are independent
		c := f.Copy("T2")
		c.Internal[0] = -1
		c.Boundary[0].Value()[0] = -1
		assert.NotEqual(t, -1., f.Internal[0])
		assert.NotEqual(t, -1., f.Boundary[0].Value()[0])
		assert.Equal(t, f.Boundary[0].Type(), c.Boundary[0].Type())
	}
	{ // Old time levels
		_, err := f.OldTime(1)
		assert.Error(t, err)
		f.StoreOldTime()
		f.Internal[0] = 10
		f.StoreOldTime()
		f.StoreOldTime()
		assert.Equal(t, MaxOldTimes, f.NOldTimes())
		o, err := f.OldTime(1)
		require.NoError(t, err)
		assert.Equal(t, 10., o[0])
		f.Internal[0] = 11
		assert.Equal(t, 10., o[0])
	}
}

func assertIndexPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrIndexOutOfRange)
	}()
	fn()
}

func TestFieldConstructionErrors(t *testing.T) {
	geo := line(t, 3)
	newField := func(boundary map[string]PatchSpec, init []float64) error {
		_, err := New[float64]("T", geo, types.Scalar{}, Spec[float64]{Internal: init, Boundary: boundary}, nil)
		return err
	}
	ok := PatchSpec{Type: TypeZeroGradient}
	assert.NoError(t, newField(map[string]PatchSpec{"left": ok, "right": ok}, nil))
	assert.NoError(t, newField(map[string]PatchSpec{"left": ok, "right": ok}, []float64{2}))
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": ok}, []float64{1, 2}))
	// Missing condition
	assert.Error(t, newField(map[string]PatchSpec{"left": ok}, nil))
	// Unknown tag
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": {Type: "slip"}}, nil))
	// Constraint mismatch in both directions
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": ok, "frontAndBack": ok}, nil))
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": {Type: TypeCyclic}}, nil))
	// Bad parameters
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": {Type: TypeFixedValue,
		Params: Params{"value": "hot"}}}, nil))
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": {Type: TypeUniformFixedValue}}, nil))
	assert.Error(t, newField(map[string]PatchSpec{"left": ok, "right": {Type: TypeMixed,
		Params: Params{"valueFraction": 2.}}}, nil))
}

func TestRegistryCustom(t *testing.T) {
	geo := line(t, 3)
	reg := NewRegistry[float64]()
	// A condition that is a fixed value of 42 under another name
	reg.Register("fortyTwo", func(f *Field[float64], patch int, _ Params) (PatchField[float64], error) {
		return newFixedValue(f, patch, Params{"value": 42.})
	})
	assert.Contains(t, reg.Types(), "fortyTwo")
	f, err := New[float64]("T", geo, types.Scalar{}, Spec[float64]{Boundary: map[string]PatchSpec{
		"left": {Type: "fortyTwo"}, "right": {Type: TypeZeroGradient},
	}}, reg)
	require.NoError(t, err)
	pf, _ := f.PatchByName("left")
	assert.Equal(t, 42., pf.Value()[0])
}

func TestFixedValueAndGradient(t *testing.T) {
	geo := line(t, 4)
	f := ramp(t, geo, map[string]PatchSpec{
		"left":  {Type: TypeFixedValue, Params: Params{"value": 1.}},
		"right": {Type: TypeFixedGradient, Params: Params{"gradient": 2.}},
	})
	require.NoError(t, f.EvaluateBoundaries(context.Background(), NewEvalContext()))
	left, _ := f.PatchByName("left")
	right, _ := f.PatchByName("right")
	{ // Boundary delta coefficients are 8 on a 4 cell unit line
		deltas := []float64{8}
		c := left.MatrixContribution([]float64{1}, deltas)
		assert.Equal(t, 0., c.ValueInternal[0])
		assert.Equal(t, 1., c.ValueBoundary[0])
		assert.Equal(t, -8., c.GradInternal[0])
		assert.Equal(t, 8., c.GradBoundary[0])
		// snGrad = delta*(value - psi_P)
		assert.InDelta(t, 8*(1-0.125), left.SnGrad()[0], tol)
		// The linearisation reproduces the evaluated state
		psi := f.Internal[0]
		assert.InDelta(t, left.Value()[0], c.ValueInternal[0]*psi+c.ValueBoundary[0], tol)
		assert.InDelta(t, left.SnGrad()[0], c.GradInternal[0]*psi+c.GradBoundary[0], tol)
	}
	{
		assert.InDelta(t, 0.875+2./8, right.Value()[0], tol)
		assert.Equal(t, 2., right.SnGrad()[0])
		c := right.MatrixContribution([]float64{1}, []float64{8})
		assert.Equal(t, 1., c.ValueInternal[0])
		assert.InDelta(t, 0.25, c.ValueBoundary[0], tol)
		assert.Equal(t, 0., c.GradInternal[0])
		right.(*fixedGradient[float64]).SetGradient(0)
		require.NoError(t, right.Evaluate(nil))
		assert.InDelta(t, 0.875, right.Value()[0], tol)
	}
	{ // Missing fixed value falls back to the face cell value
		g := ramp(t, geo, map[string]PatchSpec{"left": {Type: TypeFixedValue}, "right": {Type: TypeFixedGradient}})
		pf, _ := g.PatchByName("left")
		assert.InDelta(t, 0.125, pf.Value()[0], tol)
	}
}

func TestMixed(t *testing.T) {
	geo := line(t, 4)
	f := ramp(t, geo, map[string]PatchSpec{
		"left": {Type: TypeMixed, Params: Params{"refValue": 1., "refGradient": 4., "valueFraction": 0.25}},
		"right": {Type: TypeZeroGradient},
	})
	pf, _ := f.PatchByName("left")
	m := pf.(*Mixed[float64])
	var (
		psi   = f.Internal[0]
		delta = geo.DeltaCoeff(f.Mesh.Patch(m.index).Start)
		check = func(frac float64) {
			want := frac*1 + (1-frac)*(psi+4/delta)
			assert.InDelta(t, want, pf.Value()[0], tol)
			c := pf.MatrixContribution([]float64{1}, []float64{delta})
			assert.InDelta(t, want, c.ValueInternal[0]*psi+c.ValueBoundary[0], tol)
			assert.InDelta(t, pf.SnGrad()[0], c.GradInternal[0]*psi+c.GradBoundary[0], tol)
		}
	)
	check(0.25)
	{ // The fraction can change at run time
		require.NoError(t, m.SetValueFraction(1))
		require.NoError(t, pf.Evaluate(nil))
		check(1)
		assert.InDelta(t, 1., pf.Value()[0], tol)
		require.NoError(t, m.SetValueFractions([]float64{0}))
		require.NoError(t, pf.Evaluate(nil))
		check(0)
		assert.Error(t, m.SetValueFraction(-0.1))
		assert.Error(t, m.SetValueFractions([]float64{0, 1}))
	}
}

func TestUniformFixedValue(t *testing.T) {
	geo := line(t, 2)
	f := ramp(t, geo, map[string]PatchSpec{
		"left":  {Type: TypeUniformFixedValue, Params: Params{"table": []any{[]any{1., 10.}, []any{0., 0.}, []any{3., 30.}}}},
		"right": {Type: TypeZeroGradient},
	})
	pf, _ := f.PatchByName("left")
	ec := NewEvalContext()
	for _, tc := range []struct{ time, want float64 }{{-1, 0}, {0.5, 5}, {2, 20}, {5, 30}} {
		ec.Time = tc.time
		require.NoError(t, f.EvaluateBoundaries(context.Background(), ec))
		assert.InDelta(t, tc.want, pf.Value()[0], tol, "t=%v", tc.time)
	}
	assert.Equal(t, TypeUniformFixedValue, pf.Type())
}

func TestCalculated(t *testing.T) {
	geo := line(t, 3)
	f := NewCalculated[r3.Vec]("U", geo, types.Vector{})
	pf, ok := f.PatchByName("right")
	require.True(t, ok)
	c := pf.(*Calculated[r3.Vec])
	require.NoError(t, c.SetValues([]r3.Vec{{X: 1}}))
	assert.Error(t, c.SetValues(nil))
	require.NoError(t, f.EvaluateBoundaries(context.Background(), nil))
	assert.Equal(t, r3.Vec{X: 1}, pf.Value()[0])
}

func symmetryBox(t *testing.T) *geometry.Cache {
	var sides [6]mesh.BoxSide
	for i := range sides {
		sides[i] = mesh.BoxSide{Name: "walls", Type: mesh.PatchWall}
	}
	sides[mesh.XMin] = mesh.BoxSide{Name: "sym", Type: mesh.PatchSymmetryPlane}
	m, err := mesh.NewBox(mesh.BoxSpec{NX: 2, NY: 1, NZ: 1, Lengths: r3.Vec{X: 1, Y: 1, Z: 1}, Sides: sides})
	require.NoError(t, err)
	return geometry.New(m)
}

func TestSymmetryPlane(t *testing.T) {
	geo := symmetryBox(t)
	{ // Vectors lose their normal component on the plane
		f, err := New[r3.Vec]("U", geo, types.Vector{}, Spec[r3.Vec]{
			Internal: []r3.Vec{{X: 1, Y: 2, Z: 3}},
			Boundary: map[string]PatchSpec{"walls": {Type: TypeFixedValue, Params: Params{"value": []any{0., 0., 0.}}}},
		}, nil)
		require.NoError(t, err)
		pf, _ := f.PatchByName("sym")
		assert.Equal(t, TypeSymmetryPlane, pf.Type())
		v := pf.Value()[0]
		assert.InDelta(t, 0., v.X, tol)
		assert.InDelta(t, 2., v.Y, tol)
		assert.InDelta(t, 3., v.Z, tol)
		// Normal gradient points against the normal part of the cell value
		delta := geo.DeltaCoeff(f.Mesh.Patch(patchIndex(t, f.Mesh, "sym")).Start)
		assert.InDelta(t, -delta, pf.SnGrad()[0].X, tol)
		assert.InDelta(t, 0., pf.SnGrad()[0].Y, tol)
	}
	{ // Tensors are reflected on both indices
		id := types.Tensor{1, 2, 0, 2, 1, 0, 0, 0, 1}
		f, err := New[types.Tensor]("S", geo, types.TensorTraits{}, Spec[types.Tensor]{
			Internal: []types.Tensor{id},
			Boundary: map[string]PatchSpec{"walls": {Type: TypeZeroGradient}},
		}, nil)
		require.NoError(t, err)
		pf, _ := f.PatchByName("sym")
		v := pf.Value()[0]
		// Off-diagonal xy terms change sign under reflection in x and average out
		assert.InDelta(t, 0., v.At(0, 1), tol)
		assert.InDelta(t, 1., v.At(0, 0), tol)
		assert.InDelta(t, 1., v.At(1, 1), tol)
	}
	{ // Scalars see a zero gradient
		f, err := New[float64]("T", geo, types.Scalar{}, Spec[float64]{
			Internal: []float64{3},
			Boundary: map[string]PatchSpec{"walls": {Type: TypeZeroGradient}},
		}, nil)
		require.NoError(t, err)
		pf, _ := f.PatchByName("sym")
		assert.Equal(t, 3., pf.Value()[0])
		c := pf.MatrixContribution([]float64{1}, []float64{4})
		assert.Equal(t, 1., c.ValueInternal[0])
		assert.Equal(t, 0., c.GradInternal[0])
	}
}

func TestCyclic(t *testing.T) {
	var sides [6]mesh.BoxSide
	for i := range sides {
		sides[i] = mesh.BoxSide{Name: "frontAndBack", Type: mesh.PatchEmpty}
	}
	sides[mesh.XMin] = mesh.BoxSide{Name: "left", Type: mesh.PatchCyclic, NeighbourPatch: "right"}
	sides[mesh.XMax] = mesh.BoxSide{Name: "right", Type: mesh.PatchCyclic, NeighbourPatch: "left"}
	m, err := mesh.NewBox(mesh.BoxSpec{NX: 4, NY: 1, NZ: 1, Lengths: r3.Vec{X: 1, Y: 1, Z: 1}, Sides: sides})
	require.NoError(t, err)
	geo := geometry.New(m)
	f, err := New[float64]("T", geo, types.Scalar{}, Spec[float64]{Internal: []float64{1, 2, 3, 4}}, nil)
	require.NoError(t, err)
	left, _ := f.PatchByName("left")
	right, _ := f.PatchByName("right")
	require.True(t, left.Coupled())
	cl := left.(CoupledPatchField[float64])
	assert.Equal(t, []float64{4}, cl.NeighbourInternal())
	assert.InDelta(t, 2.5, left.Value()[0], tol)
	assert.InDelta(t, 2.5, right.Value()[0], tol)
	assert.InDelta(t, 4*(4-1.), left.SnGrad()[0], tol)
	{ // Neighbour values follow the internal field on evaluation
		f.Internal[3] = 8
		require.NoError(t, f.EvaluateBoundaries(context.Background(), nil))
		assert.InDelta(t, 4.5, left.Value()[0], tol)
		assert.Equal(t, []float64{1}, right.(CoupledPatchField[float64]).NeighbourInternal())
	}
	{ // Coupled coefficients
		c := left.MatrixContribution([]float64{0.5}, []float64{4})
		assert.Equal(t, 0.5, c.ValueNeighbour[0])
		assert.Equal(t, 4., c.GradNeighbour[0])
		assert.Equal(t, -4., c.GradInternal[0])
		v, g := cl.CoupledCoeffs([]float64{0.5}, []float64{4})
		assert.Equal(t, c.ValueNeighbour, v)
		assert.Equal(t, c.GradNeighbour, g)
	}
	{ // A contradicting partner is rejected
		_, err := New[float64]("T", geo, types.Scalar{}, Spec[float64]{Boundary: map[string]PatchSpec{
			"left": {Type: TypeCyclic, Params: Params{"neighbourPatch": "frontAndBack"}},
		}}, nil)
		assert.Error(t, err)
	}
}

func TestProcessorEvaluation(t *testing.T) {
	global, err := mesh.NewLine1D(4, 1)
	require.NoError(t, err)
	parts, _, err := mesh.Decompose(global, []int{0, 0, 1, 1}, 2)
	require.NoError(t, err)
	for _, mode := range []parallel.Mode{parallel.Blocking, parallel.Scheduled, parallel.NonBlocking} {
		w, err := parallel.NewWorld(2, parallel.DefaultTuning())
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = w.Run(ctx, func(ctx context.Context, comm parallel.Communicator) error {
			m := parts[comm.Rank()]
			geo := geometry.New(m)
			if err := SyncCoupledGeometry(ctx, comm, m, geo, mode); err != nil {
				return err
			}
			vals := make([]r3.Vec, m.NCells())
			for i, c := range geo.CellCentres() {
				vals[i] = r3.Vec{X: c.X, Y: float64(comm.Rank())}
			}
			f, err := New[r3.Vec]("U", geo, types.Vector{}, Spec[r3.Vec]{
				Internal: vals,
				Boundary: map[string]PatchSpec{"left": {Type: TypeZeroGradient}, "right": {Type: TypeZeroGradient}},
			}, nil)
			if err != nil {
				return err
			}
			ec := &EvalContext{Comm: comm, Mode: mode}
			if err := f.EvaluateBoundaries(ctx, ec); err != nil {
				return err
			}
			pf, ok := f.PatchByName(mesh.ProcessorPatchName(comm.Rank(), 1-comm.Rank()))
			if !ok {
				return errors.New("no processor patch")
			}
			nbr := pf.(CoupledPatchField[r3.Vec]).NeighbourInternal()[0]
			// Ghost value equals the face cell value held by the other rank
			wantX := 0.625
			if comm.Rank() == 1 {
				wantX = 0.375
			}
			if math.Abs(nbr.X-wantX) > tol || nbr.Y != float64(1-comm.Rank()) {
				return fmt.Errorf("rank %d neighbour value %v", comm.Rank(), nbr)
			}
			if v := pf.Value()[0]; math.Abs(v.X-0.5) > tol || math.Abs(v.Y-0.5) > tol {
				return fmt.Errorf("rank %d face value %v", comm.Rank(), v)
			}
			// A single patch can exchange on its own
			return pf.(*Processor[r3.Vec]).UpdateNeighbour(ctx, ec)
		})
		cancel()
		assert.NoError(t, err, mode.String())
	}
}

func TestRemap(t *testing.T) {
	geo := line(t, 4)
	f := ramp(t, geo, map[string]PatchSpec{
		"left":  {Type: TypeFixedValue, Params: Params{"value": 1.}},
		"right": {Type: TypeZeroGradient},
	})
	f.StoreOldTime()
	rm, err := f.Mesh.RenumberCells([]int{3, 2, 1, 0})
	require.NoError(t, err)
	require.NoError(t, f.Mesh.RemapTopology(rm))
	require.NoError(t, f.Remap(rm))
	require.NoError(t, f.EvaluateBoundaries(context.Background(), nil))
	assert.InDelta(t, 0.875, f.Internal[0], tol)
	old, err := f.OldTime(1)
	require.NoError(t, err)
	assert.InDelta(t, 0.125, old[3], tol)
	left, _ := f.PatchByName("left")
	assert.Equal(t, 1., left.Value()[0])
	// The left end cell is now cell 3
	right, _ := f.PatchByName("right")
	assert.InDelta(t, 0.875, right.Value()[0], tol)
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue[r3.Vec](types.Vector{}, []any{1., 2, 3.})
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, v)
	v, err = ParseValue[r3.Vec](types.Vector{}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 0.5, Y: 0.5, Z: 0.5}, v)
	_, err = ParseValue[r3.Vec](types.Vector{}, []any{1., 2.})
	assert.Error(t, err)
	_, err = ParseValue[float64](types.Scalar{}, "x")
	assert.Error(t, err)
}
