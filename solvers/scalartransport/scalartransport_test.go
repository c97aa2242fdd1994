package scalartransport

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/gofvm/InputParameters"
	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
)

// channel is a line of cells along x, closed in y and z by empty patches
const channel = `
Title: channel
DdtScheme: %s
EndTime: %g
DeltaT: %g
Schemes:
  Div: %s
Diffusivity: %g
Velocity: [%g, 0, 0]
Source: %g
Relaxation: %g
OuterIterations: %d
Solver:
  name: %s
  tolerance: 1.e-12
  maxIter: 5000
Mesh:
  Box:
    Cells: [%d, 1, 1]
    Lengths: [1, 1, 1]
    Sides:
      - {Name: left, Type: patch}
      - {Name: right, Type: patch}
      - {Name: frontAndBack, Type: empty}
      - {Name: frontAndBack, Type: empty}
      - {Name: frontAndBack, Type: empty}
      - {Name: frontAndBack, Type: empty}
Fields:
  T:
    Internal: %s
    Boundary:
      left: %s
      right: %s
Decomposition:
  Ranks: %d
  Method: %s
  Mode: %s
`

type channelCase struct {
	ddt, div, solver, internal, left, right, method, mode string
	endTime, deltaT, gamma, u, source, relax              float64
	outer, n, ranks                                        int
}

func laplaceCase() channelCase {
	return channelCase{
		ddt: "steadyState", div: "upwind", solver: "PCG", internal: "0",
		left:  "{type: fixedValue, params: {value: 1}}",
		right: "{type: fixedValue, params: {value: 0}}",
		method: "simple", mode: "blocking",
		gamma: 1, relax: 1, outer: 1, n: 10, ranks: 1,
	}
}

func (cc channelCase) transport(t *testing.T) *Transport {
	t.Helper()
	text := fmt.Sprintf(channel, cc.ddt, cc.endTime, cc.deltaT, cc.div, cc.gamma, cc.u, cc.source,
		cc.relax, cc.outer, cc.solver, cc.n, cc.internal, cc.left, cc.right, cc.ranks, cc.method, cc.mode)
	var cp InputParameters.CaseParameters
	require.NoError(t, cp.Parse([]byte(text)))
	m, err := LoadMesh(&cp, "")
	require.NoError(t, err)
	tp, err := New(&cp, m)
	require.NoError(t, err)
	tp.Quiet = true
	return tp
}

func (cc channelCase) run(t *testing.T) *Result {
	t.Helper()
	res, err := cc.transport(t).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Values, cc.n)
	return res
}

func TestSteadyLaplace(t *testing.T) {
	cc := laplaceCase()
	{ // A linear profile is reproduced exactly
		res := cc.run(t)
		assert.Equal(t, 1, res.Steps)
		assert.Zero(t, res.NotConverged)
		require.NotEmpty(t, res.Performance)
		assert.True(t, res.Performance[0].Converged)
		for c, v := range res.Values {
			x := (float64(c) + 0.5) / float64(cc.n)
			assert.InDelta(t, 1-x, v, 1.e-9)
		}
		assert.InDelta(t, 0.5, res.Integral, 1.e-9)
		assert.InDelta(t, 0.95, res.Max, 1.e-9)
		assert.Nil(t, res.Decomposition)
	}
	{ // Under-relaxed outer iterations reach the same profile
		cc.relax, cc.outer = 0.7, 300
		res := cc.run(t)
		for c, v := range res.Values {
			x := (float64(c) + 0.5) / float64(cc.n)
			assert.InDelta(t, 1-x, v, 1.e-6)
		}
	}
	{ // Decomposed
		cc.relax, cc.outer, cc.ranks = 1, 1, 3
		res := cc.run(t)
		require.NotNil(t, res.Decomposition)
		assert.Equal(t, 3, res.Decomposition.NRanks)
		for c, v := range res.Values {
			x := (float64(c) + 0.5) / float64(cc.n)
			assert.InDelta(t, 1-x, v, 1.e-9)
		}
		assert.InDelta(t, 0.5, res.Integral, 1.e-9)
	}
}

func TestUniformSource(t *testing.T) {
	cc := laplaceCase()
	cc.ddt, cc.endTime, cc.deltaT = "Euler", 0.5, 0.1
	cc.gamma, cc.source, cc.internal = 0.1, 2, "1"
	cc.left = "{type: zeroGradient}"
	cc.right = "{type: zeroGradient}"
	for _, ranks := range []int{1, 2} {
		cc.ranks = ranks
		res := cc.run(t)
		assert.Equal(t, 5, res.Steps)
		assert.InDelta(t, 0.5, res.Time, 1.e-12)
		// Insulated: every cell gains S*t
		for _, v := range res.Values {
			assert.InDelta(t, 2, v, 1.e-9)
		}
		assert.InDelta(t, 2, res.Integral, 1.e-9)
	}
}

func TestPerCellInitialCondition(t *testing.T) {
	cc := laplaceCase()
	cc.ddt, cc.endTime, cc.deltaT = "Euler", 0.1, 0.1
	cc.gamma, cc.n = 0, 6
	cc.internal = "[1, 2, 3, 4, 5, 6]"
	cc.left = "{type: zeroGradient}"
	cc.right = "{type: zeroGradient}"
	for _, ranks := range []int{1, 2, 3} {
		cc.ranks = ranks
		// Neither transported nor diffused: the cells keep their values
		res := cc.run(t)
		assert.InDeltaSlice(t, []float64{1, 2, 3, 4, 5, 6}, res.Values, 1.e-10)
		assert.InDelta(t, 6, res.Max, 1.e-10)
	}
}

// Decomposed runs reproduce the serial solution for every exchange mode
// and decomposition method
func TestDecomposedTransport(t *testing.T) {
	cc := laplaceCase()
	cc.ddt, cc.endTime, cc.deltaT = "backward", 0.2, 0.02
	cc.div, cc.solver = "linear", "PBiCGStab"
	cc.gamma, cc.u, cc.n = 0.05, 1, 12
	cc.right = "{type: zeroGradient}"
	serial := cc.run(t)
	assert.Equal(t, 10, serial.Steps)
	// The front has entered but not left the channel
	assert.Greater(t, serial.Values[0], 0.5)
	assert.Less(t, serial.Values[cc.n-1], 0.5)
	for _, method := range []string{"simple", "metis"} {
		for _, mode := range []string{"blocking", "scheduled", "nonBlocking"} {
			cc.ranks, cc.method, cc.mode = 2, method, mode
			res := cc.run(t)
			assert.InDeltaSlice(t, serial.Values, res.Values, 1.e-8, method+" "+mode)
			assert.InDelta(t, serial.Integral, res.Integral, 1.e-8)
			assert.Equal(t, serial.Steps, res.Steps)
		}
	}
}

func TestCaseErrors(t *testing.T) {
	{
		name, err := selectField(map[string]InputParameters.FieldParameters{"C": {}})
		require.NoError(t, err)
		assert.Equal(t, "C", name)
		_, err = selectField(map[string]InputParameters.FieldParameters{"A": {}, "B": {}})
		assert.Error(t, err)
	}
	{ // Initial values must match the cell count
		cc := laplaceCase()
		cc.internal = "[1, 2, 3, 4]"
		text := fmt.Sprintf(channel, cc.ddt, cc.endTime, cc.deltaT, cc.div, cc.gamma, cc.u, cc.source,
			cc.relax, cc.outer, cc.solver, cc.n, cc.internal, cc.left, cc.right, cc.ranks, cc.method, cc.mode)
		var cp InputParameters.CaseParameters
		require.NoError(t, cp.Parse([]byte(text)))
		m, err := LoadMesh(&cp, "")
		require.NoError(t, err)
		_, err = New(&cp, m)
		assert.Error(t, err)
	}
	{ // A patch without a condition fails on every rank
		cc := laplaceCase()
		cc.ranks = 2
		tp := cc.transport(t)
		delete(tp.spec.Boundary, "right")
		_, err := tp.Run(context.Background())
		assert.Error(t, err)
	}
	{
		var cp InputParameters.CaseParameters
		_, err := LoadMesh(&cp, "")
		assert.Error(t, err)
		_, err = LoadMesh(&cp, "mesh.msh")
		assert.Error(t, err)
	}
}

func TestLoadMeshGeometry(t *testing.T) {
	cc := laplaceCase()
	tp := cc.transport(t)
	m := tp.Mesh
	assert.Equal(t, cc.n, m.NCells())
	p, ok := m.PatchByName("frontAndBack")
	require.True(t, ok)
	assert.Equal(t, mesh.PatchEmpty, p.Type)
	geo := geometry.New(m)
	var vol float64
	for _, v := range geo.CellVolumes() {
		vol += v
	}
	assert.InDelta(t, 1, vol, 1.e-12)
}
