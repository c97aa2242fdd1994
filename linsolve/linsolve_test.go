package linsolve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/gofvm/parallel"
)

// poisson1D is -T'' = 0 on n cells with T=1 on the left and T=0 on the
// right, plus a convection term of strength pe when asymmetric
func poisson1D(n int, pe float64) *Request {
	req := &Request{Field: "T", Diag: make([]float64, n), Source: make([]float64, n)}
	for f := 0; f < n-1; f++ {
		req.Owner = append(req.Owner, f)
		req.Neighbour = append(req.Neighbour, f+1)
		req.Upper = append(req.Upper, -1+0.5*pe)
		req.Diag[f] += 1 + 0.5*pe
		req.Diag[f+1] += 1 - 0.5*pe
	}
	if pe != 0 {
		req.Lower = make([]float64, n-1)
		for f := range req.Lower {
			req.Lower[f] = -1 - 0.5*pe
		}
	}
	// Boundary faces at half a cell distance
	req.Diag[0] += 2 + pe
	req.Source[0] += 2 + pe
	req.Diag[n-1] += 2
	return req
}

func exact(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = 1 - (float64(i)+0.5)/float64(n)
	}
	return x
}

func TestSolvers(t *testing.T) {
	ctx := context.Background()
	want := exact(10)
	for _, name := range []string{"PCG", "PBiCGStab", "GaussSeidel", "Direct"} {
		c := DefaultControls()
		c.Name = name
		c.Tolerance = 1.e-12
		c.MaxIter = 5000
		s, err := New(c)
		require.NoError(t, err)
		resp, err := s.Solve(ctx, poisson1D(10, 0))
		require.NoError(t, err, name)
		assert.True(t, resp.Converged, name)
		assert.Greater(t, resp.InitialResidual, resp.Residual)
		for i := range want {
			assert.InDelta(t, want[i], resp.X[i], 1.e-9, "%s cell %d", name, i)
		}
	}
	{ // Asymmetric systems agree with the direct solution
		d, err := Direct{}.Solve(ctx, poisson1D(12, 0.8))
		require.NoError(t, err)
		for _, name := range []string{"PBiCGStab", "GaussSeidel"} {
			s, err := New(Controls{Name: name, Tolerance: 1.e-13, MaxIter: 10000})
			require.NoError(t, err)
			resp, err := s.Solve(ctx, poisson1D(12, 0.8))
			require.NoError(t, err)
			require.True(t, resp.Converged, name)
			for i := range d.X {
				assert.InDelta(t, d.X[i], resp.X[i], 1.e-9, name)
			}
		}
	}
	{
		_, err := New(Controls{Name: "GAMG"})
		assert.Error(t, err)
		_, err = New(Controls{Name: "PCG", Preconditioner: "DIC"})
		assert.Error(t, err)
	}
}

func TestNonConvergence(t *testing.T) {
	s, err := New(Controls{Name: "GaussSeidel", Tolerance: 1.e-14, MaxIter: 2})
	require.NoError(t, err)
	resp, err := s.Solve(context.Background(), poisson1D(20, 0))
	require.NoError(t, err)
	assert.False(t, resp.Converged)
	assert.Equal(t, 2, resp.Iterations)
	var e error = &NonConvergenceError{Solver: s.Name(), Field: "T", Residual: resp.Residual, Iterations: 2}
	assert.ErrorIs(t, e, ErrSolverNonConvergence)
	var nc *NonConvergenceError
	require.True(t, errors.As(e, &nc))
	assert.Equal(t, resp.Residual, nc.Residual)
}

func TestAlreadyConverged(t *testing.T) {
	req := poisson1D(6, 0)
	req.X0 = exact(6)
	resp, err := (&PCG{DefaultControls()}).Solve(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Converged)
	assert.Zero(t, resp.Iterations)
}

// A start within 1e-13 of the solution makes the Krylov products far
// smaller than Small while the normalised residual is still well above the
// tolerance
func TestNearlyConverged(t *testing.T) {
	const n = 10
	want := exact(n)
	for _, name := range []string{"PCG", "PBiCGStab"} {
		req := poisson1D(n, 0)
		req.X0 = make([]float64, n)
		for i := range req.X0 {
			req.X0[i] = want[i] + 1.e-13
			if i%2 == 1 {
				req.X0[i] -= 2.e-13
			}
		}
		s, err := New(Controls{Name: name, Tolerance: 1.e-15, MaxIter: 1000})
		require.NoError(t, err)
		resp, err := s.Solve(context.Background(), req)
		require.NoError(t, err, name)
		assert.Greater(t, resp.InitialResidual, 1.e-13, name)
		assert.True(t, resp.Converged, name)
		assert.Positive(t, resp.Iterations, name)
		for i := range want {
			assert.InDelta(t, want[i], resp.X[i], 1.e-12, "%s cell %d", name, i)
		}
	}
}

func TestCyclicInterface(t *testing.T) {
	// A periodic ring of 4 cells: the wrap-around face is an interface
	req := &Request{
		Diag:      []float64{3, 2, 2, 3},
		Source:    []float64{1, 0, 0, 1},
		Owner:     []int{0, 1, 2},
		Neighbour: []int{1, 2, 3},
		Upper:     []float64{-1, -1, -1},
	}
	// The extra 1 on the ends keeps the ring non-singular
	ring := []Interface{
		{Name: "left", FaceCells: []int{0}, Coeffs: []float64{-1}, NeighbourCells: []int{3}},
		{Name: "right", FaceCells: []int{3}, Coeffs: []float64{-1}, NeighbourCells: []int{0}},
	}
	for i := range ring {
		nbr := ring[i].NeighbourCells
		ring[i].Update = func(_ context.Context, x []float64) ([]float64, error) {
			out := make([]float64, len(nbr))
			for k, c := range nbr {
				out[k] = x[c]
			}
			return out, nil
		}
	}
	req.Interfaces = ring
	d, err := Direct{}.Solve(context.Background(), req)
	require.NoError(t, err)
	// Symmetric solution, all cells equal 1
	for _, v := range d.X {
		assert.InDelta(t, 1., v, 1.e-12)
	}
	csr, err := req.ToCSR()
	require.NoError(t, err)
	assert.Equal(t, -1., csr.At(0, 3))
	resp, err := (&PCG{Controls{Tolerance: 1.e-12, MaxIter: 100}}).Solve(context.Background(), req)
	require.NoError(t, err)
	for i := range d.X {
		assert.InDelta(t, d.X[i], resp.X[i], 1.e-10)
	}
	req.Interfaces[0].NeighbourCells = nil
	_, err = req.ToCSR()
	assert.Error(t, err)
}

// TestProcessorInterface splits the 1-D problem over two ranks. The face
// between cells 4 and 5 becomes an interface whose neighbour values arrive
// by halo exchange.
func TestProcessorInterface(t *testing.T) {
	const n = 10
	global := poisson1D(n, 0)
	want := exact(n)
	for _, name := range []string{"PCG", "PBiCGStab", "GaussSeidel"} {
		w, err := parallel.NewWorld(2, parallel.DefaultTuning())
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var (
			mu  sync.Mutex
			sol = make([]float64, n)
		)
		err = w.Run(ctx, func(ctx context.Context, comm parallel.Communicator) error {
			var (
				rank  = comm.Rank()
				start = rank * n / 2
				req   = &Request{Comm: comm}
			)
			req.Diag = append(req.Diag, global.Diag[start:start+n/2]...)
			req.Source = append(req.Source, global.Source[start:start+n/2]...)
			for f := 0; f < n/2-1; f++ {
				req.Owner = append(req.Owner, f)
				req.Neighbour = append(req.Neighbour, f+1)
				req.Upper = append(req.Upper, -1)
			}
			faceCell := n/2 - 1
			if rank == 1 {
				faceCell = 0
			}
			req.Interfaces = []Interface{{
				Name:      "proc",
				FaceCells: []int{faceCell},
				Coeffs:    []float64{-1},
				Update: func(ctx context.Context, x []float64) ([]float64, error) {
					h := &parallel.Halo{NeighbourRank: 1 - rank, Send: []float64{x[faceCell]}}
					if err := parallel.Exchange(ctx, comm, 7, []*parallel.Halo{h}, parallel.Scheduled); err != nil {
						return nil, err
					}
					return h.Recv, nil
				},
			}}
			s, err := New(Controls{Name: name, Tolerance: 1.e-12, MaxIter: 5000})
			if err != nil {
				return err
			}
			resp, err := s.Solve(ctx, req)
			if err != nil {
				return err
			}
			if !resp.Converged {
				return fmt.Errorf("rank %d did not converge: %g", rank, resp.Residual)
			}
			mu.Lock()
			copy(sol[start:], resp.X)
			mu.Unlock()
			return nil
		})
		cancel()
		require.NoError(t, err, name)
		for i := range want {
			assert.InDelta(t, want[i], sol[i], 1.e-9, "%s cell %d", name, i)
		}
	}
	{ // The direct solver refuses decomposed systems
		w, err := parallel.NewWorld(2, parallel.DefaultTuning())
		require.NoError(t, err)
		err = w.Run(context.Background(), func(ctx context.Context, comm parallel.Communicator) error {
			_, err := Direct{}.Solve(ctx, &Request{Comm: comm})
			return err
		})
		assert.Error(t, err)
	}
}
