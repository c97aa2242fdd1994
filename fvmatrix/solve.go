package fvmatrix

import (
	"context"
	"fmt"

	"github.com/james-bowman/sparse"

	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/linsolve"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
)

// TagInterface is the message tag of interface updates during a solve
const TagInterface = 102

// SolverPerformance records the solution of one component
type SolverPerformance struct {
	Solver, Field   string
	Component       int
	InitialResidual float64
	FinalResidual   float64
	Iterations      int
	Converged       bool
}

func (sp SolverPerformance) String() string {
	return fmt.Sprintf("%s: Solving for %s[%d], Initial residual = %g, Final residual = %g, No Iterations %d",
		sp.Solver, sp.Field, sp.Component, sp.InitialResidual, sp.FinalResidual, sp.Iterations)
}

func (sp SolverPerformance) Print() { fmt.Println(sp.String()) }

// SolveRequest extracts the scalar system of component k for an external
// solver, the current field values being the initial guess
func (mx *Matrix[T]) SolveRequest(k int, ec *field.EvalContext) *linsolve.Request {
	var (
		f    = mx.Field
		m    = f.Mesh
		tr   = f.Traits
		src  = mx.totalSource()
		nInt = m.NInternalFaces()
		req  = &linsolve.Request{
			Field:     fmt.Sprintf("%s[%d]", f.Name, k),
			Diag:      mx.totalDiag(),
			Upper:     append([]float64(nil), mx.Upper...),
			Source:    make([]float64, len(src)),
			Owner:     m.OwnerAddr()[:nInt],
			Neighbour: m.NeighbourAddr(),
			X0:        f.Component(k),
		}
	)
	if mx.Lower != nil {
		req.Lower = append([]float64(nil), mx.Lower...)
	}
	for c, v := range src {
		req.Source[c] = tr.Component(v, k)
	}
	if ec != nil {
		req.Comm = ec.Comm
	}
	for p, coeffs := range mx.InterfaceCoeffs {
		if coeffs == nil {
			continue
		}
		req.Interfaces = append(req.Interfaces, interfaceFor(m, p, coeffs, ec))
	}
	return req
}

func interfaceFor(m *mesh.Mesh, p int, coeffs []float64, ec *field.EvalContext) linsolve.Interface {
	var (
		patch = m.Patch(p)
		ifc   = linsolve.Interface{
			Name:      patch.Name,
			FaceCells: m.PatchFaceCells(p),
			Coeffs:    append([]float64(nil), coeffs...),
		}
	)
	if patch.Type == mesh.PatchCyclic {
		partner, _ := m.PatchByName(patch.NeighbourPatch)
		nbr := m.PatchFaceCells(partner.Index)
		ifc.NeighbourCells = nbr
		ifc.Update = func(_ context.Context, x []float64) ([]float64, error) {
			vals := make([]float64, len(nbr))
			for i, c := range nbr {
				vals[i] = x[c]
			}
			return vals, nil
		}
		return ifc
	}
	var (
		neighbourRank = patch.NeighbourRank
		remoteOrder   = patch.RemoteFaceOrder
		faceCells     = ifc.FaceCells
	)
	ifc.Update = func(ctx context.Context, x []float64) ([]float64, error) {
		if ec == nil || ec.Comm == nil {
			return nil, fmt.Errorf("processor interface %s needs a communicator", ifc.Name)
		}
		h := &parallel.Halo{
			NeighbourRank:   neighbourRank,
			Send:            make([]float64, len(faceCells)),
			RemoteFaceOrder: remoteOrder,
		}
		for i, c := range faceCells {
			h.Send[i] = x[c]
		}
		if err := parallel.Exchange(ctx, ec.Comm, TagInterface, []*parallel.Halo{h}, ec.Mode); err != nil {
			return nil, err
		}
		return h.Recv, nil
	}
	return ifc
}

// ToCSR assembles the coefficients into compressed sparse rows. Processor
// interfaces have no local column and make it fail.
func (mx *Matrix[T]) ToCSR() (*sparse.CSR, error) {
	return mx.SolveRequest(0, nil).ToCSR()
}

// Solve solves the system one component at a time, scatters each solution
// into the field and evaluates its boundaries. A component that does not
// converge leaves its last iterate in place and yields a
// *linsolve.NonConvergenceError after all components have been solved;
// every other error is fatal.
func (mx *Matrix[T]) Solve(ctx context.Context, solver linsolve.Solver, ec *field.EvalContext) (perf []SolverPerformance, err error) {
	f := mx.Field
	if mx.generation != f.Mesh.Generation() {
		return nil, fmt.Errorf("%w: system for %s predates the current mesh", ErrIncompatibleSystem, f.Name)
	}
	if ec == nil {
		ec = field.NewEvalContext()
	}
	var notConverged error
	for k := 0; k < f.Traits.NComponents(); k++ {
		req := mx.SolveRequest(k, ec)
		resp, e := solver.Solve(ctx, req)
		if e != nil {
			return perf, fmt.Errorf("solving %s: %w", req.Field, e)
		}
		if len(resp.X) != len(f.Internal) {
			return perf, fmt.Errorf("solver returned %d values for %d cells", len(resp.X), len(f.Internal))
		}
		f.SetComponentValues(k, resp.X)
		sp := SolverPerformance{
			Solver:          solver.Name(),
			Field:           f.Name,
			Component:       k,
			InitialResidual: resp.InitialResidual,
			FinalResidual:   resp.Residual,
			Iterations:      resp.Iterations,
			Converged:       resp.Converged,
		}
		perf = append(perf, sp)
		ec.Logger().Debug("solved", "field", f.Name, "component", k, "solver", sp.Solver,
			"initial", sp.InitialResidual, "final", sp.FinalResidual, "iterations", sp.Iterations)
		if !resp.Converged && notConverged == nil {
			notConverged = &linsolve.NonConvergenceError{
				Solver:     solver.Name(),
				Field:      req.Field,
				Residual:   resp.Residual,
				Iterations: resp.Iterations,
			}
		}
	}
	if err = f.EvaluateBoundaries(ctx, ec); err != nil {
		return perf, err
	}
	return perf, notConverged
}
