package linsolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

// Direct factorises the assembled system with a dense LU decomposition. It
// is meant for small serial systems and for checking the iterative solvers.
type Direct struct{}

func (Direct) Name() string { return "Direct" }

// ToCSR assembles the request into compressed sparse rows. Cyclic
// interfaces are folded in; processor interfaces cannot be.
func (req *Request) ToCSR() (*sparse.CSR, error) {
	if err := req.check(); err != nil {
		return nil, err
	}
	var (
		n     = len(req.Diag)
		lower = req.lower()
		dok   = sparse.NewDOK(n, n)
		add   = func(i, j int, v float64) { dok.Set(i, j, dok.At(i, j)+v) }
	)
	for c, d := range req.Diag {
		add(c, c, d)
	}
	for f, own := range req.Owner {
		nbr := req.Neighbour[f]
		add(own, nbr, req.Upper[f])
		add(nbr, own, lower[f])
	}
	for _, ifc := range req.Interfaces {
		if ifc.NeighbourCells == nil {
			return nil, fmt.Errorf("interface %s couples to another rank", ifc.Name)
		}
		for i, c := range ifc.FaceCells {
			add(c, ifc.NeighbourCells[i], ifc.Coeffs[i])
		}
	}
	return dok.ToCSR(), nil
}

func (d Direct) Solve(ctx context.Context, req *Request) (*Response, error) {
	if req.Comm != nil && req.Comm.Size() > 1 {
		return nil, fmt.Errorf("%s solver is serial only, have %d ranks", d.Name(), req.Comm.Size())
	}
	csr, err := req.ToCSR()
	if err != nil {
		return nil, err
	}
	var (
		n = len(req.Diag)
		x = req.x0()
		r = make([]float64, n)
	)
	rd := &reducer{ctx: ctx, comm: req.comm()}
	nf, err := req.normFactor(ctx, rd, x)
	if err != nil {
		return nil, err
	}
	if err = req.residual(ctx, x, r); err != nil {
		return nil, err
	}
	resp := &Response{X: x, InitialResidual: rd.sumMag(r) / nf}
	if n == 0 {
		resp.Converged = true
		return resp, nil
	}
	var (
		lu  mat.LU
		sol mat.VecDense
	)
	lu.Factorize(mat.DenseCopyOf(csr))
	err = lu.SolveVecTo(&sol, false, mat.NewVecDense(n, append([]float64(nil), req.Source...)))
	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return nil, fmt.Errorf("%s: %w", d.Name(), err)
	}
	copy(x, sol.RawVector().Data)
	if err = req.residual(ctx, x, r); err != nil {
		return nil, err
	}
	resp.Residual = rd.sumMag(r) / nf
	resp.Iterations = 1
	resp.Converged = true
	return resp, rd.err
}
