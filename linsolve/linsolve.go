// Package linsolve solves the LDU systems assembled by fvmatrix. Systems
// are addressed by cell with one coefficient pair per internal face; values
// across coupled patches enter through interfaces.
package linsolve

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/gofvm/parallel"
)

const (
	// Small guards the division in residual normalisation
	Small = 1.e-20
	// VSmall is the singularity threshold of normalised Krylov products
	VSmall = 1.e-300
)

var ErrSolverNonConvergence = errors.New("solver did not converge")

// NonConvergenceError reports the residual reached when a solve ran out of
// iterations. It is recoverable: the solution is the last iterate.
type NonConvergenceError struct {
	Solver, Field string
	Residual      float64
	Iterations    int
}

func (e *NonConvergenceError) Error() string {
	return fmt.Sprintf("%s on %s: %v after %d iterations, residual %g",
		e.Solver, e.Field, ErrSolverNonConvergence, e.Iterations, e.Residual)
}

func (e *NonConvergenceError) Unwrap() error { return ErrSolverNonConvergence }

// Interface couples the face cells of one patch to cells across it. Row
// FaceCells[i] holds Coeffs[i] times the neighbour value of face i.
type Interface struct {
	Name      string
	FaceCells []int
	Coeffs    []float64
	// NeighbourCells are the local cells across a cyclic patch, nil when the
	// neighbours live on another rank
	NeighbourCells []int
	// Update returns the neighbour value of every face for the iterate x
	Update func(ctx context.Context, x []float64) ([]float64, error)
}

// Request is one scalar system A.x = Source. Upper[f] multiplies
// x[Neighbour[f]] in row Owner[f], Lower[f] multiplies x[Owner[f]] in row
// Neighbour[f].
type Request struct {
	Field      string
	Diag       []float64
	Lower      []float64
	Upper      []float64
	Source     []float64
	Owner      []int
	Neighbour  []int
	Interfaces []Interface
	X0         []float64
	// Comm carries the global reductions, nil for a serial system
	Comm parallel.Communicator
}

type Response struct {
	X               []float64
	InitialResidual float64
	Residual        float64
	Iterations      int
	Converged       bool
}

type Solver interface {
	Name() string
	Solve(ctx context.Context, req *Request) (*Response, error)
}

// Controls select and tune a solver
type Controls struct {
	Name           string  `json:"name"`
	Preconditioner string  `json:"preconditioner,omitempty"`
	Tolerance      float64 `json:"tolerance"`
	RelTol         float64 `json:"relTol"`
	MaxIter        int     `json:"maxIter"`
	MinIter        int     `json:"minIter,omitempty"`
}

func DefaultControls() Controls {
	return Controls{Name: "PCG", Preconditioner: "diagonal", Tolerance: 1.e-8, MaxIter: 1000}
}

// converged tests residual res against the absolute and relative tolerances
func (c Controls) converged(res, initial float64, iter int) bool {
	if iter < c.MinIter {
		return false
	}
	return res < c.Tolerance || (c.RelTol > 0 && res < c.RelTol*initial)
}

// New selects a solver by name: PCG, PBiCGStab, GaussSeidel or Direct
func New(c Controls) (Solver, error) {
	if c.MaxIter <= 0 {
		c.MaxIter = DefaultControls().MaxIter
	}
	if c.Tolerance < 0 || c.RelTol < 0 {
		return nil, fmt.Errorf("solver tolerances must be non-negative")
	}
	switch strings.ToLower(c.Preconditioner) {
	case "", "diagonal", "none":
	default:
		return nil, fmt.Errorf("unknown preconditioner %q", c.Preconditioner)
	}
	switch strings.ToLower(c.Name) {
	case "pcg":
		return &PCG{c}, nil
	case "pbicgstab":
		return &PBiCGStab{c}, nil
	case "gaussseidel":
		return &GaussSeidel{c}, nil
	case "direct":
		return &Direct{}, nil
	}
	return nil, fmt.Errorf("unknown linear solver %q", c.Name)
}

func (req *Request) check() error {
	n := len(req.Diag)
	if len(req.Source) != n {
		return fmt.Errorf("%d sources for %d cells", len(req.Source), n)
	}
	nf := len(req.Owner)
	if len(req.Neighbour) != nf || len(req.Upper) != nf || (req.Lower != nil && len(req.Lower) != nf) {
		return fmt.Errorf("face addressing and coefficient lengths differ")
	}
	if req.X0 != nil && len(req.X0) != n {
		return fmt.Errorf("%d initial values for %d cells", len(req.X0), n)
	}
	for _, ifc := range req.Interfaces {
		if len(ifc.FaceCells) != len(ifc.Coeffs) {
			return fmt.Errorf("interface %s: %d coefficients for %d faces", ifc.Name, len(ifc.Coeffs), len(ifc.FaceCells))
		}
	}
	return nil
}

func (req *Request) lower() []float64 {
	if req.Lower == nil {
		return req.Upper
	}
	return req.Lower
}

func (req *Request) comm() parallel.Communicator {
	if req.Comm == nil {
		return parallel.Serial()
	}
	return req.Comm
}

func (req *Request) x0() []float64 {
	x := make([]float64, len(req.Diag))
	if req.X0 != nil {
		copy(x, req.X0)
	}
	return x
}

// Amul computes y = A.x including the interface contributions
func (req *Request) Amul(ctx context.Context, x, y []float64) error {
	lower := req.lower()
	for c := range y {
		y[c] = req.Diag[c] * x[c]
	}
	for f, own := range req.Owner {
		nbr := req.Neighbour[f]
		y[own] += req.Upper[f] * x[nbr]
		y[nbr] += lower[f] * x[own]
	}
	return req.addInterfaces(ctx, x, y, 1)
}

// addInterfaces adds sign times the interface terms for iterate x to y
func (req *Request) addInterfaces(ctx context.Context, x, y []float64, sign float64) error {
	for _, ifc := range req.Interfaces {
		nbr, err := ifc.Update(ctx, x)
		if err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
		for i, c := range ifc.FaceCells {
			y[c] += sign * ifc.Coeffs[i] * nbr[i]
		}
	}
	return nil
}

// sumA is the row sum of A, interfaces included
func (req *Request) sumA() []float64 {
	var (
		lower = req.lower()
		s     = append([]float64(nil), req.Diag...)
	)
	for f, own := range req.Owner {
		s[own] += req.Upper[f]
		s[req.Neighbour[f]] += lower[f]
	}
	for _, ifc := range req.Interfaces {
		for i, c := range ifc.FaceCells {
			s[c] += ifc.Coeffs[i]
		}
	}
	return s
}

// residual sets r = b - A.x
func (req *Request) residual(ctx context.Context, x, r []float64) error {
	if err := req.Amul(ctx, x, r); err != nil {
		return err
	}
	for c := range r {
		r[c] = req.Source[c] - r[c]
	}
	return nil
}

type reducer struct {
	ctx  context.Context
	comm parallel.Communicator
	err  error
}

func (rd *reducer) sum(v float64) float64 {
	if rd.err != nil {
		return 0
	}
	var s float64
	s, rd.err = parallel.GlobalReduce(rd.ctx, rd.comm, v, parallel.Sum)
	return s
}

func (rd *reducer) sumMag(a []float64) float64 {
	var s float64
	for _, v := range a {
		s += math.Abs(v)
	}
	return rd.sum(s)
}

func (rd *reducer) dot(a, b []float64) float64 {
	if len(a) == 0 {
		return rd.sum(0)
	}
	return rd.sum(floats.Dot(a, b))
}

// normFactor scales residuals so they are independent of the size and the
// level of the solution, as Σ|Ax - A.xRef| + |b - A.xRef| with xRef the
// mean of x
func (req *Request) normFactor(ctx context.Context, rd *reducer, x []float64) (float64, error) {
	var (
		n    = len(x)
		ax   = make([]float64, n)
		sumA = req.sumA()
	)
	if err := req.Amul(ctx, x, ax); err != nil {
		return 0, err
	}
	total := rd.sum(floats.Sum(x))
	count := rd.sum(float64(n))
	if rd.err != nil {
		return 0, rd.err
	}
	var xRef float64
	if count > 0 {
		xRef = total / count
	}
	var nf float64
	for c := range x {
		pA := sumA[c] * xRef
		nf += math.Abs(ax[c]-pA) + math.Abs(req.Source[c]-pA)
	}
	nf = rd.sum(nf) + Small
	return nf, rd.err
}

// preconditioner returns the inverse diagonal, or ones
func (c Controls) preconditioner(diag []float64) (rD []float64, err error) {
	rD = make([]float64, len(diag))
	for i, d := range diag {
		if strings.EqualFold(c.Preconditioner, "none") {
			rD[i] = 1
			continue
		}
		if d == 0 {
			return nil, fmt.Errorf("zero diagonal in row %d", i)
		}
		rD[i] = 1 / d
	}
	return
}

func setup(ctx context.Context, req *Request) (x, r []float64, rd *reducer, nf, res float64, err error) {
	if err = req.check(); err != nil {
		return
	}
	x = req.x0()
	r = make([]float64, len(x))
	rd = &reducer{ctx: ctx, comm: req.comm()}
	if nf, err = req.normFactor(ctx, rd, x); err != nil {
		return
	}
	if err = req.residual(ctx, x, r); err != nil {
		return
	}
	res = rd.sumMag(r) / nf
	err = rd.err
	return
}
