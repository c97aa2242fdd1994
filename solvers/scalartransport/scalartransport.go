// Package scalartransport solves the transport of one passive scalar,
//
//	ddt(T) + div(phi, T) - laplacian(gamma, T) == S
//
// on a fixed mesh, serially or decomposed across in-process ranks.
package scalartransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/notargets/gofvm/InputParameters"
	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/fvc"
	"github.com/notargets/gofvm/fvm"
	"github.com/notargets/gofvm/fvmatrix"
	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/linsolve"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/mesh/partition"
	"github.com/notargets/gofvm/parallel"
	"github.com/notargets/gofvm/schemes"
	"github.com/notargets/gofvm/types"
)

// DefaultField is the name of the transported scalar when the case defines
// more than one field
const DefaultField = "T"

type Transport struct {
	Case      *InputParameters.CaseParameters
	Mesh      *mesh.Mesh
	FieldName string
	Logger    *slog.Logger
	// Quiet suppresses the progress table
	Quiet bool

	spec   field.Spec[float64]
	scheme schemes.Scheme
}

// Result is the solution gathered into the cell order of the undecomposed mesh
type Result struct {
	Values        []float64
	Time          float64
	Steps         int
	Integral      float64 // Volume integral of the scalar over the domain
	Max           float64
	Performance   []fvmatrix.SolverPerformance // Last solve of rank 0
	NotConverged  int                          // Solves that stopped at MaxIter
	Elapsed       time.Duration
	Decomposition *mesh.DecompositionMap // nil for serial runs
}

// LoadMesh builds the mesh of a case: file overrides the case's mesh file,
// without either the case must describe a box
func LoadMesh(cp *InputParameters.CaseParameters, file string) (*mesh.Mesh, error) {
	if file == "" {
		file = cp.Mesh.File
	}
	if file != "" {
		return mesh.ReadMeshFile(file)
	}
	if cp.Mesh.Box == nil {
		return nil, fmt.Errorf("case %q has neither a mesh file nor a box", cp.Title)
	}
	return mesh.NewBox(cp.Mesh.Box.BoxSpec())
}

func New(cp *InputParameters.CaseParameters, m *mesh.Mesh) (t *Transport, err error) {
	if err = cp.Validate(); err != nil {
		return nil, fmt.Errorf("invalid case: %w", err)
	}
	t = &Transport{
		Case:   cp,
		Mesh:   m,
		Logger: slog.Default().With("component", "scalartransport"),
	}
	if t.FieldName, err = selectField(cp.Fields); err != nil {
		return nil, err
	}
	if t.spec, err = InputParameters.FieldSpec[float64](cp.Fields[t.FieldName], types.Scalar{}); err != nil {
		return nil, fmt.Errorf("field %s: %w", t.FieldName, err)
	}
	if n := len(t.spec.Internal); n > 1 && n != m.NCells() {
		return nil, fmt.Errorf("field %s: %d initial values for %d cells", t.FieldName, n, m.NCells())
	}
	if t.scheme, err = schemes.New(cp.Schemes.Div); err != nil {
		return nil, err
	}
	return
}

func selectField(fields map[string]InputParameters.FieldParameters) (string, error) {
	if _, ok := fields[DefaultField]; ok {
		return DefaultField, nil
	}
	if len(fields) == 1 {
		for name := range fields {
			return name, nil
		}
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return "", fmt.Errorf("cannot choose the transported field among %v, name one %q", names, DefaultField)
}

// Partition assigns cells to ranks with the case's decomposition method
func (t *Transport) Partition() (cellToRank []int, err error) {
	n := t.Case.Decomposition.Ranks
	switch t.Case.Decomposition.Method {
	case "metis":
		mp := partition.NewMeshPartitioner(t.Mesh, partition.DefaultPartitionConfig(int32(n)))
		mp.Logger = t.Logger
		return mp.Partition()
	default:
		return mesh.SimplePartition(t.Mesh, n)
	}
}

// Run integrates from StartTime to EndTime. A decomposed run executes one
// goroutine per rank; the first failing rank aborts all of them.
func (t *Transport) Run(ctx context.Context) (res *Result, err error) {
	var (
		cp    = t.Case
		start = time.Now()
	)
	if cp.Decomposition.Ranks == 1 {
		var rr *rankResult
		if rr, err = t.runRank(ctx, parallel.Serial(), t.Mesh, t.spec); err != nil {
			return nil, err
		}
		res = rr.result()
		res.Values = rr.values
		res.Elapsed = time.Since(start)
		t.printFinal(res)
		return
	}
	cellToRank, err := t.Partition()
	if err != nil {
		return nil, err
	}
	parts, dm, err := mesh.Decompose(t.Mesh, cellToRank, cp.Decomposition.Ranks)
	if err != nil {
		return nil, err
	}
	world, err := parallel.NewWorld(cp.Decomposition.Ranks, cp.Tuning())
	if err != nil {
		return nil, err
	}
	world.Logger = t.Logger.With("world", world.ID())
	specs := t.distributeSpec(dm)
	local := make([]*rankResult, world.Size())
	err = world.Run(ctx, func(ctx context.Context, comm parallel.Communicator) (err error) {
		r := comm.Rank()
		local[r], err = t.runRank(ctx, comm, parts[r], specs[r])
		return
	})
	if err != nil {
		return nil, err
	}
	values := make([][]float64, len(local))
	for r, rr := range local {
		values[r] = rr.values
	}
	res = local[0].result()
	res.Values = mesh.ReconstructCells(dm, values)
	res.Decomposition = dm
	res.Elapsed = time.Since(start)
	t.printFinal(res)
	return
}

// distributeSpec scatters a per-cell initial condition to the ranks
func (t *Transport) distributeSpec(dm *mesh.DecompositionMap) (specs []field.Spec[float64]) {
	specs = make([]field.Spec[float64], dm.NRanks)
	var local [][]float64
	if len(t.spec.Internal) > 1 {
		local = mesh.DistributeCells(dm, t.spec.Internal)
	}
	for r := range specs {
		specs[r].Boundary = t.spec.Boundary
		if local != nil {
			specs[r].Internal = local[r]
		} else {
			specs[r].Internal = t.spec.Internal
		}
	}
	return
}

type rankResult struct {
	values       []float64
	time         float64
	steps        int
	integral     float64
	max          float64
	perf         []fvmatrix.SolverPerformance
	notConverged int
}

func (rr *rankResult) result() *Result {
	return &Result{
		Time:         rr.time,
		Steps:        rr.steps,
		Integral:     rr.integral,
		Max:          rr.max,
		Performance:  rr.perf,
		NotConverged: rr.notConverged,
	}
}

// runRank is the time loop of one rank on its sub-mesh. Every rank executes
// the same sequence of collective operations.
func (t *Transport) runRank(ctx context.Context, comm parallel.Communicator, m *mesh.Mesh,
	spec field.Spec[float64]) (rr *rankResult, err error) {
	var (
		cp     = t.Case
		master = comm.Rank() == 0
		log    = t.Logger.With("rank", comm.Rank())
		geo    = geometry.New(m)
		ec     = &field.EvalContext{Time: cp.StartTime, DeltaT: cp.DeltaT, Comm: comm, Log: log}
		gamma  = fvc.UniformGamma(cp.Diffusivity)
		T      *field.Field[float64]
		solver linsolve.Solver
	)
	if ec.Mode, err = parallel.ParseMode(cp.Decomposition.Mode); err != nil {
		return
	}
	if err = field.SyncCoupledGeometry(ctx, comm, m, geo, ec.Mode); err != nil {
		return
	}
	for _, d := range geo.Degenerate() {
		log.Warn("degenerate geometry", "kind", d.Kind, "index", d.Index)
	}
	if T, err = field.New[float64](t.FieldName, geo, types.Scalar{}, spec, nil); err != nil {
		return
	}
	T.Log = log.With("field", t.FieldName)
	if err = T.EvaluateBoundaries(ctx, ec); err != nil {
		return
	}
	if solver, err = linsolve.New(cp.Solver); err != nil {
		return
	}
	var (
		phi    = fvc.UniformFlux(geo, cp.VelocityVec())
		source = make([]float64, m.NCells())
	)
	for c := range source {
		source[c] = cp.Source
	}
	rr = &rankResult{time: cp.StartTime}
	if master {
		t.printInitialization()
	}
	for !t.finished(rr.time) {
		rr.time += cp.DeltaT
		rr.steps++
		ec.Time = rr.time
		if !cp.Steady() {
			T.StoreOldTime()
		}
		if err = T.EvaluateBoundaries(ctx, ec); err != nil {
			return
		}
		var initial float64
		for outer := 0; outer < cp.OuterIterations; outer++ {
			var perf []fvmatrix.SolverPerformance
			if perf, err = t.solveOnce(ctx, T, phi, gamma, source, solver, ec); err != nil {
				var nc *linsolve.NonConvergenceError
				if !errors.As(err, &nc) {
					return
				}
				log.Warn("solver did not converge", "time", rr.time, "outer", outer,
					"residual", nc.Residual, "iterations", nc.Iterations)
				rr.notConverged++
				err = nil
			}
			rr.perf = perf
			if outer == 0 {
				initial = perf[0].InitialResidual
			}
			if outer > 0 && perf[0].InitialResidual < cp.Solver.Tolerance {
				break
			}
		}
		if master && (rr.steps%cp.WriteInterval == 0 || t.finished(rr.time) || rr.steps == 1) {
			t.printUpdate(rr, initial)
		}
	}
	if rr.integral, err = fvc.DomainIntegrate(ctx, comm, T); err != nil {
		return
	}
	if rr.max, err = fvc.GlobalMax(ctx, comm, T); err != nil {
		return
	}
	rr.values = append([]float64(nil), T.Internal...)
	return
}

// solveOnce assembles and solves one linearisation about the current values
func (t *Transport) solveOnce(ctx context.Context, T *field.Field[float64], phi []float64, gamma fvc.Gamma,
	source []float64, solver linsolve.Solver, ec *field.EvalContext) (perf []fvmatrix.SolverPerformance, err error) {
	cp := t.Case
	T.StorePrevIter()
	eqn, err := fvm.Ddt(T, cp.DeltaT, cp.DdtScheme)
	if err != nil {
		return
	}
	convection, err := fvm.Div(phi, T, t.scheme)
	if err != nil {
		return
	}
	diffusion, err := fvm.Laplacian(gamma, T, cp.Schemes.NonOrthogonalCorrection)
	if err != nil {
		return
	}
	if err = eqn.Add(convection); err != nil {
		return
	}
	if err = eqn.Sub(diffusion); err != nil {
		return
	}
	if err = eqn.AddExplicit(source); err != nil {
		return
	}
	if err = eqn.Relax(cp.Relaxation); err != nil {
		return
	}
	return eqn.Solve(ctx, solver, ec)
}

func (t *Transport) finished(time float64) bool {
	return time >= t.Case.EndTime-1.e-9*t.Case.DeltaT
}

func (t *Transport) printInitialization() {
	if t.Quiet {
		return
	}
	cp := t.Case
	fmt.Printf("Solving for [%s] on %d cells, %d rank(s)\n", t.FieldName, t.Mesh.NCells(), cp.Decomposition.Ranks)
	if cp.Steady() {
		fmt.Printf("Steady state, %d outer iterations\n", cp.OuterIterations)
		fmt.Printf("    iter")
	} else {
		fmt.Printf("Solving until finaltime = %8.5f\n", cp.EndTime)
		fmt.Printf("    iter    time")
	}
	fmt.Printf("       Res0       ResN   Iters\n")
}

func (t *Transport) printUpdate(rr *rankResult, initial float64) {
	if t.Quiet || len(rr.perf) == 0 {
		return
	}
	format := "%11.4e"
	fmt.Printf("%8d", rr.steps)
	if !t.Case.Steady() {
		fmt.Printf("%8.5f", rr.time)
	}
	fmt.Printf(format, initial)
	fmt.Printf(format, rr.perf[0].FinalResidual)
	fmt.Printf("%8d\n", rr.perf[0].Iterations)
}

func (t *Transport) printFinal(res *Result) {
	if t.Quiet || res.Steps == 0 {
		return
	}
	rate := float64(res.Elapsed.Microseconds()) / float64(t.Mesh.NCells()*res.Steps)
	fmt.Printf("\nRate of execution = %8.5f us/(cell*iteration) over %d iterations\n", rate, res.Steps)
	fmt.Printf("Integral = %g, Max = %g\n", res.Integral, res.Max)
	if res.NotConverged > 0 {
		fmt.Printf("%d solves stopped before convergence\n", res.NotConverged)
	}
	if math.IsNaN(res.Integral) {
		t.Logger.Error("solution diverged", "field", t.FieldName)
	}
}
