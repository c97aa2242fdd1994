package InputParameters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/field"
	"github.com/notargets/gofvm/fvm"
	"github.com/notargets/gofvm/linsolve"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/parallel"
	"github.com/notargets/gofvm/schemes"
	"github.com/notargets/gofvm/types"
)

// Parameters obtained from the YAML case file
type CaseParameters struct {
	Title           string                     `json:"Title"`
	StartTime       float64                    `json:"StartTime"`
	EndTime         float64                    `json:"EndTime"`
	DeltaT          float64                    `json:"DeltaT"`
	WriteInterval   int                        `json:"WriteInterval"`
	DdtScheme       string                     `json:"DdtScheme"` // Euler, backward, steadyState
	Schemes         SchemeParameters           `json:"Schemes"`
	Diffusivity     float64                    `json:"Diffusivity"`
	Velocity        [3]float64                 `json:"Velocity"` // Uniform convecting velocity
	Source          float64                    `json:"Source"`   // Uniform volumetric source
	Relaxation      float64                    `json:"Relaxation"`
	OuterIterations int                        `json:"OuterIterations"`
	Solver          linsolve.Controls          `json:"Solver"`
	Mesh            MeshParameters             `json:"Mesh"`
	Fields          map[string]FieldParameters `json:"Fields"`
	Decomposition   DecompositionParameters    `json:"Decomposition"`
}

type SchemeParameters struct {
	Div                     string `json:"Div"` // linear, upwind, "blended 0.75"
	NonOrthogonalCorrection bool   `json:"NonOrthogonalCorrection"`
}

// FieldParameters are the initial and boundary conditions of one field.
// Internal is a number, a component list, or one entry per cell.
type FieldParameters struct {
	Internal any                        `json:"Internal"`
	Boundary map[string]field.PatchSpec `json:"Boundary"`
}

// MeshParameters select a mesh file or, without one, a structured box
type MeshParameters struct {
	File string         `json:"File"`
	Box  *BoxParameters `json:"Box,omitempty"`
}

type BoxParameters struct {
	Cells   [3]int     `json:"Cells"`
	Origin  [3]float64 `json:"Origin"`
	Lengths [3]float64 `json:"Lengths"`
	// Sides in the order xMin, xMax, yMin, yMax, zMin, zMax
	Sides [6]SideParameters `json:"Sides"`
}

type SideParameters struct {
	Name           string `json:"Name"`
	Type           string `json:"Type"`
	NeighbourPatch string `json:"NeighbourPatch,omitempty"`
}

type DecompositionParameters struct {
	Ranks              int    `json:"Ranks"`
	Method             string `json:"Method"` // simple, metis
	Mode               string `json:"Mode"`   // blocking, scheduled, nonBlocking
	AllReduceThreshold int    `json:"AllReduceThreshold"`
	// Unset selects the default depth, zero an unbuffered transport
	BufferDepth *int `json:"BufferDepth,omitempty"`
}

func (cp *CaseParameters) Parse(data []byte) error {
	return yaml.Unmarshal(data, cp)
}

// Validate fills the documented defaults and rejects inconsistent settings
func (cp *CaseParameters) Validate() (err error) {
	if cp.DdtScheme == "" {
		cp.DdtScheme = fvm.Euler
	}
	if cp.DdtScheme, err = fvm.ParseDdtScheme(cp.DdtScheme); err != nil {
		return
	}
	if cp.Schemes.Div == "" {
		cp.Schemes.Div = "upwind"
	}
	if _, err = schemes.New(cp.Schemes.Div); err != nil {
		return
	}
	if cp.Steady() {
		if cp.DeltaT == 0 {
			cp.DeltaT = 1
		}
		if cp.EndTime <= cp.StartTime {
			cp.EndTime = cp.StartTime + cp.DeltaT
		}
	}
	switch {
	case cp.DeltaT <= 0:
		return fmt.Errorf("DeltaT must be positive, have %g", cp.DeltaT)
	case cp.EndTime <= cp.StartTime:
		return fmt.Errorf("EndTime %g must follow StartTime %g", cp.EndTime, cp.StartTime)
	case cp.Diffusivity < 0:
		return fmt.Errorf("Diffusivity must not be negative, have %g", cp.Diffusivity)
	}
	if cp.Relaxation == 0 {
		cp.Relaxation = 1
	}
	if cp.Relaxation < 0 || cp.Relaxation > 1 {
		return fmt.Errorf("Relaxation must be in (0,1], have %g", cp.Relaxation)
	}
	if cp.OuterIterations < 1 {
		cp.OuterIterations = 1
	}
	if cp.WriteInterval < 1 {
		cp.WriteInterval = 1
	}
	if cp.Solver.Name == "" {
		cp.Solver = linsolve.DefaultControls()
	}
	if _, err = linsolve.New(cp.Solver); err != nil {
		return
	}
	if cp.Mesh.File == "" && cp.Mesh.Box == nil {
		return fmt.Errorf("Mesh needs a File or a Box")
	}
	if b := cp.Mesh.Box; b != nil {
		for _, n := range b.Cells {
			if n < 1 {
				return fmt.Errorf("Box cell counts must be positive, have %v", b.Cells)
			}
		}
	}
	d := &cp.Decomposition
	if d.Ranks < 1 {
		d.Ranks = 1
	}
	if d.Method == "" {
		d.Method = "simple"
	}
	d.Method = strings.ToLower(d.Method)
	if d.Method != "simple" && d.Method != "metis" {
		return fmt.Errorf("unknown decomposition method %q", d.Method)
	}
	if d.Mode == "" {
		d.Mode = "blocking"
	}
	var mode parallel.Mode
	if mode, err = parallel.ParseMode(d.Mode); err != nil {
		return
	}
	if d.AllReduceThreshold < 1 {
		d.AllReduceThreshold = parallel.DefaultAllReduceThreshold
	}
	if d.BufferDepth == nil {
		depth := parallel.DefaultBufferDepth
		d.BufferDepth = &depth
	}
	if *d.BufferDepth < 0 {
		return fmt.Errorf("BufferDepth must not be negative, have %d", *d.BufferDepth)
	}
	if d.Ranks > 1 && mode == parallel.Blocking && *d.BufferDepth == 0 {
		return fmt.Errorf("blocking exchange needs a buffered transport, set BufferDepth or use Mode: scheduled")
	}
	return nil
}

func (cp *CaseParameters) Steady() bool { return cp.DdtScheme == fvm.SteadyState }

func (cp *CaseParameters) VelocityVec() r3.Vec {
	return r3.Vec{X: cp.Velocity[0], Y: cp.Velocity[1], Z: cp.Velocity[2]}
}

// Tuning is the transport configuration of the decomposed run
func (cp *CaseParameters) Tuning() parallel.Tuning {
	t := parallel.DefaultTuning()
	if cp.Decomposition.BufferDepth != nil {
		t.BufferDepth = *cp.Decomposition.BufferDepth
	}
	if cp.Decomposition.AllReduceThreshold > 0 {
		t.AllReduceThreshold = cp.Decomposition.AllReduceThreshold
	}
	return t
}

// BoxSpec converts the box parameters, unnamed sides become walls
func (bp *BoxParameters) BoxSpec() mesh.BoxSpec {
	bs := mesh.BoxSpec{
		NX: bp.Cells[0], NY: bp.Cells[1], NZ: bp.Cells[2],
		Origin:  r3.Vec{X: bp.Origin[0], Y: bp.Origin[1], Z: bp.Origin[2]},
		Lengths: r3.Vec{X: bp.Lengths[0], Y: bp.Lengths[1], Z: bp.Lengths[2]},
	}
	names := []string{"xMin", "xMax", "yMin", "yMax", "zMin", "zMax"}
	for i, s := range bp.Sides {
		side := mesh.BoxSide{Name: s.Name, Type: mesh.ParsePatchType(s.Type), NeighbourPatch: s.NeighbourPatch}
		if side.Name == "" {
			side.Name = names[i]
			side.Type = mesh.PatchWall
		}
		bs.Sides[i] = side
	}
	return bs
}

// FieldSpec turns field parameters into the initial condition of a field.
// A list with one entry per component is a uniform value, any other list
// holds one entry per cell.
func FieldSpec[T any](fp FieldParameters, tr types.Traits[T]) (spec field.Spec[T], err error) {
	spec.Boundary = fp.Boundary
	switch x := fp.Internal.(type) {
	case nil:
	case []any:
		if len(x) == tr.NComponents() {
			if v, e := field.ParseValue(tr, x); e == nil {
				spec.Internal = []T{v}
				return
			}
		}
		for i, e := range x {
			v, e2 := field.ParseValue(tr, e)
			if e2 != nil {
				return spec, fmt.Errorf("Internal[%d]: %w", i, e2)
			}
			spec.Internal = append(spec.Internal, v)
		}
	default:
		v, e := field.ParseValue(tr, x)
		if e != nil {
			return spec, fmt.Errorf("Internal: %w", e)
		}
		spec.Internal = []T{v}
	}
	return
}

func (cp *CaseParameters) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", cp.Title)
	fmt.Printf("%8.5f\t\t= StartTime\n", cp.StartTime)
	fmt.Printf("%8.5f\t\t= EndTime\n", cp.EndTime)
	fmt.Printf("%8.5f\t\t= DeltaT\n", cp.DeltaT)
	fmt.Printf("[%s]\t\t\t= Ddt Scheme\n", cp.DdtScheme)
	fmt.Printf("[%s]\t\t\t= Div Scheme\n", cp.Schemes.Div)
	fmt.Printf("[%v]\t\t\t= Non-Orthogonal Correction\n", cp.Schemes.NonOrthogonalCorrection)
	fmt.Printf("%8.5f\t\t= Diffusivity\n", cp.Diffusivity)
	fmt.Printf("%v\t\t= Velocity\n", cp.Velocity)
	fmt.Printf("%8.5f\t\t= Relaxation\n", cp.Relaxation)
	fmt.Printf("[%s] tol=%g relTol=%g maxIter=%d\t= Solver\n",
		cp.Solver.Name, cp.Solver.Tolerance, cp.Solver.RelTol, cp.Solver.MaxIter)
	fmt.Printf("[%d] %s, %s\t\t= Decomposition\n",
		cp.Decomposition.Ranks, cp.Decomposition.Method, cp.Decomposition.Mode)
	keys := make([]string, 0, len(cp.Fields))
	for k := range cp.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fp := cp.Fields[key]
		patches := make([]string, 0, len(fp.Boundary))
		for p := range fp.Boundary {
			patches = append(patches, p)
		}
		sort.Strings(patches)
		for _, p := range patches {
			fmt.Printf("%s BCs[%s] = %s %v\n", key, p, fp.Boundary[p].Type, fp.Boundary[p].Params)
		}
	}
}
