package mesh

import (
	"fmt"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
)

// PatchType classifies a boundary patch
type PatchType uint8

const (
	PatchGeneric PatchType = iota
	PatchWall
	PatchSymmetryPlane
	PatchEmpty
	PatchCyclic
	PatchProcessor
)

func (pt PatchType) String() string {
	return [...]string{"patch", "wall", "symmetryPlane", "empty", "cyclic", "processor"}[pt]
}

// PatchTypeMap maps lower case type names read from mesh and case files to
// a PatchType
var PatchTypeMap = map[string]PatchType{
	"patch":         PatchGeneric,
	"inlet":         PatchGeneric,
	"outlet":        PatchGeneric,
	"wall":          PatchWall,
	"symmetryplane": PatchSymmetryPlane,
	"symmetry":      PatchSymmetryPlane,
	"empty":         PatchEmpty,
	"cyclic":        PatchCyclic,
	"periodic":      PatchCyclic,
	"processor":     PatchProcessor,
}

// ParsePatchType is case insensitive, unknown names are generic patches
func ParsePatchType(name string) PatchType {
	if pt, ok := PatchTypeMap[strings.ToLower(strings.TrimSpace(name))]; ok {
		return pt
	}
	return PatchGeneric
}

// Patch is a named contiguous range [Start, Start+Size) of boundary faces
type Patch struct {
	Name        string
	Type        PatchType
	Start, Size int
	Index       int // Position in the mesh patch list, set by New

	// Cyclic
	NeighbourPatch string

	// Processor
	MyRank, NeighbourRank int
	// RemoteFaceOrder[i] is the position, in the neighbour's face enumeration
	// of its matching processor patch, of local patch face i. Nil is identity.
	RemoteFaceOrder []int
}

func (p *Patch) End() int { return p.Start + p.Size }

// Coupled patches need values from the other side of the face
func (p *Patch) Coupled() bool {
	return p.Type == PatchCyclic || p.Type == PatchProcessor
}

func (p *Patch) Contains(face int) bool { return face >= p.Start && face < p.End() }

// ProcessorPatchName is the conventional name of the patch between two ranks
func ProcessorPatchName(myRank, neighbourRank int) string {
	return fmt.Sprintf("procBoundary%dto%d", myRank, neighbourRank)
}

// Mesh is a polyhedral mesh in owner/neighbour face addressing. Internal faces
// come first, boundary faces follow, partitioned into contiguous patches.
type Mesh struct {
	points    []r3.Vec
	faces     [][]int
	owner     []int
	neighbour []int
	patches   []Patch
	nCells    int

	generation uint64

	mu        sync.Mutex
	addrGen   uint64
	cellFaces [][]int
	cellCells [][]int
	faceCells [][]int // per patch
}

// New builds and validates a mesh. The returned error satisfies
// errors.Is(err, ErrMalformedTopology) when an invariant is violated.
func New(points []r3.Vec, faces [][]int, owner, neighbour []int, patches []Patch) (m *Mesh, err error) {
	m = &Mesh{
		points:     points,
		faces:      faces,
		owner:      owner,
		neighbour:  neighbour,
		patches:    patches,
		nCells:     countCells(owner, neighbour),
		generation: 1,
	}
	for i := range m.patches {
		m.patches[i].Index = i
	}
	if err = m.Validate(); err != nil {
		return nil, err
	}
	return
}

func countCells(owner, neighbour []int) (n int) {
	for _, c := range owner {
		if c+1 > n {
			n = c + 1
		}
	}
	for _, c := range neighbour {
		if c+1 > n {
			n = c + 1
		}
	}
	return
}

func (m *Mesh) NCells() int         { return m.nCells }
func (m *Mesh) NFaces() int         { return len(m.faces) }
func (m *Mesh) NInternalFaces() int { return len(m.neighbour) }
func (m *Mesh) NBoundaryFaces() int { return len(m.faces) - len(m.neighbour) }
func (m *Mesh) NPoints() int        { return len(m.points) }
func (m *Mesh) Generation() uint64  { return m.generation }

func (m *Mesh) Owner(face int) int { return m.owner[face] }

// Neighbour returns -1 for boundary faces
func (m *Mesh) Neighbour(face int) int {
	if face < len(m.neighbour) {
		return m.neighbour[face]
	}
	return -1
}

func (m *Mesh) FacePoints(face int) []int { return m.faces[face] }
func (m *Mesh) Point(i int) r3.Vec        { return m.points[i] }

// Points, OwnerAddr and NeighbourAddr expose the underlying arrays, which
// must be treated as read only
func (m *Mesh) Points() []r3.Vec     { return m.points }
func (m *Mesh) OwnerAddr() []int     { return m.owner }
func (m *Mesh) NeighbourAddr() []int { return m.neighbour }
func (m *Mesh) Faces() [][]int       { return m.faces }

func (m *Mesh) Patches() []Patch { return m.patches }

func (m *Mesh) Patch(i int) *Patch { return &m.patches[i] }

func (m *Mesh) PatchByName(name string) (p *Patch, ok bool) {
	for i := range m.patches {
		if m.patches[i].Name == name {
			return &m.patches[i], true
		}
	}
	return nil, false
}

// WhichPatch returns the index of the patch holding a boundary face, -1 for
// internal faces
func (m *Mesh) WhichPatch(face int) int {
	if face < len(m.neighbour) {
		return -1
	}
	// Patches are ordered, so a binary search would do; patch counts are small
	for i := range m.patches {
		if m.patches[i].Contains(face) {
			return i
		}
	}
	return -1
}

// CellFaces returns the faces of a cell, built on demand
func (m *Mesh) CellFaces(cell int) []int {
	m.buildAddressing()
	return m.cellFaces[cell]
}

// CellCells returns the face neighbours of a cell across internal faces
func (m *Mesh) CellCells(cell int) []int {
	m.buildAddressing()
	return m.cellCells[cell]
}

// PatchFaceCells returns the owner cell of every face of a patch
func (m *Mesh) PatchFaceCells(patch int) []int {
	m.buildAddressing()
	return m.faceCells[patch]
}

func (m *Mesh) buildAddressing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addrGen == m.generation {
		return
	}
	m.cellFaces = make([][]int, m.nCells)
	m.cellCells = make([][]int, m.nCells)
	for f, c := range m.owner {
		m.cellFaces[c] = append(m.cellFaces[c], f)
	}
	for f, c := range m.neighbour {
		m.cellFaces[c] = append(m.cellFaces[c], f)
		o := m.owner[f]
		m.cellCells[o] = append(m.cellCells[o], c)
		m.cellCells[c] = append(m.cellCells[c], o)
	}
	m.faceCells = make([][]int, len(m.patches))
	for i, p := range m.patches {
		fc := make([]int, p.Size)
		for j := 0; j < p.Size; j++ {
			fc[j] = m.owner[p.Start+j]
		}
		m.faceCells[i] = fc
	}
	m.addrGen = m.generation
}

// PrintStatistics prints mesh statistics
func (m *Mesh) PrintStatistics() {
	fmt.Printf("Mesh Statistics:\n")
	fmt.Printf("  Points: %d\n", m.NPoints())
	fmt.Printf("  Cells: %d\n", m.NCells())
	fmt.Printf("  Faces: %d\n", m.NFaces())
	fmt.Printf("  Internal faces: %d\n", m.NInternalFaces())
	fmt.Printf("  Boundary faces: %d\n", m.NBoundaryFaces())
	fmt.Printf("  Patches:\n")
	for _, p := range m.patches {
		fmt.Printf("    %-24s %-14s start %8d size %8d\n", p.Name, p.Type, p.Start, p.Size)
	}
}
