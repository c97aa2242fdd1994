package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// RemapMap is an explicit topology change. The new topology replaces the old
// one wholesale; CellMap and FaceMap record where each new cell and face came
// from (-1 for inserted entities) so that fields can be mapped.
type RemapMap struct {
	Points    []r3.Vec // nil keeps the current points
	Faces     [][]int
	Owner     []int
	Neighbour []int
	Patches   []Patch
	CellMap   []int // new cell -> old cell
	FaceMap   []int // new face -> old face
}

// RemapTopology validates and installs a new topology. On failure the mesh is
// left unchanged and the error is fatal for the caller. On success the mesh
// generation advances so every derived cache recomputes.
func (m *Mesh) RemapTopology(rm *RemapMap) error {
	points := rm.Points
	if points == nil {
		points = m.points
	}
	candidate, err := New(points, rm.Faces, rm.Owner, rm.Neighbour, rm.Patches)
	if err != nil {
		return fmt.Errorf("topology remap rejected: %w", err)
	}
	if rm.CellMap != nil && len(rm.CellMap) != candidate.nCells {
		return fmt.Errorf("%w: cell map has %d entries for %d cells",
			ErrMalformedTopology, len(rm.CellMap), candidate.nCells)
	}
	m.mu.Lock()
	m.points = candidate.points
	m.faces = candidate.faces
	m.owner = candidate.owner
	m.neighbour = candidate.neighbour
	m.patches = candidate.patches
	m.nCells = candidate.nCells
	m.generation++
	m.mu.Unlock()
	return nil
}

// MovePoints replaces point positions (mesh motion). Topology is unchanged.
func (m *Mesh) MovePoints(points []r3.Vec) error {
	if len(points) != len(m.points) {
		return fmt.Errorf("%w: %d new points for %d existing", ErrMalformedTopology, len(points), len(m.points))
	}
	m.mu.Lock()
	m.points = points
	m.generation++
	m.mu.Unlock()
	return nil
}

// RenumberCells builds the remap for a cell permutation: newToOld[i] is the
// old index of new cell i. Faces are flipped where needed to keep
// owner < neighbour and internal faces are sorted by (owner, neighbour).
func (m *Mesh) RenumberCells(newToOld []int) (rm *RemapMap, err error) {
	if len(newToOld) != m.nCells {
		return nil, fmt.Errorf("%w: permutation has %d entries for %d cells",
			ErrMalformedTopology, len(newToOld), m.nCells)
	}
	oldToNew := make([]int, m.nCells)
	for i := range oldToNew {
		oldToNew[i] = -1
	}
	for n, o := range newToOld {
		if o < 0 || o >= m.nCells || oldToNew[o] != -1 {
			return nil, fmt.Errorf("%w: cell renumbering is not a permutation", ErrMalformedTopology)
		}
		oldToNew[o] = n
	}
	type iface struct {
		own, nbr, old int
		pts           []int
	}
	internal := make([]iface, len(m.neighbour))
	for f := range m.neighbour {
		o, n := oldToNew[m.owner[f]], oldToNew[m.neighbour[f]]
		pts := m.faces[f]
		if o > n {
			o, n = n, o
			pts = reversed(pts)
		}
		internal[f] = iface{own: o, nbr: n, old: f, pts: pts}
	}
	sort.SliceStable(internal, func(i, j int) bool {
		if internal[i].own != internal[j].own {
			return internal[i].own < internal[j].own
		}
		return internal[i].nbr < internal[j].nbr
	})
	rm = &RemapMap{
		Faces:     make([][]int, len(m.faces)),
		Owner:     make([]int, len(m.faces)),
		Neighbour: make([]int, len(m.neighbour)),
		Patches:   make([]Patch, len(m.patches)),
		CellMap:   append([]int(nil), newToOld...),
		FaceMap:   make([]int, len(m.faces)),
	}
	for i, f := range internal {
		rm.Faces[i] = f.pts
		rm.Owner[i] = f.own
		rm.Neighbour[i] = f.nbr
		rm.FaceMap[i] = f.old
	}
	for f := len(m.neighbour); f < len(m.faces); f++ {
		rm.Faces[f] = m.faces[f]
		rm.Owner[f] = oldToNew[m.owner[f]]
		rm.FaceMap[f] = f
	}
	copy(rm.Patches, m.patches)
	return
}

func reversed(pts []int) []int {
	r := make([]int, len(pts))
	for i, p := range pts {
		r[len(pts)-1-i] = p
	}
	return r
}
