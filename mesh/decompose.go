package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/parallel"
)

// DecompositionMap relates every rank's sub-mesh to the undecomposed mesh
type DecompositionMap struct {
	NRanks     int
	CellToRank []int
	// Per rank: local cell -> global cell
	CellAddressing [][]int
	// Per rank: local face -> global face. Processor faces map to the global
	// internal face they were cut from.
	FaceAddressing [][]int
	// Per rank: local patch -> global patch, -1 for processor patches
	PatchAddressing [][]int
}

// SimplePartition splits cells into nRanks contiguous index ranges with a
// maximum imbalance of one cell
func SimplePartition(m *Mesh, nRanks int) (cellToRank []int, err error) {
	if nRanks < 1 || nRanks > m.NCells() {
		return nil, fmt.Errorf("cannot split %d cells into %d ranks", m.NCells(), nRanks)
	}
	pm := parallel.NewPartitionMap(nRanks, m.NCells())
	cellToRank = make([]int, m.NCells())
	for c := range cellToRank {
		cellToRank[c] = pm.Owner(c)
	}
	return
}

// Decompose cuts the mesh into one sub-mesh per rank. Internal faces between
// ranks become processor patches; both sides enumerate them in ascending
// global face order, so matching faces share their local position.
func Decompose(m *Mesh, cellToRank []int, nRanks int) (parts []*Mesh, dm *DecompositionMap, err error) {
	if len(cellToRank) != m.NCells() {
		return nil, nil, fmt.Errorf("cell to rank map has %d entries for %d cells", len(cellToRank), m.NCells())
	}
	for c, r := range cellToRank {
		if r < 0 || r >= nRanks {
			return nil, nil, fmt.Errorf("cell %d assigned to rank %d outside [0,%d)", c, r, nRanks)
		}
	}
	if err = checkCyclicsNotSplit(m, cellToRank); err != nil {
		return nil, nil, err
	}
	dm = &DecompositionMap{
		NRanks:          nRanks,
		CellToRank:      append([]int(nil), cellToRank...),
		CellAddressing:  make([][]int, nRanks),
		FaceAddressing:  make([][]int, nRanks),
		PatchAddressing: make([][]int, nRanks),
	}
	globalToLocal := make([]int, m.NCells())
	for c, r := range cellToRank {
		globalToLocal[c] = len(dm.CellAddressing[r])
		dm.CellAddressing[r] = append(dm.CellAddressing[r], c)
	}
	parts = make([]*Mesh, nRanks)
	for r := 0; r < nRanks; r++ {
		if len(dm.CellAddressing[r]) == 0 {
			return nil, nil, fmt.Errorf("rank %d received no cells", r)
		}
		if parts[r], err = buildSubMesh(m, cellToRank, globalToLocal, r, dm); err != nil {
			return nil, nil, fmt.Errorf("rank %d: %w", r, err)
		}
	}
	return
}

func checkCyclicsNotSplit(m *Mesh, cellToRank []int) error {
	for _, p := range m.patches {
		if p.Type != PatchCyclic {
			continue
		}
		nbr, _ := m.PatchByName(p.NeighbourPatch)
		for i := 0; i < p.Size; i++ {
			if cellToRank[m.owner[p.Start+i]] != cellToRank[m.owner[nbr.Start+i]] {
				return fmt.Errorf("cyclic patch %q face %d is split across ranks", p.Name, i)
			}
		}
	}
	return nil
}

func buildSubMesh(m *Mesh, cellToRank, g2l []int, r int, dm *DecompositionMap) (*Mesh, error) {
	var (
		faces      [][]int
		owner      []int
		neighbour  []int
		faceAddr   []int
		patches    []Patch
		patchAddr  []int
		procFaces  = make(map[int][]int) // neighbour rank -> global faces
		pointIndex = make(map[int]int)
		points     []r3.Vec
	)
	localPoints := func(pts []int) []int {
		lp := make([]int, len(pts))
		for i, p := range pts {
			id, ok := pointIndex[p]
			if !ok {
				id = len(points)
				pointIndex[p] = id
				points = append(points, m.points[p])
			}
			lp[i] = id
		}
		return lp
	}
	for f, n := range m.neighbour {
		o := m.owner[f]
		ro, rn := cellToRank[o], cellToRank[n]
		switch {
		case ro == r && rn == r:
			faces = append(faces, localPoints(m.faces[f]))
			owner = append(owner, g2l[o])
			neighbour = append(neighbour, g2l[n])
			faceAddr = append(faceAddr, f)
		case ro == r:
			procFaces[rn] = append(procFaces[rn], f)
		case rn == r:
			procFaces[ro] = append(procFaces[ro], f)
		}
	}
	for pi, p := range m.patches {
		lp := Patch{Name: p.Name, Type: p.Type, Start: len(faces), NeighbourPatch: p.NeighbourPatch}
		for f := p.Start; f < p.End(); f++ {
			if cellToRank[m.owner[f]] != r {
				continue
			}
			faces = append(faces, localPoints(m.faces[f]))
			owner = append(owner, g2l[m.owner[f]])
			faceAddr = append(faceAddr, f)
		}
		lp.Size = len(faces) - lp.Start
		patches = append(patches, lp)
		patchAddr = append(patchAddr, pi)
	}
	nbrRanks := make([]int, 0, len(procFaces))
	for q := range procFaces {
		nbrRanks = append(nbrRanks, q)
	}
	sort.Ints(nbrRanks)
	for _, q := range nbrRanks {
		lp := Patch{
			Name:          ProcessorPatchName(r, q),
			Type:          PatchProcessor,
			Start:         len(faces),
			MyRank:        r,
			NeighbourRank: q,
		}
		for _, f := range procFaces[q] {
			pts := m.faces[f]
			o := m.owner[f]
			if cellToRank[o] != r {
				o = m.neighbour[f]
				pts = reversed(pts)
			}
			faces = append(faces, localPoints(pts))
			owner = append(owner, g2l[o])
			faceAddr = append(faceAddr, f)
		}
		lp.Size = len(faces) - lp.Start
		patches = append(patches, lp)
		patchAddr = append(patchAddr, -1)
	}
	sub, err := New(points, faces, owner, neighbour, patches)
	if err != nil {
		return nil, err
	}
	dm.FaceAddressing[r] = faceAddr
	dm.PatchAddressing[r] = patchAddr
	return sub, nil
}

// DistributeCells scatters a global per-cell array to the ranks
func DistributeCells[T any](dm *DecompositionMap, global []T) (local [][]T) {
	local = make([][]T, dm.NRanks)
	for r, addr := range dm.CellAddressing {
		local[r] = make([]T, len(addr))
		for i, c := range addr {
			local[r][i] = global[c]
		}
	}
	return
}

// ReconstructCells gathers per-rank cell arrays back into global order
func ReconstructCells[T any](dm *DecompositionMap, local [][]T) (global []T) {
	global = make([]T, len(dm.CellToRank))
	for r, addr := range dm.CellAddressing {
		for i, c := range addr {
			global[c] = local[r][i]
		}
	}
	return
}

// DistributeFaces scatters a global per-face array (e.g. a flux) to the ranks.
// Processor faces whose global owner lives on another rank receive the negated
// value, as the face is oriented out of the local cell.
func DistributeFaces(dm *DecompositionMap, m *Mesh, global []float64) (local [][]float64) {
	local = make([][]float64, dm.NRanks)
	for r, addr := range dm.FaceAddressing {
		local[r] = make([]float64, len(addr))
		for i, f := range addr {
			v := global[f]
			if dm.CellToRank[m.owner[f]] != r {
				v = -v
			}
			local[r][i] = v
		}
	}
	return
}
