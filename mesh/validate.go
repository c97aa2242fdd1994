package mesh

import (
	"errors"
	"fmt"
)

// ErrMalformedTopology is fatal: geometry and discretization assume a valid mesh
var ErrMalformedTopology = errors.New("malformed mesh topology")

// TopologyError describes the first violated invariant
type TopologyError struct {
	Face, Cell int
	Patch      string
	Reason     string
}

func (e *TopologyError) Error() string {
	var loc string
	switch {
	case e.Patch != "":
		loc = fmt.Sprintf(" (patch %q)", e.Patch)
	case e.Face >= 0:
		loc = fmt.Sprintf(" (face %d)", e.Face)
	case e.Cell >= 0:
		loc = fmt.Sprintf(" (cell %d)", e.Cell)
	}
	return fmt.Sprintf("%s: %s%s", ErrMalformedTopology, e.Reason, loc)
}

func (e *TopologyError) Unwrap() error { return ErrMalformedTopology }

func faceErr(face int, format string, a ...any) error {
	return &TopologyError{Face: face, Cell: -1, Reason: fmt.Sprintf(format, a...)}
}

func cellErr(cell int, format string, a ...any) error {
	return &TopologyError{Face: -1, Cell: cell, Reason: fmt.Sprintf(format, a...)}
}

func patchErr(patch string, format string, a ...any) error {
	return &TopologyError{Face: -1, Cell: -1, Patch: patch, Reason: fmt.Sprintf(format, a...)}
}

// Validate checks the owner/neighbour/patch invariants
func (m *Mesh) Validate() error {
	var (
		nFaces    = len(m.faces)
		nInternal = len(m.neighbour)
		nPoints   = len(m.points)
	)
	if len(m.owner) != nFaces {
		return faceErr(-1, "owner list has %d entries for %d faces", len(m.owner), nFaces)
	}
	if nInternal > nFaces {
		return faceErr(-1, "neighbour list has %d entries for %d faces", nInternal, nFaces)
	}
	if m.nCells == 0 {
		return cellErr(-1, "mesh has no cells")
	}
	for f, pts := range m.faces {
		if len(pts) < 3 {
			return faceErr(f, "face has %d points, need at least 3", len(pts))
		}
		for _, p := range pts {
			if p < 0 || p >= nPoints {
				return faceErr(f, "point index %d out of range [0,%d)", p, nPoints)
			}
		}
	}
	for f, o := range m.owner {
		if o < 0 {
			return faceErr(f, "negative owner %d", o)
		}
	}
	for f, n := range m.neighbour {
		if n < 0 {
			return faceErr(f, "internal face has negative neighbour %d", n)
		}
		if m.owner[f] >= n {
			return faceErr(f, "owner %d is not lower than neighbour %d", m.owner[f], n)
		}
	}
	used := make([]bool, m.nCells)
	for _, o := range m.owner {
		used[o] = true
	}
	for _, n := range m.neighbour {
		used[n] = true
	}
	for c, u := range used {
		if !u {
			return cellErr(c, "cell is not referenced by any face")
		}
	}
	return m.validatePatches()
}

func (m *Mesh) validatePatches() error {
	var (
		next   = len(m.neighbour)
		nFaces = len(m.faces)
		names  = make(map[string]int, len(m.patches))
	)
	for i, p := range m.patches {
		if p.Name == "" {
			return patchErr(fmt.Sprintf("#%d", i), "patch has no name")
		}
		if _, dup := names[p.Name]; dup {
			return patchErr(p.Name, "duplicate patch name")
		}
		names[p.Name] = i
		if p.Size < 0 {
			return patchErr(p.Name, "negative size %d", p.Size)
		}
		if p.Start != next {
			if p.Start > next {
				return patchErr(p.Name, "gap in boundary faces: patch starts at %d, expected %d", p.Start, next)
			}
			return patchErr(p.Name, "patch overlaps previous faces: starts at %d, expected %d", p.Start, next)
		}
		next = p.End()
		if p.Type == PatchProcessor {
			if p.NeighbourRank < 0 || p.NeighbourRank == p.MyRank {
				return patchErr(p.Name, "processor patch has invalid neighbour rank %d", p.NeighbourRank)
			}
			if p.RemoteFaceOrder != nil {
				if len(p.RemoteFaceOrder) != p.Size {
					return patchErr(p.Name, "remote face order has %d entries for %d faces",
						len(p.RemoteFaceOrder), p.Size)
				}
				seen := make([]bool, p.Size)
				for _, r := range p.RemoteFaceOrder {
					if r < 0 || r >= p.Size || seen[r] {
						return patchErr(p.Name, "remote face order is not a permutation")
					}
					seen[r] = true
				}
			}
		}
	}
	if next != nFaces {
		return patchErr("", "patches cover boundary faces up to %d, mesh has %d faces", next, nFaces)
	}
	for _, p := range m.patches {
		if p.Type != PatchCyclic {
			continue
		}
		j, ok := names[p.NeighbourPatch]
		if !ok {
			return patchErr(p.Name, "cyclic neighbour patch %q not found", p.NeighbourPatch)
		}
		nbr := m.patches[j]
		if nbr.Size != p.Size || nbr.Type != PatchCyclic {
			return patchErr(p.Name, "cyclic neighbour %q must be cyclic with %d faces", nbr.Name, p.Size)
		}
	}
	return nil
}
