package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Box side order used by BoxSpec.Sides
const (
	XMin = iota
	XMax
	YMin
	YMax
	ZMin
	ZMax
)

// BoxSide names the patch that receives the faces of one side of a box.
// Sides sharing a name are merged into one patch.
type BoxSide struct {
	Name string
	Type PatchType
	// Cyclic partner, for PatchCyclic
	NeighbourPatch string
}

// BoxSpec describes a structured block of hexahedra
type BoxSpec struct {
	NX, NY, NZ int
	Origin     r3.Vec
	Lengths    r3.Vec
	Sides      [6]BoxSide
	// Optional point displacement, used to build skewed test meshes
	Warp func(p r3.Vec) r3.Vec
}

// NewLine1D returns n cells along x of total length, with unit cross section.
// The left and right ends are patches "left" and "right", all other sides are
// an empty patch "frontAndBack".
func NewLine1D(n int, length float64) (*Mesh, error) {
	side := BoxSide{Name: "frontAndBack", Type: PatchEmpty}
	return NewBox(BoxSpec{
		NX: n, NY: 1, NZ: 1,
		Lengths: r3.Vec{X: length, Y: 1, Z: 1},
		Sides: [6]BoxSide{
			{Name: "left", Type: PatchGeneric},
			{Name: "right", Type: PatchGeneric},
			side, side, side, side,
		},
	})
}

// NewBox builds a structured hex block in owner/neighbour addressing.
// Internal faces are ordered by owner cell, then by direction x, y, z, so the
// neighbour index rises within each owner.
func NewBox(bs BoxSpec) (*Mesh, error) {
	if bs.NX < 1 || bs.NY < 1 || bs.NZ < 1 {
		return nil, fmt.Errorf("%w: box dimensions must be positive, have %d x %d x %d",
			ErrMalformedTopology, bs.NX, bs.NY, bs.NZ)
	}
	var (
		nx, ny, nz = bs.NX, bs.NY, bs.NZ
		npx, npy   = nx + 1, ny + 1
		pointID    = func(i, j, k int) int { return i + npx*(j+npy*k) }
		cellID     = func(i, j, k int) int { return i + nx*(j+ny*k) }
		dx         = bs.Lengths.X / float64(nx)
		dy         = bs.Lengths.Y / float64(ny)
		dz         = bs.Lengths.Z / float64(nz)
		points     = make([]r3.Vec, npx*npy*(nz+1))
	)
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				p := r3.Add(bs.Origin, r3.Vec{X: float64(i) * dx, Y: float64(j) * dy, Z: float64(k) * dz})
				if bs.Warp != nil {
					p = bs.Warp(p)
				}
				points[pointID(i, j, k)] = p
			}
		}
	}
	// Face through the lower corner (i,j,k) normal to dir, oriented along +dir
	faceLoop := func(dir, i, j, k int) []int {
		switch dir {
		case 0:
			return []int{pointID(i, j, k), pointID(i, j+1, k), pointID(i, j+1, k+1), pointID(i, j, k+1)}
		case 1:
			return []int{pointID(i, j, k), pointID(i, j, k+1), pointID(i+1, j, k+1), pointID(i+1, j, k)}
		default:
			return []int{pointID(i, j, k), pointID(i+1, j, k), pointID(i+1, j+1, k), pointID(i, j+1, k)}
		}
	}
	var (
		faces     [][]int
		owner     []int
		neighbour []int
	)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				c := cellID(i, j, k)
				if i+1 < nx {
					faces = append(faces, faceLoop(0, i+1, j, k))
					owner = append(owner, c)
					neighbour = append(neighbour, cellID(i+1, j, k))
				}
				if j+1 < ny {
					faces = append(faces, faceLoop(1, i, j+1, k))
					owner = append(owner, c)
					neighbour = append(neighbour, cellID(i, j+1, k))
				}
				if k+1 < nz {
					faces = append(faces, faceLoop(2, i, j, k+1))
					owner = append(owner, c)
					neighbour = append(neighbour, cellID(i, j, k+1))
				}
			}
		}
	}
	type bface struct {
		pts  []int
		cell int
	}
	var sideFaces [6][]bface
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			sideFaces[XMin] = append(sideFaces[XMin], bface{reversed(faceLoop(0, 0, j, k)), cellID(0, j, k)})
			sideFaces[XMax] = append(sideFaces[XMax], bface{faceLoop(0, nx, j, k), cellID(nx-1, j, k)})
		}
	}
	for k := 0; k < nz; k++ {
		for i := 0; i < nx; i++ {
			sideFaces[YMin] = append(sideFaces[YMin], bface{reversed(faceLoop(1, i, 0, k)), cellID(i, 0, k)})
			sideFaces[YMax] = append(sideFaces[YMax], bface{faceLoop(1, i, ny, k), cellID(i, ny-1, k)})
		}
	}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			sideFaces[ZMin] = append(sideFaces[ZMin], bface{reversed(faceLoop(2, i, j, 0)), cellID(i, j, 0)})
			sideFaces[ZMax] = append(sideFaces[ZMax], bface{faceLoop(2, i, j, nz), cellID(i, j, nz-1)})
		}
	}
	var patches []Patch
	done := [6]bool{}
	for s := 0; s < 6; s++ {
		if done[s] {
			continue
		}
		side := bs.Sides[s]
		if side.Name == "" {
			side.Name = fmt.Sprintf("side%d", s)
		}
		p := Patch{Name: side.Name, Type: side.Type, Start: len(faces), NeighbourPatch: side.NeighbourPatch}
		for t := s; t < 6; t++ {
			if t != s && bs.Sides[t].Name != side.Name {
				continue
			}
			done[t] = true
			for _, bf := range sideFaces[t] {
				faces = append(faces, bf.pts)
				owner = append(owner, bf.cell)
			}
		}
		p.Size = len(faces) - p.Start
		patches = append(patches, p)
	}
	return New(points, faces, owner, neighbour, patches)
}
