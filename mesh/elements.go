package mesh

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// ElementType represents different element types
type ElementType int

const (
	Line ElementType = iota
	Triangle
	Quad
	Tet
	Hex
	Prism
	Pyramid
)

func (e ElementType) String() string {
	return [...]string{"Line", "Triangle", "Quad", "Tet", "Hex", "Prism", "Pyramid"}[e]
}

// ElementMesh is the vertex-connectivity form produced by mesh readers
type ElementMesh struct {
	Vertices     []r3.Vec
	Elements     [][]int       // Element to vertex connectivity [nelems][nverts_per_elem]
	ElementTypes []ElementType // Element type for each element

	// Boundary faces by marker name, each as a vertex list
	Markers     map[string][][]int
	MarkerOrder []string // Marker names in file order
	MarkerTypes map[string]PatchType
}

func NewElementMesh() *ElementMesh {
	return &ElementMesh{
		Markers:     make(map[string][][]int),
		MarkerTypes: make(map[string]PatchType),
	}
}

// GetElementFaces returns the face vertices for each element type
func GetElementFaces(elemType ElementType, vertices []int) [][]int {
	switch elemType {
	case Tet:
		return [][]int{
			{vertices[0], vertices[2], vertices[1]}, // Face 0
			{vertices[0], vertices[1], vertices[3]}, // Face 1
			{vertices[1], vertices[2], vertices[3]}, // Face 2
			{vertices[0], vertices[3], vertices[2]}, // Face 3
		}
	case Hex:
		return [][]int{
			{vertices[0], vertices[3], vertices[2], vertices[1]}, // Face 0 (bottom)
			{vertices[4], vertices[5], vertices[6], vertices[7]}, // Face 1 (top)
			{vertices[0], vertices[1], vertices[5], vertices[4]}, // Face 2
			{vertices[1], vertices[2], vertices[6], vertices[5]}, // Face 3
			{vertices[2], vertices[3], vertices[7], vertices[6]}, // Face 4
			{vertices[3], vertices[0], vertices[4], vertices[7]}, // Face 5
		}
	case Prism:
		return [][]int{
			{vertices[0], vertices[2], vertices[1]},              // Face 0 (bottom tri)
			{vertices[3], vertices[4], vertices[5]},              // Face 1 (top tri)
			{vertices[0], vertices[1], vertices[4], vertices[3]}, // Face 2 (quad)
			{vertices[1], vertices[2], vertices[5], vertices[4]}, // Face 3 (quad)
			{vertices[2], vertices[0], vertices[3], vertices[5]}, // Face 4 (quad)
		}
	case Pyramid:
		return [][]int{
			{vertices[0], vertices[3], vertices[2], vertices[1]}, // Face 0 (base quad)
			{vertices[0], vertices[1], vertices[4]},              // Face 1 (tri)
			{vertices[1], vertices[2], vertices[4]},              // Face 2 (tri)
			{vertices[2], vertices[3], vertices[4]},              // Face 3 (tri)
			{vertices[3], vertices[0], vertices[4]},              // Face 4 (tri)
		}
	default:
		return [][]int{}
	}
}

func faceKey(verts []int) string {
	sorted := make([]int, len(verts))
	copy(sorted, verts)
	sort.Ints(sorted)
	return fmt.Sprintf("%v", sorted)
}

// DefaultPatchName receives boundary faces not listed under any marker
const DefaultPatchName = "defaultFaces"

// FromElements converts vertex connectivity into owner/neighbour face
// addressing. Faces are oriented out of their owner; boundary faces are
// grouped into one patch per marker.
func FromElements(em *ElementMesh) (*Mesh, error) {
	type faceRec struct {
		verts      []int
		own, nbr   int
		localOwner int
	}
	var (
		faceMap = make(map[string]int)
		recs    []faceRec
	)
	for elem, verts := range em.Elements {
		for _, fv := range GetElementFaces(em.ElementTypes[elem], verts) {
			key := faceKey(fv)
			if id, exists := faceMap[key]; exists {
				if recs[id].nbr >= 0 {
					return nil, fmt.Errorf("%w: face %v shared by more than two elements",
						ErrMalformedTopology, fv)
				}
				recs[id].nbr = elem
				continue
			}
			faceMap[key] = len(recs)
			recs = append(recs, faceRec{verts: fv, own: elem, nbr: -1})
		}
	}
	var (
		internal []int
		boundary = make(map[string][]int)
	)
	markerOf := make(map[string]string)
	for _, name := range em.MarkerOrder {
		for _, fv := range em.Markers[name] {
			markerOf[faceKey(fv)] = name
		}
	}
	for id, r := range recs {
		if r.nbr >= 0 {
			internal = append(internal, id)
			continue
		}
		name, ok := markerOf[faceKey(r.verts)]
		if !ok {
			name = DefaultPatchName
		}
		boundary[name] = append(boundary[name], id)
	}
	sort.SliceStable(internal, func(i, j int) bool {
		a, b := recs[internal[i]], recs[internal[j]]
		if a.own != b.own {
			return a.own < b.own
		}
		return a.nbr < b.nbr
	})
	var (
		faces     [][]int
		owner     []int
		neighbour []int
		patches   []Patch
		centres   = elementCentres(em)
	)
	orient := func(verts []int, cell int) []int {
		fc, n := polygonCentreNormal(em.Vertices, verts)
		if r3.Dot(n, r3.Sub(fc, centres[cell])) < 0 {
			return reversed(verts)
		}
		return verts
	}
	for _, id := range internal {
		r := recs[id]
		faces = append(faces, orient(r.verts, r.own))
		owner = append(owner, r.own)
		neighbour = append(neighbour, r.nbr)
	}
	names := append([]string(nil), em.MarkerOrder...)
	if len(boundary[DefaultPatchName]) > 0 {
		names = append(names, DefaultPatchName)
	}
	for _, name := range names {
		ids := boundary[name]
		pt, ok := em.MarkerTypes[name]
		if !ok {
			pt = PatchWall
		}
		p := Patch{Name: name, Type: pt, Start: len(faces), Size: len(ids)}
		for _, id := range ids {
			r := recs[id]
			faces = append(faces, orient(r.verts, r.own))
			owner = append(owner, r.own)
		}
		patches = append(patches, p)
	}
	return New(em.Vertices, faces, owner, neighbour, patches)
}

func elementCentres(em *ElementMesh) []r3.Vec {
	c := make([]r3.Vec, len(em.Elements))
	for e, verts := range em.Elements {
		var sum r3.Vec
		for _, v := range verts {
			sum = r3.Add(sum, em.Vertices[v])
		}
		c[e] = r3.Scale(1/float64(len(verts)), sum)
	}
	return c
}

// polygonCentreNormal returns the vertex average and the area-weighted normal
// of a polygon from a fan about the vertex average
func polygonCentreNormal(points []r3.Vec, verts []int) (centre, normal r3.Vec) {
	for _, v := range verts {
		centre = r3.Add(centre, points[v])
	}
	centre = r3.Scale(1/float64(len(verts)), centre)
	for i := range verts {
		a := points[verts[i]]
		b := points[verts[(i+1)%len(verts)]]
		normal = r3.Add(normal, r3.Scale(0.5, r3.Cross(r3.Sub(a, centre), r3.Sub(b, centre))))
	}
	return
}
