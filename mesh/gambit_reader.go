package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// gambitType is a Gambit volume element: our element type, its node count,
// the reordering of its nodes into ours and its faces in Gambit numbering
type gambitType struct {
	etype ElementType
	nodes int
	order []int
	faces [][]int
}

var gambitTypes = map[int]gambitType{
	4: { // Brick, nodes in lexicographic x, y, z order
		etype: Hex, nodes: 8,
		order: []int{0, 1, 3, 2, 4, 5, 7, 6},
		faces: [][]int{{0, 1, 5, 4}, {1, 3, 7, 5}, {3, 2, 6, 7}, {2, 0, 4, 6}, {0, 2, 3, 1}, {4, 5, 7, 6}},
	},
	5: { // Wedge
		etype: Prism, nodes: 6,
		order: []int{0, 1, 2, 3, 4, 5},
		faces: [][]int{{0, 1, 4, 3}, {1, 2, 5, 4}, {2, 0, 3, 5}, {0, 2, 1}, {3, 4, 5}},
	},
	6: { // Tetrahedron
		etype: Tet, nodes: 4,
		order: []int{0, 1, 2, 3},
		faces: [][]int{{1, 0, 2}, {0, 1, 3}, {1, 2, 3}, {2, 0, 3}},
	},
	7: { // Pyramid, base in lexicographic order
		etype: Pyramid, nodes: 5,
		order: []int{0, 1, 3, 2, 4},
		faces: [][]int{{0, 2, 3, 1}, {0, 1, 4}, {1, 3, 4}, {3, 2, 4}, {2, 0, 4}},
	},
}

// ReadGambit reads a Gambit neutral (.neu) file
func ReadGambit(filename string) (*ElementMesh, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseGambit(file)
}

// ParseGambit reads 3D volume elements and element-face boundary conditions
// from Gambit neutral text. Element groups are ignored.
func ParseGambit(r io.Reader) (*ElementMesh, error) {
	var (
		mesh    = NewElementMesh()
		scanner = bufio.NewScanner(r)
		numnp   int
		nelem   int
		// Element id in the file -> index in mesh.Elements with its raw nodes
		index = make(map[int]int)
		raw   [][]int
		types []int
	)
	line := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		return strings.TrimSpace(scanner.Text()), true
	}

	for {
		l, ok := line()
		if !ok {
			break
		}
		switch {
		case strings.Contains(l, "NUMNP") && strings.Contains(l, "NELEM"):
			l, _ = line()
			values := strings.Fields(l)
			if len(values) < 2 {
				return nil, fmt.Errorf("gambit: malformed problem size %q", l)
			}
			numnp, _ = strconv.Atoi(values[0])
			nelem, _ = strconv.Atoi(values[1])

		case strings.Contains(l, "NODAL COORDINATES"):
			mesh.Vertices = make([]r3.Vec, numnp)
			for {
				if l, ok = line(); !ok || l == "ENDOFSECTION" {
					break
				}
				fields := strings.Fields(l)
				if len(fields) < 4 {
					return nil, fmt.Errorf("gambit: malformed node %q", l)
				}
				id, err := strconv.Atoi(fields[0])
				if err != nil || id < 1 || id > numnp {
					return nil, fmt.Errorf("gambit: node id %q outside [1,%d]", fields[0], numnp)
				}
				var c [3]float64
				for j := range c {
					if c[j], err = strconv.ParseFloat(fields[1+j], 64); err != nil {
						return nil, fmt.Errorf("gambit: node %d: %w", id, err)
					}
				}
				mesh.Vertices[id-1] = r3.Vec{X: c[0], Y: c[1], Z: c[2]}
			}

		case strings.Contains(l, "ELEMENTS/CELLS"):
			mesh.Elements = make([][]int, 0, nelem)
			mesh.ElementTypes = make([]ElementType, 0, nelem)
			for {
				if l, ok = line(); !ok || l == "ENDOFSECTION" {
					break
				}
				// Format: NE NTYPE NDP NODE1 NODE2 ..., node lists wrap after seven
				fields := strings.Fields(l)
				if len(fields) < 3 {
					return nil, fmt.Errorf("gambit: malformed element %q", l)
				}
				v, err := atoiFields(fields[:3])
				if err != nil {
					return nil, fmt.Errorf("gambit: element %q: %w", l, err)
				}
				id, ntype, ndp := v[0], v[1], v[2]
				fields = fields[3:]
				for len(fields) < ndp {
					if l, ok = line(); !ok {
						return nil, fmt.Errorf("gambit: element %d: unexpected end of file", id)
					}
					fields = append(fields, strings.Fields(l)...)
				}
				gt, volume := gambitTypes[ntype]
				if !volume {
					continue // Skip 2D elements
				}
				if ndp != gt.nodes {
					return nil, fmt.Errorf("gambit: element %d of type %d has %d nodes, need %d", id, ntype, ndp, gt.nodes)
				}
				nodes, err := atoiFields(fields[:ndp])
				if err != nil {
					return nil, fmt.Errorf("gambit: element %d: %w", id, err)
				}
				verts := make([]int, ndp)
				for j := range nodes {
					nodes[j]--
					if nodes[j] < 0 || nodes[j] >= numnp {
						return nil, fmt.Errorf("gambit: element %d: node %d outside [1,%d]", id, nodes[j]+1, numnp)
					}
				}
				for j, k := range gt.order {
					verts[j] = nodes[k]
				}
				index[id] = len(mesh.Elements)
				raw = append(raw, nodes)
				types = append(types, ntype)
				mesh.Elements = append(mesh.Elements, verts)
				mesh.ElementTypes = append(mesh.ElementTypes, gt.etype)
			}

		case strings.Contains(l, "BOUNDARY CONDITIONS"):
			l, _ = line()
			// Format: NAME ITYPE NENTRY NVALUES IBCODE...
			header := strings.Fields(l)
			if len(header) < 3 {
				return nil, fmt.Errorf("gambit: malformed boundary condition %q", l)
			}
			name := header[0]
			itype, _ := strconv.Atoi(header[1])
			nentry, _ := strconv.Atoi(header[2])
			var faces [][]int
			for i := 0; i < nentry; i++ {
				if l, ok = line(); !ok {
					return nil, fmt.Errorf("gambit: boundary %s: unexpected end of file", name)
				}
				if itype != 1 {
					continue // Nodal conditions carry no faces
				}
				v, err := atoiFields(strings.Fields(l))
				if err != nil || len(v) < 3 {
					return nil, fmt.Errorf("gambit: boundary %s: malformed entry %q", name, l)
				}
				e, ok := index[v[0]]
				if !ok {
					return nil, fmt.Errorf("gambit: boundary %s: unknown element %d", name, v[0])
				}
				gt := gambitTypes[types[e]]
				if v[2] < 1 || v[2] > len(gt.faces) {
					return nil, fmt.Errorf("gambit: boundary %s: element %d has no face %d", name, v[0], v[2])
				}
				fv := make([]int, len(gt.faces[v[2]-1]))
				for j, k := range gt.faces[v[2]-1] {
					fv[j] = raw[e][k]
				}
				faces = append(faces, fv)
			}
			if itype != 1 {
				continue
			}
			if _, dup := mesh.Markers[name]; !dup {
				mesh.MarkerOrder = append(mesh.MarkerOrder, name)
			}
			mesh.Markers[name] = append(mesh.Markers[name], faces...)
			mesh.MarkerTypes[name] = ParsePatchType(name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(mesh.Elements) == 0 {
		return nil, fmt.Errorf("gambit: no volume elements")
	}
	return mesh, nil
}
