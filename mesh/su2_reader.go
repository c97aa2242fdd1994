package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// ReadMeshFile reads a mesh file based on extension
func ReadMeshFile(filename string) (*Mesh, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".su2":
		em, err := ReadSU2(filename)
		if err != nil {
			return nil, err
		}
		return FromElements(em)
	case ".neu":
		em, err := ReadGambit(filename)
		if err != nil {
			return nil, err
		}
		return FromElements(em)
	default:
		return nil, fmt.Errorf("unsupported mesh format: %s", ext)
	}
}

// ReadSU2 reads an SU2 native format file
func ReadSU2(filename string) (*ElementMesh, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return ParseSU2(file)
}

// ParseSU2 reads 3D volume elements and boundary markers from SU2 text
func ParseSU2(r io.Reader) (*ElementMesh, error) {
	var (
		mesh    = NewElementMesh()
		scanner = bufio.NewScanner(r)
		ndime   int
	)
	next := func() ([]string, error) {
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "%") {
				continue
			}
			return strings.Fields(line), nil
		}
		return nil, fmt.Errorf("unexpected end of SU2 file")
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments
		if strings.HasPrefix(line, "%") || line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "NDIME="):
			fmt.Sscanf(line, "NDIME=%d", &ndime)
			if ndime != 3 {
				return nil, fmt.Errorf("only 3D meshes are supported, got NDIME=%d", ndime)
			}

		case strings.HasPrefix(line, "NELEM="):
			var nelem int
			fmt.Sscanf(line, "NELEM=%d", &nelem)
			mesh.Elements = make([][]int, 0, nelem)
			mesh.ElementTypes = make([]ElementType, 0, nelem)
			for i := 0; i < nelem; i++ {
				fields, err := next()
				if err != nil {
					return nil, err
				}
				su2Type, _ := strconv.Atoi(fields[0])
				etype, ok := su2VolumeTypes[su2Type]
				if !ok {
					continue // Skip 1D and 2D elements
				}
				numNodes := getNumNodesSU2(su2Type)
				if len(fields) < numNodes+1 {
					return nil, fmt.Errorf("element %d: have %d fields, need %d", i, len(fields), numNodes+1)
				}
				verts, err := atoiFields(fields[1 : 1+numNodes])
				if err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
				mesh.Elements = append(mesh.Elements, verts)
				mesh.ElementTypes = append(mesh.ElementTypes, etype)
			}

		case strings.HasPrefix(line, "NPOIN="):
			var npoin int
			fmt.Sscanf(line, "NPOIN=%d", &npoin)
			mesh.Vertices = make([]r3.Vec, npoin)
			for i := 0; i < npoin; i++ {
				fields, err := next()
				if err != nil {
					return nil, err
				}
				if len(fields) < ndime {
					return nil, fmt.Errorf("point %d: have %d coordinates, need %d", i, len(fields), ndime)
				}
				var c [3]float64
				for j := 0; j < ndime; j++ {
					if c[j], err = strconv.ParseFloat(fields[j], 64); err != nil {
						return nil, fmt.Errorf("point %d: %w", i, err)
					}
				}
				// Point ID is the optional last field
				ptID := i
				if len(fields) > ndime {
					if id, err := strconv.Atoi(fields[len(fields)-1]); err == nil && id >= 0 && id < npoin {
						ptID = id
					}
				}
				mesh.Vertices[ptID] = r3.Vec{X: c[0], Y: c[1], Z: c[2]}
			}

		case strings.HasPrefix(line, "NMARK="):
			var nmark int
			fmt.Sscanf(line, "NMARK=%d", &nmark)
			for i := 0; i < nmark; i++ {
				fields, err := next()
				if err != nil {
					return nil, err
				}
				tag := strings.Join(fields, " ")
				if !strings.HasPrefix(tag, "MARKER_TAG=") {
					return nil, fmt.Errorf("expected MARKER_TAG, have %q", tag)
				}
				tagName := strings.TrimSpace(strings.TrimPrefix(tag, "MARKER_TAG="))
				if fields, err = next(); err != nil {
					return nil, err
				}
				var nMarkerElems int
				fmt.Sscanf(strings.Join(fields, ""), "MARKER_ELEMS=%d", &nMarkerElems)
				faces := make([][]int, 0, nMarkerElems)
				for j := 0; j < nMarkerElems; j++ {
					if fields, err = next(); err != nil {
						return nil, err
					}
					su2Type, _ := strconv.Atoi(fields[0])
					nn := getNumNodesSU2(su2Type)
					if nn < 3 || len(fields) < nn+1 {
						return nil, fmt.Errorf("marker %s: unsupported boundary element %v", tagName, fields)
					}
					verts, err := atoiFields(fields[1 : 1+nn])
					if err != nil {
						return nil, fmt.Errorf("marker %s: %w", tagName, err)
					}
					faces = append(faces, verts)
				}
				mesh.Markers[tagName] = faces
				mesh.MarkerOrder = append(mesh.MarkerOrder, tagName)
				mesh.MarkerTypes[tagName] = ParsePatchType(tagName)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mesh, nil
}

var su2VolumeTypes = map[int]ElementType{
	10: Tet,
	12: Hex,
	13: Prism,
	14: Pyramid,
}

// getNumNodesSU2 returns the number of nodes for an SU2 element type
func getNumNodesSU2(su2Type int) int {
	switch su2Type {
	case 3:
		return 2 // Line
	case 5:
		return 3 // Triangle
	case 9:
		return 4 // Quad
	case 10:
		return 4 // Tet
	case 12:
		return 8 // Hex
	case 13:
		return 6 // Prism
	case 14:
		return 5 // Pyramid
	default:
		return 0
	}
}

func atoiFields(fields []string) (v []int, err error) {
	v = make([]int, len(fields))
	for i, f := range fields {
		if v[i], err = strconv.Atoi(f); err != nil {
			return nil, err
		}
	}
	return
}
