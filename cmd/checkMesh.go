/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/solvers/scalartransport"
)

// CheckMeshCmd represents the checkMesh command
var CheckMeshCmd = &cobra.Command{
	Use:   "checkMesh",
	Short: "Validate a mesh and report its geometry",
	Long: `
Validates the topology of a mesh and reports cell volumes, face areas,
non-orthogonality and any degenerate geometry,

gofvm checkMesh -F mesh.su2`,
	Run: func(cmd *cobra.Command, args []string) {
		meshFile, _ := cmd.Flags().GetString("meshFile")
		icFile, _ := cmd.Flags().GetString("inputConditionsFile")
		m, err := readMesh(meshFile, icFile)
		exitOnError(err)
		exitOnError(CheckMesh(m))
	},
}

func init() {
	rootCmd.AddCommand(CheckMeshCmd)
	CheckMeshCmd.Flags().StringP("meshFile", "F", "", "mesh file (.su2)")
	CheckMeshCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML case file whose mesh is checked")
}

// readMesh loads a mesh file, or the mesh described by a case file
func readMesh(meshFile, icFile string) (*mesh.Mesh, error) {
	if meshFile != "" {
		return mesh.ReadMeshFile(meshFile)
	}
	if icFile == "" {
		return nil, fmt.Errorf("must supply a mesh file (-F, --meshFile) or a case file (-I)")
	}
	cp, err := processCase(&SolveOptions{ICFile: icFile})
	if err != nil {
		return nil, err
	}
	return scalartransport.LoadMesh(cp, "")
}

// MeshQuality summarises the geometry of a mesh
type MeshQuality struct {
	MinVolume, MaxVolume, TotalVolume float64
	MinFaceArea, MaxFaceArea          float64
	MaxNonOrthogonality               float64 // degrees
	AvgNonOrthogonality               float64
	Degenerate                        []geometry.Degenerate
}

func Quality(m *mesh.Mesh) (q MeshQuality) {
	var (
		geo   = geometry.New(m)
		vol   = geo.CellVolumes()
		magSf = geo.MagFaceAreas()
		sf    = geo.FaceAreas()
		cc    = geo.CellCentres()
		nInt  = m.NInternalFaces()
	)
	q.MinVolume, q.MaxVolume, q.TotalVolume = floats.Min(vol), floats.Max(vol), floats.Sum(vol)
	q.MinFaceArea, q.MaxFaceArea = floats.Min(magSf), floats.Max(magSf)
	for f := 0; f < nInt; f++ {
		d := r3.Sub(cc[m.Neighbour(f)], cc[m.Owner(f)])
		cos := r3.Dot(sf[f], d) / (magSf[f] * r3.Norm(d))
		angle := math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
		q.MaxNonOrthogonality = math.Max(q.MaxNonOrthogonality, angle)
		q.AvgNonOrthogonality += angle
	}
	if nInt > 0 {
		q.AvgNonOrthogonality /= float64(nInt)
	}
	q.Degenerate = geo.Degenerate()
	return
}

func CheckMesh(m *mesh.Mesh) error {
	if err := m.Validate(); err != nil {
		return err
	}
	m.PrintStatistics()
	q := Quality(m)
	fmt.Printf("Geometry:\n")
	fmt.Printf("  Cell volumes: min %11.4e max %11.4e total %11.4e\n", q.MinVolume, q.MaxVolume, q.TotalVolume)
	fmt.Printf("  Face areas:   min %11.4e max %11.4e\n", q.MinFaceArea, q.MaxFaceArea)
	fmt.Printf("  Non-orthogonality: max %8.3f average %8.3f degrees\n", q.MaxNonOrthogonality, q.AvgNonOrthogonality)
	if len(q.Degenerate) == 0 {
		fmt.Printf("Mesh OK.\n")
		return nil
	}
	fmt.Printf("  %d degenerate entities:\n", len(q.Degenerate))
	for _, d := range q.Degenerate {
		fmt.Printf("    %-20s %8d value %11.4e\n", d.Kind, d.Index, d.Value)
	}
	return nil
}
