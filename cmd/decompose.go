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
	"sort"

	"github.com/spf13/cobra"

	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/mesh/partition"
)

// DecomposeCmd represents the decompose command
var DecomposeCmd = &cobra.Command{
	Use:   "decompose",
	Short: "Partition a mesh into ranks and report the decomposition",
	Long: `
Assigns the cells of a mesh to ranks, cuts the mesh into one sub-mesh per rank
and reports load balance and processor interfaces,

gofvm decompose -F mesh.su2 -n 4 --method metis`,
	Run: func(cmd *cobra.Command, args []string) {
		meshFile, _ := cmd.Flags().GetString("meshFile")
		icFile, _ := cmd.Flags().GetString("inputConditionsFile")
		n, _ := cmd.Flags().GetInt("ranks")
		method, _ := cmd.Flags().GetString("method")
		m, err := readMesh(meshFile, icFile)
		exitOnError(err)
		_, err = DecomposeMesh(m, n, method)
		exitOnError(err)
	},
}

func init() {
	rootCmd.AddCommand(DecomposeCmd)
	DecomposeCmd.Flags().StringP("meshFile", "F", "", "mesh file (.su2)")
	DecomposeCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML case file whose mesh is decomposed")
	DecomposeCmd.Flags().IntP("ranks", "n", 2, "number of ranks")
	DecomposeCmd.Flags().String("method", "simple", "partitioning method: simple, metis")
}

func DecomposeMesh(m *mesh.Mesh, n int, method string) (dm *mesh.DecompositionMap, err error) {
	var cellToRank []int
	switch method {
	case "simple":
		cellToRank, err = mesh.SimplePartition(m, n)
	case "metis":
		cellToRank, err = partition.NewMeshPartitioner(m, partition.DefaultPartitionConfig(int32(n))).Partition()
	default:
		err = fmt.Errorf("unknown decomposition method %q, use simple or metis", method)
	}
	if err != nil {
		return
	}
	parts, dm, err := mesh.Decompose(m, cellToRank, n)
	if err != nil {
		return
	}
	stats, cutFaces := partition.AnalyzePartition(m, cellToRank, n)
	fmt.Printf("Decomposition [%s] into %d ranks, %d processor faces\n", method, n, cutFaces)
	fmt.Printf("    rank    cells     load  processor patches\n")
	for r, s := range stats {
		nbrs := make([]int, 0, len(s.NumNeighbors))
		for nr := range s.NumNeighbors {
			nbrs = append(nbrs, nr)
		}
		sort.Ints(nbrs)
		fmt.Printf("%8d %8d %8d ", r, s.NumCells, s.ComputeLoad)
		for _, nr := range nbrs {
			fmt.Printf(" ->%d(%d)", nr, s.NumNeighbors[nr])
		}
		fmt.Println()
		if err = parts[r].Validate(); err != nil {
			return nil, fmt.Errorf("rank %d sub-mesh: %w", r, err)
		}
	}
	return
}
