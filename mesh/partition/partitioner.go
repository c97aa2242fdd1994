// Package partition assigns mesh cells to ranks by k-way graph partitioning
package partition

import (
	"fmt"
	"log/slog"
	"math"

	metis "github.com/notargets/go-metis"

	"github.com/notargets/gofvm/mesh"
)

// PartitionConfig holds configuration for graph partitioning of cells
type PartitionConfig struct {
	NumPartitions    int32
	ImbalanceFactor  float32 // e.g., 1.05 for 5% imbalance
	UseEdgeWeights   bool
	UseVertexWeights bool
	Objective        string // "cut" or "vol"
}

// DefaultPartitionConfig returns default partitioning configuration
func DefaultPartitionConfig(nparts int32) *PartitionConfig {
	return &PartitionConfig{
		NumPartitions:    nparts,
		ImbalanceFactor:  1.05,
		UseEdgeWeights:   true,
		UseVertexWeights: true,
		Objective:        "vol", // minimize halo volume
	}
}

// MeshPartitioner assigns cells to ranks with METIS
type MeshPartitioner struct {
	mesh   *mesh.Mesh
	config *PartitionConfig
	Logger *slog.Logger

	// Cost models
	computeCostModel func(cell int) int32
	commCostModel    func(face int) int32
}

func NewMeshPartitioner(m *mesh.Mesh, config *PartitionConfig) *MeshPartitioner {
	mp := &MeshPartitioner{
		mesh:   m,
		config: config,
		Logger: slog.Default(),
	}
	// Assembly work per cell scales with its face count
	mp.computeCostModel = func(cell int) int32 {
		return int32(len(m.CellFaces(cell)))
	}
	// One value per face crosses a processor patch for every exchanged field
	mp.commCostModel = func(face int) int32 {
		return 1
	}
	return mp
}

// Partition returns the rank of every cell
func (mp *MeshPartitioner) Partition() (cellToRank []int, err error) {
	nc := mp.mesh.NCells()
	if mp.config.NumPartitions < 1 || int(mp.config.NumPartitions) > nc {
		return nil, fmt.Errorf("cannot split %d cells into %d partitions", nc, mp.config.NumPartitions)
	}
	cellToRank = make([]int, nc)
	if mp.config.NumPartitions == 1 {
		return
	}
	mp.Logger.Info("partitioning mesh",
		"cells", nc, "parts", mp.config.NumPartitions, "objective", mp.config.Objective)

	xadj, adjncy, vwgt, adjwgt := mp.buildMetisGraph()

	opts := make([]int32, metis.NoOptions)
	if err = metis.SetDefaultOptions(opts); err != nil {
		return nil, fmt.Errorf("failed to set METIS options: %w", err)
	}
	if mp.config.Objective == "vol" {
		opts[metis.OptionObjType] = metis.ObjTypeVol
	} else {
		opts[metis.OptionObjType] = metis.ObjTypeCut
	}
	ubvec := []float32{mp.config.ImbalanceFactor}

	var vwgtPtr, adjwgtPtr []int32
	if mp.config.UseVertexWeights {
		vwgtPtr = vwgt
	}
	if mp.config.UseEdgeWeights {
		adjwgtPtr = adjwgt
	}
	part, objval, err := metis.PartGraphKwayWeighted(
		xadj, adjncy, vwgtPtr, adjwgtPtr,
		mp.config.NumPartitions, nil, ubvec, opts,
	)
	if err != nil {
		return nil, fmt.Errorf("METIS partitioning failed: %w", err)
	}
	for i := 0; i < nc; i++ {
		cellToRank[i] = int(part[i])
	}
	mp.analyzePartition(cellToRank, objval)
	return
}

// buildMetisGraph converts the cell adjacency across internal faces to CSR
func (mp *MeshPartitioner) buildMetisGraph() (xadj, adjncy, vwgt, adjwgt []int32) {
	m := mp.mesh
	nc := m.NCells()
	if mp.config.UseVertexWeights {
		vwgt = make([]int32, nc)
		for c := 0; c < nc; c++ {
			vwgt[c] = mp.computeCostModel(c)
		}
	}
	xadj = make([]int32, nc+1)
	for c := 0; c < nc; c++ {
		for _, f := range m.CellFaces(c) {
			n := m.Neighbour(f)
			if n < 0 {
				continue
			}
			if n == c {
				n = m.Owner(f)
			}
			adjncy = append(adjncy, int32(n))
			if mp.config.UseEdgeWeights {
				adjwgt = append(adjwgt, mp.commCostModel(f))
			}
		}
		xadj[c+1] = int32(len(adjncy))
	}
	return
}

// PartitionStats holds statistics for a single partition
type PartitionStats struct {
	ID           int
	NumCells     int
	ComputeLoad  int64
	NumNeighbors map[int]int // neighbour partition -> shared faces
}

// AnalyzePartition computes per-partition load and interface statistics
func AnalyzePartition(m *mesh.Mesh, cellToRank []int, nparts int) (stats []PartitionStats, cutFaces int) {
	stats = make([]PartitionStats, nparts)
	for i := range stats {
		stats[i].ID = i
		stats[i].NumNeighbors = make(map[int]int)
	}
	for c, r := range cellToRank {
		stats[r].NumCells++
		stats[r].ComputeLoad += int64(len(m.CellFaces(c)))
	}
	for f, n := range m.NeighbourAddr() {
		ro, rn := cellToRank[m.Owner(f)], cellToRank[n]
		if ro == rn {
			continue
		}
		cutFaces++
		stats[ro].NumNeighbors[rn]++
		stats[rn].NumNeighbors[ro]++
	}
	return
}

func (mp *MeshPartitioner) analyzePartition(cellToRank []int, objval int32) {
	nparts := int(mp.config.NumPartitions)
	stats, cutFaces := AnalyzePartition(mp.mesh, cellToRank, nparts)

	var (
		avgLoad float64
		maxLoad int64
		minLoad int64 = math.MaxInt64
	)
	for _, s := range stats {
		avgLoad += float64(s.ComputeLoad)
		maxLoad = max(maxLoad, s.ComputeLoad)
		minLoad = min(minLoad, s.ComputeLoad)
	}
	avgLoad /= float64(nparts)

	mp.Logger.Info("partition analysis",
		"objective", objval,
		"cutFaces", cutFaces,
		"imbalancePct", (float64(maxLoad)/avgLoad-1)*100,
		"minLoad", minLoad, "maxLoad", maxLoad)
	for _, s := range stats {
		mp.Logger.Debug("partition",
			"id", s.ID, "cells", s.NumCells, "load", s.ComputeLoad, "neighbours", len(s.NumNeighbors))
	}
}
