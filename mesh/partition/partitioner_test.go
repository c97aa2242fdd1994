package partition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/gofvm/mesh"
)

func TestMetisGraph(t *testing.T) {
	m, err := mesh.NewLine1D(4, 1)
	require.NoError(t, err)
	mp := NewMeshPartitioner(m, DefaultPartitionConfig(2))
	xadj, adjncy, vwgt, adjwgt := mp.buildMetisGraph()
	assert.Equal(t, []int32{0, 1, 3, 5, 6}, xadj)
	assert.Equal(t, []int32{1, 2, 0, 3, 1, 2}, adjncy)
	assert.Equal(t, []int32{6, 6, 6, 6}, vwgt)
	assert.Len(t, adjwgt, len(adjncy))
}

func TestAnalyzePartition(t *testing.T) {
	m, err := mesh.NewLine1D(6, 1)
	require.NoError(t, err)
	stats, cut := AnalyzePartition(m, []int{0, 0, 1, 1, 2, 2}, 3)
	assert.Equal(t, 2, cut)
	assert.Equal(t, 2, stats[1].NumCells)
	assert.Equal(t, map[int]int{0: 1, 2: 1}, stats[1].NumNeighbors)
	assert.Equal(t, int64(12), stats[0].ComputeLoad)
}

func TestPartitionTrivial(t *testing.T) {
	m, err := mesh.NewLine1D(3, 1)
	require.NoError(t, err)
	cellToRank, err := NewMeshPartitioner(m, DefaultPartitionConfig(1)).Partition()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0}, cellToRank)
	_, err = NewMeshPartitioner(m, DefaultPartitionConfig(4)).Partition()
	assert.Error(t, err)
}
