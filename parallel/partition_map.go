package parallel

// PartitionMap splits the index range [0, NIndex) into NParts contiguous
// ranges whose sizes differ by at most one. The first NIndex%NParts ranges
// hold the extra index.
type PartitionMap struct {
	NIndex, NParts int
	Ranges         [][2]int // [begin, end) per part
}

func NewPartitionMap(nParts, nIndex int) (pm *PartitionMap) {
	pm = &PartitionMap{
		NIndex: nIndex,
		NParts: nParts,
		Ranges: make([][2]int, nParts),
	}
	var (
		size  = nIndex / nParts
		extra = nIndex % nParts
		begin int
	)
	for p := range pm.Ranges {
		end := begin + size
		if p < extra {
			end++
		}
		pm.Ranges[p] = [2]int{begin, end}
		begin = end
	}
	return
}

func (pm *PartitionMap) Range(p int) (begin, end int) {
	return pm.Ranges[p][0], pm.Ranges[p][1]
}

// Owner returns the part holding index k, -1 when k is out of range. The
// proportional guess is off by at most one part.
func (pm *PartitionMap) Owner(k int) int {
	if k < 0 || k >= pm.NIndex {
		return -1
	}
	p := pm.NParts * k / pm.NIndex
	for {
		begin, end := pm.Range(p)
		switch {
		case k < begin:
			p--
		case k >= end:
			p++
		default:
			return p
		}
	}
}
