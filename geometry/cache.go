package geometry

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	pargo "github.com/exascience/pargo/parallel"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/mesh"
)

const (
	VSmall = 1.0e-300
	// Fraction of |d| below which the orthogonal distance is clamped
	MinNonOrthDistance = 0.05
	// Substitute for degenerate weights
	DegenerateWeight = 0.5
)

// DegenerateKind classifies a degenerate geometric entity
type DegenerateKind uint8

const (
	ZeroFaceArea DegenerateKind = iota
	NonPositiveVolume
	DegenerateCoupling
)

func (k DegenerateKind) String() string {
	return [...]string{"zeroFaceArea", "nonPositiveVolume", "degenerateCoupling"}[k]
}

// Degenerate records one entity that was replaced by a best-effort value
type Degenerate struct {
	Kind  DegenerateKind
	Index int // face or cell
	Value float64
}

// Cache computes face and cell geometry of one mesh on first use and again
// whenever the mesh generation moves on
type Cache struct {
	mesh            *mesh.Mesh
	Logger          *slog.Logger
	VolumeTolerance float64

	mu  sync.Mutex
	gen uint64

	sf, cf, cc   []r3.Vec
	magSf, vol   []float64
	weights      []float64
	deltaCoeffs  []float64
	nonOrthDelta []r3.Vec // correction vectors k = n - d*deltaCoeff
	// Neighbour-side cell centre of every coupled face, by patch
	coupledCentres [][]r3.Vec
	// Processor centres installed for the current generation
	synced     []bool
	degenerate []Degenerate
}

func New(m *mesh.Mesh) *Cache {
	return &Cache{
		mesh:            m,
		Logger:          slog.Default().With("component", "geometry"),
		VolumeTolerance: VSmall,
	}
}

func (c *Cache) Mesh() *mesh.Mesh { return c.mesh }

// Invalidate forces recomputation on next access
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen = 0
	c.mu.Unlock()
}

func (c *Cache) update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == c.mesh.Generation() {
		return
	}
	c.compute()
	c.gen = c.mesh.Generation()
}

func (c *Cache) FaceArea(f int) r3.Vec      { c.update(); return c.sf[f] }
func (c *Cache) MagFaceArea(f int) float64  { c.update(); return c.magSf[f] }
func (c *Cache) FaceCentre(f int) r3.Vec    { c.update(); return c.cf[f] }
func (c *Cache) CellVolume(cell int) float64 { c.update(); return c.vol[cell] }
func (c *Cache) CellCentre(cell int) r3.Vec { c.update(); return c.cc[cell] }

// Weight is the linear interpolation weight of the owner value: 1 on
// boundary faces, dn/(do+dn) on internal and coupled faces
func (c *Cache) Weight(f int) float64 { c.update(); return c.weights[f] }

// DeltaCoeff is the inverse orthogonal distance across a face
func (c *Cache) DeltaCoeff(f int) float64 { c.update(); return c.deltaCoeffs[f] }

// NonOrthDelta is the correction vector of a face, zero on orthogonal faces
func (c *Cache) NonOrthDelta(f int) r3.Vec { c.update(); return c.nonOrthDelta[f] }

// Whole-array views, read only
func (c *Cache) FaceAreas() []r3.Vec        { c.update(); return c.sf }
func (c *Cache) MagFaceAreas() []float64    { c.update(); return c.magSf }
func (c *Cache) FaceCentres() []r3.Vec      { c.update(); return c.cf }
func (c *Cache) CellVolumes() []float64     { c.update(); return c.vol }
func (c *Cache) CellCentres() []r3.Vec      { c.update(); return c.cc }
func (c *Cache) Weights() []float64         { c.update(); return c.weights }
func (c *Cache) DeltaCoeffs() []float64     { c.update(); return c.deltaCoeffs }
func (c *Cache) NonOrthDeltas() []r3.Vec    { c.update(); return c.nonOrthDelta }

// Degenerate lists the entities substituted during the last computation
func (c *Cache) Degenerate() []Degenerate {
	c.update()
	return append([]Degenerate(nil), c.degenerate...)
}

// CoupledCentres returns the neighbour cell centres seen across a coupled
// patch, in patch face order
func (c *Cache) CoupledCentres(patch int) []r3.Vec {
	c.update()
	return c.coupledCentres[patch]
}

// Synced reports whether a processor patch has had its neighbour centres
// installed since the last mesh change
func (c *Cache) Synced(patch int) bool {
	c.update()
	return c.synced[patch]
}

// SetCoupledNeighbourCentres installs the neighbour cell centres of a
// processor patch, received through a halo exchange, and recomputes the
// weights and delta coefficients of its faces
func (c *Cache) SetCoupledNeighbourCentres(patch int, centres []r3.Vec) error {
	c.update()
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.mesh.Patch(patch)
	if p.Type != mesh.PatchProcessor {
		return fmt.Errorf("patch %q is %s, not processor", p.Name, p.Type)
	}
	if len(centres) != p.Size {
		return fmt.Errorf("patch %q: %d centres for %d faces", p.Name, len(centres), p.Size)
	}
	c.coupledCentres[patch] = append([]r3.Vec(nil), centres...)
	c.synced[patch] = true
	for i := 0; i < p.Size; i++ {
		c.coupledFace(p.Start+i, centres[i])
	}
	return nil
}

func (c *Cache) compute() {
	m := c.mesh
	var (
		nFaces = m.NFaces()
		nCells = m.NCells()
	)
	c.sf = make([]r3.Vec, nFaces)
	c.cf = make([]r3.Vec, nFaces)
	c.magSf = make([]float64, nFaces)
	c.cc = make([]r3.Vec, nCells)
	c.vol = make([]float64, nCells)
	c.weights = make([]float64, nFaces)
	c.deltaCoeffs = make([]float64, nFaces)
	c.nonOrthDelta = make([]r3.Vec, nFaces)
	c.coupledCentres = make([][]r3.Vec, len(m.Patches()))
	c.synced = make([]bool, len(m.Patches()))
	c.degenerate = c.degenerate[:0]

	pts := m.Points()
	pargo.Range(0, nFaces, 0, func(low, high int) {
		for f := low; f < high; f++ {
			c.cf[f], c.sf[f] = FaceCentreAndArea(pts, m.FacePoints(f))
			c.magSf[f] = r3.Norm(c.sf[f])
		}
	})
	pargo.Range(0, nCells, 0, func(low, high int) {
		for cell := low; cell < high; cell++ {
			c.cc[cell], c.vol[cell] = c.cellCentreAndVolume(cell)
		}
	})
	for f := 0; f < nFaces; f++ {
		if c.magSf[f] < VSmall {
			c.degenerate = append(c.degenerate, Degenerate{Kind: ZeroFaceArea, Index: f, Value: c.magSf[f]})
		}
	}
	for cell := 0; cell < nCells; cell++ {
		if c.vol[cell] <= c.VolumeTolerance {
			c.degenerate = append(c.degenerate, Degenerate{Kind: NonPositiveVolume, Index: cell, Value: c.vol[cell]})
			c.vol[cell] = math.Max(c.VolumeTolerance, VSmall)
		}
	}

	if nInternal := m.NInternalFaces(); nInternal > 0 {
		pargo.Range(0, nInternal, 0, func(low, high int) {
			for f := low; f < high; f++ {
				c.interFace(f, c.cc[m.Owner(f)], c.cc[m.Neighbour(f)])
			}
		})
	}
	for pi, p := range m.Patches() {
		switch p.Type {
		case mesh.PatchCyclic:
			nbr, _ := m.PatchByName(p.NeighbourPatch)
			centres := make([]r3.Vec, p.Size)
			for i := 0; i < p.Size; i++ {
				f, nf := p.Start+i, nbr.Start+i
				// Neighbour cell shifted by the face separation
				centres[i] = r3.Add(c.cc[m.Owner(nf)], r3.Sub(c.cf[f], c.cf[nf]))
				c.coupledFace(f, centres[i])
			}
			c.coupledCentres[pi] = centres
		case mesh.PatchProcessor:
			// Mirror image of the owner until the true centres are exchanged
			centres := make([]r3.Vec, p.Size)
			for i := 0; i < p.Size; i++ {
				f := p.Start + i
				centres[i] = r3.Sub(r3.Scale(2, c.cf[f]), c.cc[m.Owner(f)])
				c.coupledFace(f, centres[i])
			}
			c.coupledCentres[pi] = centres
		default:
			for f := p.Start; f < p.End(); f++ {
				c.boundaryFace(f)
			}
		}
	}
	if len(c.degenerate) > 0 {
		c.Logger.Warn("DegenerateGeometry",
			"generation", m.Generation(),
			"count", len(c.degenerate),
			"first", c.degenerate[0].Kind.String(),
			"index", c.degenerate[0].Index)
	}
}

// interFace fills weight and deltas of a face between owner centre cp and
// neighbour centre cn
func (c *Cache) interFace(f int, cp, cn r3.Vec) {
	var (
		sf    = c.sf[f]
		magSf = c.magSf[f]
	)
	if magSf < VSmall {
		c.weights[f] = DegenerateWeight
		d := r3.Sub(cn, cp)
		c.deltaCoeffs[f] = 1 / math.Max(r3.Norm(d), VSmall)
		c.nonOrthDelta[f] = r3.Vec{}
		return
	}
	var (
		nHat = r3.Scale(1/magSf, sf)
		dOwn = r3.Dot(nHat, r3.Sub(c.cf[f], cp))
		dNei = r3.Dot(nHat, r3.Sub(cn, c.cf[f]))
		d    = r3.Sub(cn, cp)
	)
	if math.Abs(dOwn+dNei) < VSmall {
		c.weights[f] = DegenerateWeight
	} else {
		c.weights[f] = dNei / (dOwn + dNei)
	}
	delta := 1 / math.Max(r3.Dot(nHat, d), MinNonOrthDistance*r3.Norm(d))
	c.deltaCoeffs[f] = delta
	c.nonOrthDelta[f] = r3.Sub(nHat, r3.Scale(delta, d))
}

func (c *Cache) coupledFace(f int, cn r3.Vec) {
	c.interFace(f, c.cc[c.mesh.Owner(f)], cn)
	if c.weights[f] <= 0 || c.weights[f] >= 1 {
		c.degenerate = append(c.degenerate, Degenerate{Kind: DegenerateCoupling, Index: f, Value: c.weights[f]})
		c.weights[f] = DegenerateWeight
	}
}

func (c *Cache) boundaryFace(f int) {
	c.weights[f] = 1
	var (
		cp = c.cc[c.mesh.Owner(f)]
		d  = r3.Sub(c.cf[f], cp)
	)
	if c.magSf[f] < VSmall {
		c.deltaCoeffs[f] = 1 / math.Max(r3.Norm(d), VSmall)
		return
	}
	nHat := r3.Scale(1/c.magSf[f], c.sf[f])
	delta := 1 / math.Max(r3.Dot(nHat, d), MinNonOrthDistance*r3.Norm(d))
	c.deltaCoeffs[f] = delta
	c.nonOrthDelta[f] = r3.Sub(nHat, r3.Scale(delta, d))
}

// cellCentreAndVolume decomposes a cell into pyramids on its faces with apex
// at the average of its face centres
func (c *Cache) cellCentreAndVolume(cell int) (centre r3.Vec, vol float64) {
	var (
		m     = c.mesh
		faces = m.CellFaces(cell)
		cEst  r3.Vec
	)
	for _, f := range faces {
		cEst = r3.Add(cEst, c.cf[f])
	}
	cEst = r3.Scale(1/float64(len(faces)), cEst)
	var sumC r3.Vec
	for _, f := range faces {
		var pyr3Vol float64
		if m.Owner(f) == cell {
			pyr3Vol = r3.Dot(c.sf[f], r3.Sub(c.cf[f], cEst))
		} else {
			pyr3Vol = r3.Dot(c.sf[f], r3.Sub(cEst, c.cf[f]))
		}
		pc := r3.Add(r3.Scale(0.75, c.cf[f]), r3.Scale(0.25, cEst))
		sumC = r3.Add(sumC, r3.Scale(pyr3Vol, pc))
		vol += pyr3Vol
	}
	if math.Abs(vol) > VSmall {
		centre = r3.Scale(1/vol, sumC)
	} else {
		centre = cEst
	}
	vol /= 3
	return
}

// FaceCentreAndArea returns the centroid and area vector of a polygon from
// triangles fanned about its point average
func FaceCentreAndArea(points []r3.Vec, face []int) (centre, area r3.Vec) {
	n := len(face)
	if n == 3 {
		a, b, cc := points[face[0]], points[face[1]], points[face[2]]
		centre = r3.Scale(1./3, r3.Add(r3.Add(a, b), cc))
		area = r3.Scale(0.5, r3.Cross(r3.Sub(b, a), r3.Sub(cc, a)))
		return
	}
	var pAvg r3.Vec
	for _, p := range face {
		pAvg = r3.Add(pAvg, points[p])
	}
	pAvg = r3.Scale(1/float64(n), pAvg)

	var (
		sumN  r3.Vec
		sumA  float64
		sumAc r3.Vec
	)
	for i := 0; i < n; i++ {
		p := points[face[i]]
		next := points[face[(i+1)%n]]
		tc := r3.Add(r3.Add(p, next), pAvg)
		tn := r3.Cross(r3.Sub(next, p), r3.Sub(pAvg, p))
		ta := r3.Norm(tn)
		sumN = r3.Add(sumN, tn)
		sumA += ta
		sumAc = r3.Add(sumAc, r3.Scale(ta, tc))
	}
	if sumA < VSmall {
		centre = pAvg
	} else {
		centre = r3.Scale(1/(3*sumA), sumAc)
	}
	area = r3.Scale(0.5, sumN)
	return
}
