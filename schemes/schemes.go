// Package schemes supplies the face interpolation weights of the
// discretisation operators
package schemes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/notargets/gofvm/geometry"
	"github.com/notargets/gofvm/mesh"
)

// UpwindZeroFluxOwner selects the owner value on faces with exactly zero
// flux
const UpwindZeroFluxOwner = true

// Scheme returns the owner weight w of every face, so that
// psi_f = w*psi_P + (1-w)*psi_N. Ordinary boundary faces get 1.
type Scheme interface {
	Name() string
	Weights(geo *geometry.Cache, phi []float64) []float64
}

type Linear struct{}

func (Linear) Name() string { return "linear" }

func (Linear) Weights(geo *geometry.Cache, _ []float64) []float64 {
	return append([]float64(nil), geo.Weights()...)
}

type Upwind struct{}

func (Upwind) Name() string { return "upwind" }

func (Upwind) Weights(geo *geometry.Cache, phi []float64) []float64 {
	m := geo.Mesh()
	w := make([]float64, m.NFaces())
	for f := range w {
		w[f] = 1
	}
	each(m, func(f int) {
		w[f] = upwind(phi[f])
	})
	return w
}

func upwind(phi float64) float64 {
	if phi > 0 || (phi == 0 && UpwindZeroFluxOwner) {
		return 1
	}
	return 0
}

// Blended mixes Factor of linear with 1-Factor of upwind
type Blended struct {
	Factor float64
}

func (b Blended) Name() string { return "blended " + strconv.FormatFloat(b.Factor, 'g', -1, 64) }

func (b Blended) Weights(geo *geometry.Cache, phi []float64) []float64 {
	var (
		m   = geo.Mesh()
		lin = geo.Weights()
		w   = make([]float64, m.NFaces())
	)
	for f := range w {
		w[f] = 1
	}
	each(m, func(f int) {
		w[f] = b.Factor*lin[f] + (1-b.Factor)*upwind(phi[f])
	})
	return w
}

// each visits internal faces and faces of coupled patches
func each(m *mesh.Mesh, fn func(f int)) {
	for f := 0; f < m.NInternalFaces(); f++ {
		fn(f)
	}
	for _, p := range m.Patches() {
		if !p.Coupled() {
			continue
		}
		for f := p.Start; f < p.End(); f++ {
			fn(f)
		}
	}
}

// New selects a scheme by name: "linear", "upwind" or "blended <factor>"
func New(name string) (Scheme, error) {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty interpolation scheme")
	}
	switch strings.ToLower(fields[0]) {
	case "linear":
		return Linear{}, nil
	case "upwind":
		return Upwind{}, nil
	case "blended":
		if len(fields) != 2 {
			return nil, fmt.Errorf("blended scheme needs one factor, have %q", name)
		}
		f, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("blended factor %q must be in [0,1]", fields[1])
		}
		return Blended{Factor: f}, nil
	}
	return nil, fmt.Errorf("unknown interpolation scheme %q", name)
}
