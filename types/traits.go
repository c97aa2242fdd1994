package types

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Traits supplies the algebra a generic field, matrix or operator needs for
// its value type. Matrix coefficients are always scalar, values are T.
type Traits[T any] interface {
	Zero() T
	Add(a, b T) T
	Sub(a, b T) T
	Scale(s float64, a T) T
	Mag(a T) float64
	NComponents() int
	Component(a T, i int) float64
	SetComponent(a T, i int, v float64) T
	Name() string
}

type Scalar struct{}

func (Scalar) Zero() float64                                   { return 0 }
func (Scalar) Add(a, b float64) float64                        { return a + b }
func (Scalar) Sub(a, b float64) float64                        { return a - b }
func (Scalar) Scale(s float64, a float64) float64              { return s * a }
func (Scalar) Mag(a float64) float64                           { return math.Abs(a) }
func (Scalar) NComponents() int                                { return 1 }
func (Scalar) Component(a float64, _ int) float64              { return a }
func (Scalar) SetComponent(_ float64, _ int, v float64) float64 { return v }
func (Scalar) Name() string                                    { return "scalar" }

type Vector struct{}

func (Vector) Zero() r3.Vec                      { return r3.Vec{} }
func (Vector) Add(a, b r3.Vec) r3.Vec            { return r3.Add(a, b) }
func (Vector) Sub(a, b r3.Vec) r3.Vec            { return r3.Sub(a, b) }
func (Vector) Scale(s float64, a r3.Vec) r3.Vec  { return r3.Scale(s, a) }
func (Vector) Mag(a r3.Vec) float64              { return r3.Norm(a) }
func (Vector) NComponents() int                  { return 3 }
func (Vector) Name() string                      { return "vector" }
func (Vector) Component(a r3.Vec, i int) float64 { return VecComponent(a, i) }
func (Vector) SetComponent(a r3.Vec, i int, v float64) r3.Vec {
	switch i {
	case 0:
		a.X = v
	case 1:
		a.Y = v
	case 2:
		a.Z = v
	default:
		panic("vector component out of range")
	}
	return a
}

// VecComponent returns X, Y or Z for i = 0, 1, 2
func VecComponent(a r3.Vec, i int) float64 {
	switch i {
	case 0:
		return a.X
	case 1:
		return a.Y
	case 2:
		return a.Z
	}
	panic("vector component out of range")
}

type TensorTraits struct{}

func (TensorTraits) Zero() Tensor { return Tensor{} }
func (TensorTraits) Add(a, b Tensor) Tensor {
	for i := range a {
		a[i] += b[i]
	}
	return a
}
func (TensorTraits) Sub(a, b Tensor) Tensor {
	for i := range a {
		a[i] -= b[i]
	}
	return a
}
func (TensorTraits) Scale(s float64, a Tensor) Tensor {
	for i := range a {
		a[i] *= s
	}
	return a
}
func (TensorTraits) Mag(a Tensor) float64 {
	var sum float64
	for _, v := range a {
		sum += v * v
	}
	return math.Sqrt(sum)
}
func (TensorTraits) NComponents() int                { return 9 }
func (TensorTraits) Component(a Tensor, i int) float64 { return a[i] }
func (TensorTraits) SetComponent(a Tensor, i int, v float64) Tensor {
	a[i] = v
	return a
}
func (TensorTraits) Name() string { return "tensor" }
