package types

import "gonum.org/v1/gonum/spatial/r3"

// Tensor is a full 3x3 tensor stored row major: xx, xy, xz, yx, ... zz
type Tensor [9]float64

// Outer returns a⊗b, so that Outer(Sf, U) summed over faces is the Green-Gauss
// gradient of a vector field with (i,j) = d(U_j)/d(x_i).
func Outer(a, b r3.Vec) (t Tensor) {
	av := [3]float64{a.X, a.Y, a.Z}
	bv := [3]float64{b.X, b.Y, b.Z}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[3*i+j] = av[i] * bv[j]
		}
	}
	return
}

func (t Tensor) At(i, j int) float64 { return t[3*i+j] }

func (t Tensor) Trace() float64 { return t[0] + t[4] + t[8] }

func (t Tensor) Transpose() (r Tensor) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*j+i] = t[3*i+j]
		}
	}
	return
}

// Dot returns t·v
func (t Tensor) Dot(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: t[0]*v.X + t[1]*v.Y + t[2]*v.Z,
		Y: t[3]*v.X + t[4]*v.Y + t[5]*v.Z,
		Z: t[6]*v.X + t[7]*v.Y + t[8]*v.Z,
	}
}

// TDot returns v·t
func (t Tensor) TDot(v r3.Vec) r3.Vec {
	return t.Transpose().Dot(v)
}
