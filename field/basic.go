package field

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/types"
)

const (
	TypeFixedValue        = "fixedValue"
	TypeUniformFixedValue = "uniformFixedValue"
	TypeZeroGradient      = "zeroGradient"
	TypeFixedGradient     = "fixedGradient"
	TypeMixed             = "mixed"
	TypeCalculated        = "calculated"
	TypeEmpty             = "empty"
	TypeSymmetryPlane     = "symmetryPlane"
	TypeCyclic            = "cyclic"
	TypeProcessor         = "processor"
)

func (f *Field[T]) warnDefault(patch int, bc, param, fallback string) {
	f.Logger().Warn("boundary parameter missing, using default",
		"field", f.Name, "patch", f.Mesh.Patch(patch).Name, "type", bc,
		"parameter", param, "default", fallback)
}

type fixedValue[T any] struct {
	patchBase[T]
}

func newFixedValue[T any](f *Field[T], patch int, params Params) (PatchField[T], error) {
	pf := &fixedValue[T]{newPatchBase(f, patch)}
	v, ok, err := paramValue(f.Traits, params, "value")
	if err != nil {
		return nil, err
	}
	if !ok {
		f.warnDefault(patch, TypeFixedValue, "value", "face cell values")
		copy(pf.values, pf.patchInternal())
		return pf, nil
	}
	for i := range pf.values {
		pf.values[i] = v
	}
	return pf, nil
}

func (pf *fixedValue[T]) Type() string                    { return TypeFixedValue }
func (pf *fixedValue[T]) Evaluate(*EvalContext) error     { return nil }
func (pf *fixedValue[T]) SnGrad() []T                     { return pf.fixedValueSnGrad() }
func (pf *fixedValue[T]) Clone(f *Field[T]) PatchField[T] { return &fixedValue[T]{pf.rebind(f)} }
func (pf *fixedValue[T]) MatrixContribution(_, deltas []float64) Contribution[T] {
	return pf.fixedValueContribution(deltas)
}

type tablePoint[T any] struct {
	t float64
	v T
}

// uniformFixedValue follows a piecewise linear table of time, clamped at
// both ends
type uniformFixedValue[T any] struct {
	fixedValue[T]
	table []tablePoint[T]
}

func newUniformFixedValue[T any](f *Field[T], patch int, params Params) (PatchField[T], error) {
	raw, ok := params["table"]
	if !ok {
		return nil, fmt.Errorf("%s requires a table", TypeUniformFixedValue)
	}
	rows, ok := raw.([]any)
	if !ok || len(rows) == 0 {
		return nil, fmt.Errorf("%s table must be a non-empty list of [time, value]", TypeUniformFixedValue)
	}
	pf := &uniformFixedValue[T]{fixedValue: fixedValue[T]{newPatchBase(f, patch)}}
	for i, r := range rows {
		row, ok := r.([]any)
		if !ok || len(row) != 2 {
			return nil, fmt.Errorf("%s table row %d is not [time, value]", TypeUniformFixedValue, i)
		}
		t, err := toFloats(row[0])
		if err != nil || len(t) != 1 {
			return nil, fmt.Errorf("%s table row %d: bad time", TypeUniformFixedValue, i)
		}
		v, err := ParseValue(f.Traits, row[1])
		if err != nil {
			return nil, fmt.Errorf("%s table row %d: %w", TypeUniformFixedValue, i, err)
		}
		pf.table = append(pf.table, tablePoint[T]{t: t[0], v: v})
	}
	sort.SliceStable(pf.table, func(i, j int) bool { return pf.table[i].t < pf.table[j].t })
	pf.set(0)
	return pf, nil
}

func (pf *uniformFixedValue[T]) Type() string { return TypeUniformFixedValue }

func (pf *uniformFixedValue[T]) Evaluate(ec *EvalContext) error {
	var t float64
	if ec != nil {
		t = ec.Time
	}
	pf.set(t)
	return nil
}

func (pf *uniformFixedValue[T]) At(t float64) T {
	var (
		tr  = pf.field.Traits
		tab = pf.table
		n   = len(tab)
	)
	if t <= tab[0].t {
		return tab[0].v
	}
	if t >= tab[n-1].t {
		return tab[n-1].v
	}
	k := sort.Search(n, func(i int) bool { return tab[i].t > t })
	a, b := tab[k-1], tab[k]
	s := (t - a.t) / (b.t - a.t)
	return tr.Add(tr.Scale(1-s, a.v), tr.Scale(s, b.v))
}

func (pf *uniformFixedValue[T]) set(t float64) {
	v := pf.At(t)
	for i := range pf.values {
		pf.values[i] = v
	}
}

func (pf *uniformFixedValue[T]) Clone(f *Field[T]) PatchField[T] {
	return &uniformFixedValue[T]{fixedValue: fixedValue[T]{pf.rebind(f)}, table: pf.table}
}

type zeroGradient[T any] struct {
	patchBase[T]
}

func newZeroGradient[T any](f *Field[T], patch int, _ Params) (PatchField[T], error) {
	pf := &zeroGradient[T]{newPatchBase(f, patch)}
	copy(pf.values, pf.patchInternal())
	return pf, nil
}

func (pf *zeroGradient[T]) Type() string { return TypeZeroGradient }

func (pf *zeroGradient[T]) Evaluate(*EvalContext) error {
	copy(pf.values, pf.patchInternal())
	return nil
}

func (pf *zeroGradient[T]) SnGrad() []T {
	sn := make([]T, len(pf.values))
	for i := range sn {
		sn[i] = pf.field.Traits.Zero()
	}
	return sn
}

func (pf *zeroGradient[T]) MatrixContribution(_, _ []float64) Contribution[T] {
	c := newContribution[T](len(pf.values), false)
	for i := range c.ValueInternal {
		c.ValueInternal[i] = 1
		c.ValueBoundary[i] = pf.field.Traits.Zero()
		c.GradBoundary[i] = pf.field.Traits.Zero()
	}
	return c
}

func (pf *zeroGradient[T]) Clone(f *Field[T]) PatchField[T] { return &zeroGradient[T]{pf.rebind(f)} }

type fixedGradient[T any] struct {
	patchBase[T]
	gradient []T
}

func newFixedGradient[T any](f *Field[T], patch int, params Params) (PatchField[T], error) {
	g, ok, err := paramValue(f.Traits, params, "gradient")
	if err != nil {
		return nil, err
	}
	if !ok {
		f.warnDefault(patch, TypeFixedGradient, "gradient", "0")
		g = f.Traits.Zero()
	}
	pf := &fixedGradient[T]{patchBase: newPatchBase(f, patch)}
	pf.gradient = make([]T, len(pf.values))
	for i := range pf.gradient {
		pf.gradient[i] = g
	}
	if err = pf.Evaluate(nil); err != nil {
		return nil, err
	}
	return pf, nil
}

func (pf *fixedGradient[T]) Type() string { return TypeFixedGradient }

func (pf *fixedGradient[T]) Evaluate(*EvalContext) error {
	var (
		tr    = pf.field.Traits
		delta = pf.deltas()
	)
	for i, p := range pf.patchInternal() {
		pf.values[i] = tr.Add(p, tr.Scale(1/delta[i], pf.gradient[i]))
	}
	return nil
}

func (pf *fixedGradient[T]) SnGrad() []T { return append([]T(nil), pf.gradient...) }

// SetGradient replaces the face normal gradient on every face
func (pf *fixedGradient[T]) SetGradient(g T) {
	for i := range pf.gradient {
		pf.gradient[i] = g
	}
}

func (pf *fixedGradient[T]) MatrixContribution(_, deltas []float64) Contribution[T] {
	tr := pf.field.Traits
	c := newContribution[T](len(pf.values), false)
	for i, g := range pf.gradient {
		c.ValueInternal[i] = 1
		c.ValueBoundary[i] = tr.Scale(1/deltas[i], g)
		c.GradBoundary[i] = g
	}
	return c
}

func (pf *fixedGradient[T]) Clone(f *Field[T]) PatchField[T] {
	return &fixedGradient[T]{patchBase: pf.rebind(f), gradient: append([]T(nil), pf.gradient...)}
}

// Mixed blends a fixed value and a fixed gradient per face:
//
//	value = f*refValue + (1-f)*(psi_P + refGradient/delta)
type Mixed[T any] struct {
	patchBase[T]
	refValue, refGradient []T
	fraction              []float64
}

func newMixed[T any](f *Field[T], patch int, params Params) (PatchField[T], error) {
	pf := &Mixed[T]{patchBase: newPatchBase(f, patch)}
	n := len(pf.values)
	rv, ok, err := paramValue(f.Traits, params, "refValue")
	if err != nil {
		return nil, err
	}
	pf.refValue = make([]T, n)
	if ok {
		for i := range pf.refValue {
			pf.refValue[i] = rv
		}
	} else {
		f.warnDefault(patch, TypeMixed, "refValue", "face cell values")
		copy(pf.refValue, pf.patchInternal())
	}
	rg, ok, err := paramValue(f.Traits, params, "refGradient")
	if err != nil {
		return nil, err
	}
	if !ok {
		f.warnDefault(patch, TypeMixed, "refGradient", "0")
		rg = f.Traits.Zero()
	}
	pf.refGradient = make([]T, n)
	for i := range pf.refGradient {
		pf.refGradient[i] = rg
	}
	vf, ok, err := paramFloat(params, "valueFraction")
	if err != nil {
		return nil, err
	}
	if !ok {
		f.warnDefault(patch, TypeMixed, "valueFraction", "1")
		vf = 1
	}
	pf.fraction = make([]float64, n)
	if err = pf.SetValueFraction(vf); err != nil {
		return nil, err
	}
	if err = pf.Evaluate(nil); err != nil {
		return nil, err
	}
	return pf, nil
}

func (pf *Mixed[T]) Type() string { return TypeMixed }

// SetValueFraction sets the blend fraction of every face
func (pf *Mixed[T]) SetValueFraction(f float64) error {
	if f < 0 || f > 1 {
		return fmt.Errorf("value fraction %g outside [0,1]", f)
	}
	for i := range pf.fraction {
		pf.fraction[i] = f
	}
	return nil
}

// SetValueFractions sets a blend fraction per face
func (pf *Mixed[T]) SetValueFractions(f []float64) error {
	if len(f) != len(pf.fraction) {
		return fmt.Errorf("%d value fractions for %d faces", len(f), len(pf.fraction))
	}
	for i, v := range f {
		if v < 0 || v > 1 {
			return fmt.Errorf("value fraction %g outside [0,1] on face %d", v, i)
		}
	}
	copy(pf.fraction, f)
	return nil
}

func (pf *Mixed[T]) ValueFractions() []float64 { return pf.fraction }

func (pf *Mixed[T]) SetRefValue(v T) {
	for i := range pf.refValue {
		pf.refValue[i] = v
	}
}

func (pf *Mixed[T]) SetRefGradient(g T) {
	for i := range pf.refGradient {
		pf.refGradient[i] = g
	}
}

func (pf *Mixed[T]) Evaluate(*EvalContext) error {
	var (
		tr    = pf.field.Traits
		delta = pf.deltas()
	)
	for i, p := range pf.patchInternal() {
		f := pf.fraction[i]
		grad := tr.Add(p, tr.Scale(1/delta[i], pf.refGradient[i]))
		pf.values[i] = tr.Add(tr.Scale(f, pf.refValue[i]), tr.Scale(1-f, grad))
	}
	return nil
}

func (pf *Mixed[T]) SnGrad() []T {
	var (
		tr    = pf.field.Traits
		delta = pf.deltas()
		sn    = make([]T, len(pf.values))
	)
	for i, p := range pf.patchInternal() {
		f := pf.fraction[i]
		fixed := tr.Scale(f*delta[i], tr.Sub(pf.refValue[i], p))
		sn[i] = tr.Add(fixed, tr.Scale(1-f, pf.refGradient[i]))
	}
	return sn
}

func (pf *Mixed[T]) MatrixContribution(_, deltas []float64) Contribution[T] {
	tr := pf.field.Traits
	c := newContribution[T](len(pf.values), false)
	for i := range pf.values {
		f, d := pf.fraction[i], deltas[i]
		c.ValueInternal[i] = 1 - f
		c.ValueBoundary[i] = tr.Add(tr.Scale(f, pf.refValue[i]), tr.Scale((1-f)/d, pf.refGradient[i]))
		c.GradInternal[i] = -f * d
		c.GradBoundary[i] = tr.Add(tr.Scale(f*d, pf.refValue[i]), tr.Scale(1-f, pf.refGradient[i]))
	}
	return c
}

func (pf *Mixed[T]) Clone(f *Field[T]) PatchField[T] {
	return &Mixed[T]{
		patchBase:   pf.rebind(f),
		refValue:    append([]T(nil), pf.refValue...),
		refGradient: append([]T(nil), pf.refGradient...),
		fraction:    append([]float64(nil), pf.fraction...),
	}
}

// Calculated holds values assigned by whoever computes them. In a matrix it
// acts as a fixed value at its current values.
type Calculated[T any] struct {
	patchBase[T]
}

func newCalculated[T any](f *Field[T], patch int, _ Params) (PatchField[T], error) {
	pf := &Calculated[T]{newPatchBase(f, patch)}
	copy(pf.values, pf.patchInternal())
	return pf, nil
}

func (pf *Calculated[T]) Type() string                { return TypeCalculated }
func (pf *Calculated[T]) Evaluate(*EvalContext) error { return nil }
func (pf *Calculated[T]) SnGrad() []T                 { return pf.fixedValueSnGrad() }

func (pf *Calculated[T]) SetValues(values []T) error {
	if len(values) != len(pf.values) {
		return fmt.Errorf("%d values for %d faces", len(values), len(pf.values))
	}
	copy(pf.values, values)
	return nil
}

func (pf *Calculated[T]) MatrixContribution(_, deltas []float64) Contribution[T] {
	return pf.fixedValueContribution(deltas)
}

func (pf *Calculated[T]) Clone(f *Field[T]) PatchField[T] { return &Calculated[T]{pf.rebind(f)} }

// empty patches take no part in the discretisation
type empty[T any] struct {
	patchBase[T]
}

func newEmpty[T any](f *Field[T], patch int, _ Params) (PatchField[T], error) {
	if pt := f.Mesh.Patch(patch).Type; pt != mesh.PatchEmpty {
		return nil, fmt.Errorf("%s condition on a %s patch", TypeEmpty, pt)
	}
	return &empty[T]{patchBase[T]{field: f, index: patch}}, nil
}

func (pf *empty[T]) Type() string                { return TypeEmpty }
func (pf *empty[T]) Evaluate(*EvalContext) error { return nil }
func (pf *empty[T]) SnGrad() []T                 { return nil }
func (pf *empty[T]) MatrixContribution(_, _ []float64) Contribution[T] {
	return Contribution[T]{}
}
func (pf *empty[T]) Clone(f *Field[T]) PatchField[T] {
	return &empty[T]{patchBase[T]{field: f, index: pf.index}}
}

// symmetryPlane mirrors the face cell value through the face plane. Scalars
// see a zero gradient; vectors and tensors lose their normal part.
type symmetryPlane[T any] struct {
	patchBase[T]
}

func newSymmetryPlane[T any](f *Field[T], patch int, _ Params) (PatchField[T], error) {
	if pt := f.Mesh.Patch(patch).Type; pt != mesh.PatchSymmetryPlane {
		return nil, fmt.Errorf("%s condition on a %s patch", TypeSymmetryPlane, pt)
	}
	pf := &symmetryPlane[T]{newPatchBase(f, patch)}
	return pf, pf.Evaluate(nil)
}

func (pf *symmetryPlane[T]) Type() string { return TypeSymmetryPlane }

func (pf *symmetryPlane[T]) scalar() bool { return pf.field.Traits.NComponents() == 1 }

func (pf *symmetryPlane[T]) Evaluate(*EvalContext) error {
	var (
		tr = pf.field.Traits
		p  = pf.Patch()
		sf = pf.field.Geo.FaceAreas()[p.Start:p.End()]
	)
	for i, v := range pf.patchInternal() {
		if pf.scalar() {
			pf.values[i] = v
			continue
		}
		// Mean of the value and its reflection
		pf.values[i] = tr.Scale(0.5, tr.Add(v, reflect(tr, r3.Unit(sf[i]), v)))
	}
	return nil
}

func (pf *symmetryPlane[T]) SnGrad() []T {
	if pf.scalar() {
		sn := make([]T, len(pf.values))
		for i := range sn {
			sn[i] = pf.field.Traits.Zero()
		}
		return sn
	}
	return pf.fixedValueSnGrad()
}

func (pf *symmetryPlane[T]) MatrixContribution(_, deltas []float64) Contribution[T] {
	if !pf.scalar() {
		return pf.fixedValueContribution(deltas)
	}
	c := newContribution[T](len(pf.values), false)
	for i := range c.ValueInternal {
		c.ValueInternal[i] = 1
	}
	return c
}

func (pf *symmetryPlane[T]) Clone(f *Field[T]) PatchField[T] { return &symmetryPlane[T]{pf.rebind(f)} }

// reflect applies R = I - 2nn to a vector, or R.v.R^T to a tensor
func reflect[T any](tr types.Traits[T], n r3.Vec, v T) T {
	nv := [3]float64{n.X, n.Y, n.Z}
	var R [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			R[i][j] = -2 * nv[i] * nv[j]
		}
		R[i][i] += 1
	}
	switch tr.NComponents() {
	case 3:
		out := tr.Zero()
		for i := 0; i < 3; i++ {
			var s float64
			for j := 0; j < 3; j++ {
				s += R[i][j] * tr.Component(v, j)
			}
			out = tr.SetComponent(out, i, s)
		}
		return out
	case 9:
		out := tr.Zero()
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				var s float64
				for k := 0; k < 3; k++ {
					for l := 0; l < 3; l++ {
						s += R[i][k] * tr.Component(v, 3*k+l) * R[j][l]
					}
				}
				out = tr.SetComponent(out, 3*i+j, s)
			}
		}
		return out
	}
	return v
}
