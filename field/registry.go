package field

import (
	"fmt"
	"sort"
	"sync"

	"github.com/notargets/gofvm/mesh"
	"github.com/notargets/gofvm/types"
)

// Params are the parameters of one boundary condition as decoded from a case
// file: numbers, lists of numbers and strings
type Params map[string]any

// PatchSpec selects a boundary condition by type tag
type PatchSpec struct {
	Type   string `json:"type"`
	Params Params `json:"params,omitempty"`
}

// Constructor builds a patch field for patch index patch of f
type Constructor[T any] func(f *Field[T], patch int, params Params) (PatchField[T], error)

// Registry maps boundary condition tags to constructors. It is an explicit
// value: build one with NewRegistry and hand it to the fields that need it.
type Registry[T any] struct {
	mu    sync.RWMutex
	ctors map[string]Constructor[T]
}

// NewRegistry returns a registry holding the built-in conditions
func NewRegistry[T any]() *Registry[T] {
	r := &Registry[T]{ctors: make(map[string]Constructor[T])}
	r.Register(TypeFixedValue, newFixedValue[T])
	r.Register(TypeUniformFixedValue, newUniformFixedValue[T])
	r.Register(TypeZeroGradient, newZeroGradient[T])
	r.Register(TypeFixedGradient, newFixedGradient[T])
	r.Register(TypeMixed, newMixed[T])
	r.Register(TypeCalculated, newCalculated[T])
	r.Register(TypeEmpty, newEmpty[T])
	r.Register(TypeSymmetryPlane, newSymmetryPlane[T])
	r.Register(TypeCyclic, newCyclic[T])
	r.Register(TypeProcessor, newProcessor[T])
	return r
}

// Register adds or replaces the constructor for tag
func (r *Registry[T]) Register(tag string, c Constructor[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[tag] = c
}

func (r *Registry[T]) Types() (tags []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for tag := range r.ctors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return
}

// constraintType is the only condition a constrained patch type admits
func constraintType(pt mesh.PatchType) string {
	switch pt {
	case mesh.PatchEmpty:
		return TypeEmpty
	case mesh.PatchCyclic:
		return TypeCyclic
	case mesh.PatchProcessor:
		return TypeProcessor
	case mesh.PatchSymmetryPlane:
		return TypeSymmetryPlane
	}
	return ""
}

// New builds the patch field for one patch. Constrained patches (empty,
// cyclic, processor, symmetryPlane) default to their own condition when the
// spec is silent and reject any other.
func (r *Registry[T]) New(f *Field[T], patch int, ps PatchSpec) (PatchField[T], error) {
	p := f.Mesh.Patch(patch)
	tag := ps.Type
	if c := constraintType(p.Type); c != "" {
		if tag == "" {
			tag = c
		} else if tag != c {
			return nil, fmt.Errorf("field %s patch %q: %s patch requires %s, not %s",
				f.Name, p.Name, p.Type, c, tag)
		}
	}
	if tag == "" {
		return nil, fmt.Errorf("field %s: no boundary condition for patch %q", f.Name, p.Name)
	}
	r.mu.RLock()
	ctor, ok := r.ctors[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("field %s patch %q: unknown boundary condition %q, known: %v",
			f.Name, p.Name, tag, r.Types())
	}
	pf, err := ctor(f, patch, ps.Params)
	if err != nil {
		return nil, fmt.Errorf("field %s patch %q: %w", f.Name, p.Name, err)
	}
	return pf, nil
}

func toFloats(x any) ([]float64, error) {
	switch v := x.(type) {
	case float64:
		return []float64{v}, nil
	case float32:
		return []float64{float64(v)}, nil
	case int:
		return []float64{float64(v)}, nil
	case int64:
		return []float64{float64(v)}, nil
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, e := range v {
			fe, err := toFloats(e)
			if err != nil {
				return nil, err
			}
			if len(fe) != 1 {
				return nil, fmt.Errorf("nested list where a number was expected")
			}
			out[i] = fe[0]
		}
		return out, nil
	}
	return nil, fmt.Errorf("cannot read %T as numbers", x)
}

// ParseValue reads a T from a number or a list of components. A single
// number fills every component.
func ParseValue[T any](tr types.Traits[T], x any) (v T, err error) {
	comps, err := toFloats(x)
	if err != nil {
		return
	}
	nc := tr.NComponents()
	v = tr.Zero()
	switch len(comps) {
	case 1:
		for i := 0; i < nc; i++ {
			v = tr.SetComponent(v, i, comps[0])
		}
	case nc:
		for i, c := range comps {
			v = tr.SetComponent(v, i, c)
		}
	default:
		err = fmt.Errorf("%d components for a %s", len(comps), tr.Name())
	}
	return
}

func paramValue[T any](tr types.Traits[T], p Params, key string) (v T, ok bool, err error) {
	x, ok := p[key]
	if !ok {
		return
	}
	if v, err = ParseValue(tr, x); err != nil {
		err = fmt.Errorf("parameter %s: %w", key, err)
	}
	return
}

func paramFloat(p Params, key string) (v float64, ok bool, err error) {
	x, ok := p[key]
	if !ok {
		return
	}
	f, err := toFloats(x)
	if err == nil && len(f) != 1 {
		err = fmt.Errorf("expected one number")
	}
	if err != nil {
		return 0, true, fmt.Errorf("parameter %s: %w", key, err)
	}
	return f[0], true, nil
}
