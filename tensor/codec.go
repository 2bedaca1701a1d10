package tensor

import (
	"fmt"
	"math"

	"github.com/x448/float16"

	"github.com/amikos-tech/onnx-bridge/errdefs"
)

// TypePolicy decides the element type of an input whose type was not
// declared.
type TypePolicy int

const (
	// PolicyFloat32 always encodes undeclared inputs as Float32.
	PolicyFloat32 TypePolicy = iota
	// PolicyInspect encodes undeclared inputs as Int32 when the first
	// number is an Int, and as Float32 otherwise.
	PolicyInspect
)

func (p TypePolicy) String() string {
	switch p {
	case PolicyFloat32:
		return "float32"
	case PolicyInspect:
		return "inspect"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParseTypePolicy maps a configuration name to a TypePolicy.
func ParseTypePolicy(name string) (TypePolicy, error) {
	switch name {
	case "", "float32":
		return PolicyFloat32, nil
	case "inspect":
		return PolicyInspect, nil
	}
	return 0, errdefs.New(errdefs.InvalidArgument, "parse type policy", "unknown policy %q", name)
}

// Codec converts between Raw host values and typed Values.
type Codec struct {
	Policy TypePolicy
}

// Encode converts raw into a Value. A non-Undefined declared type and a
// non-nil declared shape override inference; a Fields value supplies its
// own declarations, which take precedence over the arguments.
//
// Integer targets truncate toward zero and reject NaN, infinities and values
// outside the type with ValueOutOfRange. Float targets round like a Go
// conversion: finite values beyond the Float32 or Float16 range become
// +Inf or -Inf without error.
func (c Codec) Encode(raw Raw, declared ElementType, shape Shape) (*Value, error) {
	if f, ok := raw.(Fields); ok {
		if f.Type != "" {
			t, err := ParseElementType(f.Type)
			if err != nil {
				return nil, err
			}
			declared = t
		}
		if f.Shape != nil {
			shape = f.Shape
		}
		raw = f.Data
	}
	if raw == nil {
		return nil, errdefs.New(errdefs.InvalidArgument, "encode", "missing data")
	}

	flat, inferred, err := flatten(raw)
	if err != nil {
		return nil, err
	}

	if shape == nil {
		shape = inferred
	} else {
		count, err := shape.ElementCount()
		if err != nil {
			return nil, &errdefs.Error{Kind: errdefs.ShapeMismatch, Op: "encode", Expected: shape.Clone(), Err: err}
		}
		if count != len(flat) {
			return nil, &errdefs.Error{
				Kind:     errdefs.ShapeMismatch,
				Op:       "encode",
				Expected: shape.Clone(),
				Actual:   []int64{int64(len(flat))},
				Detail:   fmt.Sprintf("shape wants %d elements", count),
			}
		}
	}

	elementType := declared
	if elementType == Undefined {
		elementType = c.inferType(flat)
	}

	switch elementType {
	case Float32:
		buf := make([]float32, len(flat))
		for i, n := range flat {
			buf[i] = float32(n.float())
		}
		return New(shape, buf)
	case Float16:
		buf := make([]float16.Float16, len(flat))
		for i, n := range flat {
			buf[i] = float16.Fromfloat32(float32(n.float()))
		}
		return New(shape, buf)
	case Int32:
		buf := make([]int32, len(flat))
		for i, n := range flat {
			v, err := n.integer(math.MinInt32, math.MaxInt32)
			if err != nil {
				return nil, withIndex(err, i, Int32)
			}
			buf[i] = int32(v)
		}
		return New(shape, buf)
	case Int64:
		buf := make([]int64, len(flat))
		for i, n := range flat {
			v, err := n.integer(math.MinInt64, math.MaxInt64)
			if err != nil {
				return nil, withIndex(err, i, Int64)
			}
			buf[i] = v
		}
		return New(shape, buf)
	}
	return nil, &errdefs.Error{Kind: errdefs.UnsupportedElementType, Op: "encode", Detail: elementType.String()}
}

func (c Codec) inferType(flat []number) ElementType {
	if c.Policy == PolicyInspect && len(flat) > 0 && flat[0].isInt {
		return Int32
	}
	return Float32
}

// Decode returns the elements of v as a flat Sequence in row-major order.
// Float types decode to Float, integer types to Int.
func (c Codec) Decode(v *Value) (Sequence, error) {
	if v == nil {
		return nil, errdefs.New(errdefs.InvalidArgument, "decode", "nil tensor")
	}
	switch d := v.data.(type) {
	case []float32:
		out := make(Sequence, len(d))
		for i, x := range d {
			out[i] = Float(x)
		}
		return out, nil
	case []float16.Float16:
		out := make(Sequence, len(d))
		for i, x := range d {
			out[i] = Float(x.Float32())
		}
		return out, nil
	case []int32:
		out := make(Sequence, len(d))
		for i, x := range d {
			out[i] = Int(x)
		}
		return out, nil
	case []int64:
		out := make(Sequence, len(d))
		for i, x := range d {
			out[i] = Int(x)
		}
		return out, nil
	}
	return nil, &errdefs.Error{Kind: errdefs.UnsupportedElementType, Op: "decode", Detail: v.elementType.String()}
}

// DecodeShaped returns the elements of v nested according to its shape. A
// rank-0 value decodes to a single number.
func (c Codec) DecodeShaped(v *Value) (Raw, error) {
	flat, err := c.Decode(v)
	if err != nil {
		return nil, err
	}
	if len(v.shape) == 0 {
		if len(flat) == 0 {
			return Sequence{}, nil
		}
		return flat[0], nil
	}
	nested, _ := nest(flat, v.shape)
	return nested, nil
}

func nest(flat Sequence, shape Shape) (Sequence, Sequence) {
	if len(shape) == 1 {
		n := int(shape[0])
		return append(Sequence(nil), flat[:n]...), flat[n:]
	}
	out := make(Sequence, 0, shape[0])
	rest := flat
	for i := int64(0); i < shape[0]; i++ {
		var child Sequence
		child, rest = nest(rest, shape[1:])
		out = append(out, child)
	}
	return out, rest
}

type number struct {
	f     float64
	i     int64
	isInt bool
}

func (n number) float() float64 {
	if n.isInt {
		return float64(n.i)
	}
	return n.f
}

// integer truncates toward zero and rejects values outside [lo, hi].
func (n number) integer(lo, hi int64) (int64, error) {
	if n.isInt {
		if n.i < lo || n.i > hi {
			return 0, errdefs.New(errdefs.ValueOutOfRange, "encode", "%d", n.i)
		}
		return n.i, nil
	}
	if math.IsNaN(n.f) || math.IsInf(n.f, 0) {
		return 0, errdefs.New(errdefs.ValueOutOfRange, "encode", "%v", n.f)
	}
	t := math.Trunc(n.f)
	// float64(MaxInt64) rounds up to 2^63, hence >=.
	if t < float64(lo) || t >= float64(hi)+1 {
		return 0, errdefs.New(errdefs.ValueOutOfRange, "encode", "%v", n.f)
	}
	return int64(t), nil
}

func withIndex(err error, i int, t ElementType) error {
	if e, ok := err.(*errdefs.Error); ok {
		e.Detail = fmt.Sprintf("element %d (%s) cannot be represented as %s", i, e.Detail, t)
	}
	return err
}

// flatten walks raw depth-first and returns its numbers in row-major order
// together with the shape implied by the nesting.
func flatten(raw Raw) ([]number, Shape, error) {
	switch r := raw.(type) {
	case Float:
		return []number{{f: float64(r)}}, Shape{}, nil
	case Int:
		return []number{{i: int64(r), isInt: true}}, Shape{}, nil
	case Sequence:
		return flattenSequence(r, 0)
	case Fields:
		return nil, nil, errdefs.New(errdefs.ShapeInference, "encode", "nested fields are not allowed")
	}
	return nil, nil, errdefs.New(errdefs.InvalidArgument, "encode", "unsupported value %T", raw)
}

func flattenSequence(seq Sequence, depth int) ([]number, Shape, error) {
	if len(seq) == 0 {
		return []number{}, Shape{0}, nil
	}

	var (
		out   []number
		child Shape
	)
	for i, elem := range seq {
		var (
			nums  []number
			shape Shape
		)
		switch e := elem.(type) {
		case Float:
			nums, shape = []number{{f: float64(e)}}, Shape{}
		case Int:
			nums, shape = []number{{i: int64(e), isInt: true}}, Shape{}
		case Sequence:
			var err error
			nums, shape, err = flattenSequence(e, depth+1)
			if err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, &errdefs.Error{
				Kind:   errdefs.ShapeInference,
				Op:     "encode",
				Detail: fmt.Sprintf("unsupported element %T at depth %d index %d", elem, depth, i),
			}
		}
		if i == 0 {
			child = shape
			out = make([]number, 0, len(seq)*len(nums))
		} else if !child.Equal(shape) {
			return nil, nil, &errdefs.Error{
				Kind:     errdefs.ShapeInference,
				Op:       "encode",
				Expected: child.Clone(),
				Actual:   shape.Clone(),
				Detail:   fmt.Sprintf("ragged sequence at depth %d index %d", depth, i),
			}
		}
		out = append(out, nums...)
	}
	return out, append(Shape{int64(len(seq))}, child...), nil
}
