package tensor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/amikos-tech/onnx-bridge/errdefs"
)

// FromAny converts a host value decoded from JSON or supplied by a caller
// into a Raw. It accepts numbers, json.Number, []any, typed numeric slices
// and maps with "data", "shape" and "type" keys.
func FromAny(v any) (Raw, error) {
	switch x := v.(type) {
	case Raw:
		return x, nil
	case float64:
		return floatOrInt(x), nil
	case float32:
		return Float(x), nil
	case int:
		return Int(x), nil
	case int32:
		return Int(x), nil
	case int64:
		return Int(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, &errdefs.Error{Kind: errdefs.InvalidArgument, Op: "convert host value", Detail: x.String(), Err: err}
		}
		return Float(f), nil
	case []any:
		out := make(Sequence, len(x))
		for i, e := range x {
			r, err := FromAny(e)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case []float64:
		return Floats(x...), nil
	case []float32:
		out := make(Sequence, len(x))
		for i, e := range x {
			out[i] = Float(e)
		}
		return out, nil
	case []int:
		out := make(Sequence, len(x))
		for i, e := range x {
			out[i] = Int(e)
		}
		return out, nil
	case []int32:
		out := make(Sequence, len(x))
		for i, e := range x {
			out[i] = Int(e)
		}
		return out, nil
	case []int64:
		return Ints(x...), nil
	case map[string]any:
		return fieldsFromMap(x)
	case nil:
		return nil, errdefs.New(errdefs.InvalidArgument, "convert host value", "nil value")
	}
	return nil, errdefs.New(errdefs.InvalidArgument, "convert host value", "unsupported host type %T", v)
}

// JSON numbers arrive as float64; integral values keep their integer
// identity so that PolicyInspect can see them.
func floatOrInt(f float64) Raw {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return Int(int64(f))
	}
	return Float(f)
}

func fieldsFromMap(m map[string]any) (Raw, error) {
	data, ok := m["data"]
	if !ok {
		return nil, errdefs.New(errdefs.InvalidArgument, "convert host value", "missing \"data\" key")
	}
	raw, err := FromAny(data)
	if err != nil {
		return nil, err
	}
	f := Fields{Data: raw}
	if t, ok := m["type"]; ok && t != nil {
		s, ok := t.(string)
		if !ok {
			return nil, errdefs.New(errdefs.InvalidArgument, "convert host value", "\"type\" must be a string, got %T", t)
		}
		f.Type = s
	}
	if s, ok := m["shape"]; ok && s != nil {
		shape, err := shapeFromAny(s)
		if err != nil {
			return nil, err
		}
		f.Shape = shape
	}
	return f, nil
}

func shapeFromAny(v any) (Shape, error) {
	switch x := v.(type) {
	case Shape:
		return x.Clone(), nil
	case []int64:
		return Shape(x).Clone(), nil
	case string:
		return ParseShape(x)
	}
	raw, err := FromAny(v)
	if err != nil {
		return nil, err
	}
	seq, ok := raw.(Sequence)
	if !ok {
		return nil, errdefs.New(errdefs.InvalidArgument, "convert host value", "shape must be a list, got %T", v)
	}
	shape := make(Shape, len(seq))
	for i, d := range seq {
		n, ok := d.(Int)
		if !ok || n < 0 {
			return nil, errdefs.New(errdefs.InvalidArgument, "convert host value", "shape dimension %d is not a non-negative integer", i)
		}
		shape[i] = int64(n)
	}
	return shape, nil
}

// ToAny converts a Raw back into plain host values: float64, int64, []any
// and map[string]any.
func ToAny(r Raw) any {
	switch x := r.(type) {
	case Float:
		return float64(x)
	case Int:
		return int64(x)
	case Sequence:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = ToAny(e)
		}
		return out
	case Fields:
		m := map[string]any{"data": ToAny(x.Data)}
		if x.Shape != nil {
			m["shape"] = []int64(x.Shape.Clone())
		}
		if x.Type != "" {
			m["type"] = x.Type
		}
		return m
	}
	return nil
}

// Describe renders r compactly for log lines.
func Describe(r Raw) string {
	switch x := r.(type) {
	case Float, Int:
		return fmt.Sprint(x)
	case Sequence:
		_, shape, err := flatten(x)
		if err != nil {
			return fmt.Sprintf("ragged(%d)", len(x))
		}
		return "seq" + shape.String()
	case Fields:
		return fmt.Sprintf("fields(type=%s shape=%s)", strings.TrimSpace(x.Type), x.Shape)
	}
	return fmt.Sprintf("%T", r)
}
