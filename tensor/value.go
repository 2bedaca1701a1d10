// Package tensor holds the typed tensor value exchanged with inference
// engines and the codec that converts loosely-typed host arguments into it.
package tensor

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/amikos-tech/onnx-bridge/errdefs"
)

// Value is a typed, shaped, contiguous tensor buffer. The buffer length
// always equals the shape's element count.
type Value struct {
	elementType ElementType
	shape       Shape
	data        any
}

// New builds a Value over data. The Value takes ownership of data; callers
// must not modify the slice afterwards.
func New[T Element](shape Shape, data []T) (*Value, error) {
	count, err := shape.ElementCount()
	if err != nil {
		return nil, &errdefs.Error{Kind: errdefs.ShapeMismatch, Op: "new tensor", Expected: shape.Clone(), Err: err}
	}
	if len(data) != count {
		return nil, &errdefs.Error{
			Kind:     errdefs.ShapeMismatch,
			Op:       "new tensor",
			Expected: shape.Clone(),
			Actual:   []int64{int64(len(data))},
			Detail:   fmt.Sprintf("shape wants %d elements", count),
		}
	}
	if data == nil {
		data = []T{}
	}
	return &Value{elementType: elementTypeOf[T](), shape: shape.Clone(), data: data}, nil
}

// Zeros allocates a zero-filled Value of the given type and shape.
func Zeros(elementType ElementType, shape Shape) (*Value, error) {
	count, err := shape.ElementCount()
	if err != nil {
		return nil, &errdefs.Error{Kind: errdefs.ShapeMismatch, Op: "new tensor", Expected: shape.Clone(), Err: err}
	}
	switch elementType {
	case Float32:
		return New(shape, make([]float32, count))
	case Int32:
		return New(shape, make([]int32, count))
	case Int64:
		return New(shape, make([]int64, count))
	case Float16:
		return New(shape, make([]float16.Float16, count))
	}
	return nil, &errdefs.Error{Kind: errdefs.UnsupportedElementType, Op: "new tensor", Detail: elementType.String()}
}

// Data returns the typed buffer of v. It fails when T does not match the
// element type of v.
func Data[T Element](v *Value) ([]T, error) {
	if v == nil {
		return nil, errdefs.New(errdefs.InvalidArgument, "tensor data", "nil tensor")
	}
	data, ok := v.data.([]T)
	if !ok {
		var zero T
		return nil, &errdefs.Error{
			Kind:   errdefs.UnsupportedElementType,
			Op:     "tensor data",
			Detail: fmt.Sprintf("tensor holds %s, requested %T", v.elementType, zero),
		}
	}
	return data, nil
}

// ElementType returns the element type of v.
func (v *Value) ElementType() ElementType {
	return v.elementType
}

// Shape returns a copy of the dimensions of v.
func (v *Value) Shape() Shape {
	return v.shape.Clone()
}

// Len returns the number of elements in v.
func (v *Value) Len() int {
	switch d := v.data.(type) {
	case []float32:
		return len(d)
	case []int32:
		return len(d)
	case []int64:
		return len(d)
	case []float16.Float16:
		return len(d)
	}
	return 0
}

// Buffer returns the underlying slice as an untyped value. Engines use it
// to bind the buffer without copying.
func (v *Value) Buffer() any {
	return v.data
}

// Clone returns a deep copy of v.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{elementType: v.elementType, shape: v.shape.Clone()}
	switch d := v.data.(type) {
	case []float32:
		out.data = append([]float32(nil), d...)
	case []int32:
		out.data = append([]int32(nil), d...)
	case []int64:
		out.data = append([]int64(nil), d...)
	case []float16.Float16:
		out.data = append([]float16.Float16(nil), d...)
	}
	return out
}

// Reshape returns a Value sharing the buffer of v under a new shape with the
// same element count.
func (v *Value) Reshape(shape Shape) (*Value, error) {
	count, err := shape.ElementCount()
	if err != nil || count != v.Len() {
		return nil, &errdefs.Error{
			Kind:     errdefs.ShapeMismatch,
			Op:       "reshape",
			Expected: shape.Clone(),
			Actual:   []int64{int64(v.Len())},
			Err:      err,
		}
	}
	return &Value{elementType: v.elementType, shape: shape.Clone(), data: v.data}, nil
}

func (v *Value) String() string {
	return fmt.Sprintf("tensor<%s>%s", v.elementType, v.shape)
}
