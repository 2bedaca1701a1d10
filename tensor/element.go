package tensor

import (
	"strings"

	"github.com/x448/float16"

	"github.com/amikos-tech/onnx-bridge/errdefs"
)

// ElementType identifies the numeric type of every element in a Value.
type ElementType int

const (
	Undefined ElementType = iota
	Float32
	Int32
	Int64
	Float16
)

// Element is the set of Go types a Value buffer may hold.
type Element interface {
	float32 | int32 | int64 | float16.Float16
}

func (t ElementType) String() string {
	switch t {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Float16:
		return "float16"
	default:
		return "undefined"
	}
}

// Valid reports whether t is one of the implemented element types.
func (t ElementType) Valid() bool {
	return t >= Float32 && t <= Float16
}

// Size returns the width of one element in bytes.
func (t ElementType) Size() int {
	switch t {
	case Float32, Int32:
		return 4
	case Int64:
		return 8
	case Float16:
		return 2
	default:
		return 0
	}
}

// IsInteger reports whether values of t are narrowed by truncation.
func (t ElementType) IsInteger() bool {
	return t == Int32 || t == Int64
}

// ParseElementType maps a host type name to an ElementType. An empty name
// is Undefined and lets the codec apply its policy.
func ParseElementType(name string) (ElementType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return Undefined, nil
	case "float32", "float":
		return Float32, nil
	case "int32", "int":
		return Int32, nil
	case "int64", "long":
		return Int64, nil
	case "float16", "half":
		return Float16, nil
	}
	return Undefined, &errdefs.Error{
		Kind:   errdefs.UnsupportedElementType,
		Op:     "parse element type",
		Detail: name,
	}
}

func elementTypeOf[T Element]() ElementType {
	var zero T
	switch any(zero).(type) {
	case float32:
		return Float32
	case int32:
		return Int32
	case int64:
		return Int64
	case float16.Float16:
		return Float16
	}
	return Undefined
}
