package tensor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/amikos-tech/onnx-bridge/errdefs"
)

// Shape lists tensor dimensions, outermost first.
type Shape []int64

// ElementCount returns the product of all dimensions. A rank-0 shape holds
// one element; any zero dimension yields zero.
func (s Shape) ElementCount() (int, error) {
	maxInt := int(^uint(0) >> 1)

	count := 1
	for i, dim := range s {
		if dim < 0 {
			return 0, fmt.Errorf("invalid shape dimension at index %d: %d (must be >= 0)", i, dim)
		}
		if dim == 0 {
			count = 0
			continue
		}
		if count == 0 {
			continue
		}
		if dim > int64(maxInt) {
			return 0, fmt.Errorf("shape dimension at index %d is too large: %d", i, dim)
		}
		d := int(dim)
		if count > maxInt/d {
			return 0, fmt.Errorf("shape %v exceeds maximum supported element count", s)
		}
		count *= d
	}
	return count, nil
}

// Clone returns an independent copy of s.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Equal reports whether s and o have the same dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.FormatInt(d, 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseShape parses a comma-separated shape string such as "1,384".
func ParseShape(raw string) (Shape, error) {
	parts := strings.Split(raw, ",")
	shape := make(Shape, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errdefs.New(errdefs.InvalidArgument, "parse shape", "empty dimension in %q", raw)
		}
		dim, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, &errdefs.Error{Kind: errdefs.InvalidArgument, Op: "parse shape", Detail: part, Err: err}
		}
		if dim < 0 {
			return nil, errdefs.New(errdefs.InvalidArgument, "parse shape", "negative dimension %d", dim)
		}
		shape = append(shape, dim)
	}
	return shape, nil
}
