package ort

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/x448/float16"
)

// Tensor is an OrtValue backed by Go memory. The backing array is pinned
// for the lifetime of the OrtValue.
type Tensor[T any] struct {
	shape  Shape
	data   []T
	handle uintptr
	pinner *runtime.Pinner
}

func (t *Tensor[T]) ortValueHandle() uintptr {
	if t == nil {
		return 0
	}
	return t.handle
}

// NewTensor wraps data, which must hold exactly the shape's element count.
// The tensor aliases data; callers must not reslice or reallocate it until
// Destroy.
func NewTensor[T any](shape Shape, data []T) (*Tensor[T], error) {
	elementType, elementSize, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}
	shapeCopy := cloneShape(shape)
	count, err := shapeElementCount(shapeCopy)
	if err != nil {
		return nil, err
	}
	if len(data) != count {
		return nil, fmt.Errorf("data length mismatch: got %d elements, expected %d for shape %v", len(data), count, shapeCopy)
	}
	return newTensorFromData(shapeCopy, data, elementType, elementSize)
}

// NewEmptyTensor allocates a zeroed tensor.
func NewEmptyTensor[T any](shape Shape) (*Tensor[T], error) {
	shapeCopy := cloneShape(shape)
	count, err := shapeElementCount(shapeCopy)
	if err != nil {
		return nil, err
	}
	return NewTensor(shapeCopy, make([]T, count))
}

func newTensorFromData[T any](shape Shape, data []T, elementType TensorElementDataType, elementSize uintptr) (*Tensor[T], error) {
	dataBytes, err := tensorDataByteSize(len(data), elementSize)
	if err != nil {
		return nil, err
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	if createTensorWithDataAsOrtValueFunc == nil || cpuMem == 0 {
		return nil, errors.New("ONNX Runtime not initialized")
	}

	var (
		dataPtr uintptr
		pinner  *runtime.Pinner
	)
	if len(data) > 0 {
		pinner = &runtime.Pinner{}
		pinner.Pin(unsafe.SliceData(data))
		// #nosec G103 -- backing array is pinned for the OrtValue lifetime.
		dataPtr = uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	}

	var handle uintptr
	status := createTensorWithDataAsOrtValueFunc(cpuMem, dataPtr, dataBytes, shapePtr(shape), uintptr(len(shape)), int32(elementType), &handle)
	runtime.KeepAlive(shape)
	if status != 0 {
		if pinner != nil {
			pinner.Unpin()
		}
		return nil, statusError("failed to create tensor", status)
	}

	t := &Tensor[T]{shape: shape, data: data, handle: handle, pinner: pinner}
	runtime.SetFinalizer(t, func(t *Tensor[T]) {
		_ = t.Destroy()
	})
	return t, nil
}

// GetData returns the backing slice, or nil after Destroy.
func (t *Tensor[T]) GetData() []T {
	if t == nil {
		return nil
	}
	return t.data
}

// Shape returns the tensor dimensions.
func (t *Tensor[T]) Shape() Shape {
	if t == nil {
		return nil
	}
	return t.shape
}

// Destroy releases the OrtValue and unpins the backing array. It is
// idempotent.
func (t *Tensor[T]) Destroy() error {
	if t == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	mu.Lock()
	handle, pinner := t.handle, t.pinner
	t.handle, t.pinner, t.data, t.shape = 0, nil, nil, nil
	runtime.SetFinalizer(t, nil)
	mu.Unlock()

	if handle != 0 && releaseValueFunc != nil {
		releaseValueFunc(handle)
	}
	if pinner != nil {
		pinner.Unpin()
	}
	return nil
}

// Type reports ValueTypeTensor.
func (t *Tensor[T]) Type() ValueType {
	return ValueTypeTensor
}

// OutputValue is an OrtValue allocated by the runtime during Run.
type OutputValue struct {
	handle      uintptr
	onnxType    ONNXType
	elementType TensorElementDataType
	shape       Shape
}

// newOutputValue inspects handle. Non-tensor values are kept with
// TensorElementDataTypeUndefined so the caller can report them by name.
// The caller holds ortCallMu for reading.
func newOutputValue(handle uintptr) (*OutputValue, error) {
	out := &OutputValue{handle: handle}

	var onnxType int32
	if status := getValueTypeFunc(handle, &onnxType); status != 0 {
		return out, statusError("failed to get output value type", status)
	}
	out.onnxType = ONNXType(onnxType)
	if out.onnxType != ONNXTypeTensor {
		return out, nil
	}

	var info uintptr
	if status := getTensorTypeAndShapeFunc(handle, &info); status != 0 {
		return out, statusError("failed to get output type and shape", status)
	}
	defer releaseTensorTypeAndShapeInfoFunc(info)

	var elementType int32
	if status := getTensorElementTypeFunc(info, &elementType); status != 0 {
		return out, statusError("failed to get output element type", status)
	}
	out.elementType = TensorElementDataType(elementType)

	var rank uintptr
	if status := getDimensionsCountFunc(info, &rank); status != 0 {
		return out, statusError("failed to get output rank", status)
	}
	out.shape = make(Shape, rank)
	if rank > 0 {
		if status := getDimensionsFunc(info, &out.shape[0], rank); status != 0 {
			return out, statusError("failed to get output dimensions", status)
		}
	}
	return out, nil
}

// ElementType returns the tensor element type, or Undefined for non-tensor
// values.
func (o *OutputValue) ElementType() TensorElementDataType {
	return o.elementType
}

// ONNXType returns the kind of value.
func (o *OutputValue) ONNXType() ONNXType {
	return o.onnxType
}

// Shape returns a copy of the tensor dimensions.
func (o *OutputValue) Shape() Shape {
	return cloneShape(o.shape)
}

// Type reports the value kind.
func (o *OutputValue) Type() ValueType {
	if o.onnxType == ONNXTypeTensor {
		return ValueTypeTensor
	}
	return ValueTypeUnknown
}

// Destroy releases the OrtValue. It is idempotent.
func (o *OutputValue) Destroy() error {
	if o == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	mu.Lock()
	handle := o.handle
	o.handle = 0
	mu.Unlock()

	if handle != 0 && releaseValueFunc != nil {
		releaseValueFunc(handle)
	}
	return nil
}

// CopyOutputData copies the tensor contents of o into a new Go slice. T
// must match the output element type.
func CopyOutputData[T any](o *OutputValue) ([]T, error) {
	if o == nil {
		return nil, errors.New("output value is nil")
	}
	elementType, _, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}
	if o.onnxType != ONNXTypeTensor {
		return nil, fmt.Errorf("output value is not a tensor (onnx type %d)", o.onnxType)
	}
	if elementType != o.elementType {
		var zero T
		return nil, fmt.Errorf("output element type is %s, requested %T", o.elementType, zero)
	}
	count, err := shapeElementCount(o.shape)
	if err != nil {
		return nil, err
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	mu.Lock()
	handle := o.handle
	mu.Unlock()
	if handle == 0 {
		return nil, errors.New("output value has been destroyed")
	}
	if getTensorMutableDataFunc == nil {
		return nil, errors.New("ONNX Runtime not initialized")
	}

	out := make([]T, count)
	if count == 0 {
		return out, nil
	}
	var dataPtr uintptr
	if status := getTensorMutableDataFunc(handle, &dataPtr); status != 0 {
		return nil, statusError("failed to get output data", status)
	}
	if dataPtr == 0 {
		return nil, errors.New("output data pointer is null")
	}
	// #nosec G103 -- dataPtr addresses count elements owned by the OrtValue.
	copy(out, unsafe.Slice((*T)(unsafe.Pointer(dataPtr)), count))
	return out, nil
}

func cloneShape(shape Shape) Shape {
	if len(shape) == 0 {
		return Shape{}
	}
	out := make(Shape, len(shape))
	copy(out, shape)
	return out
}

func shapeElementCount(shape Shape) (int, error) {
	maxInt := int(^uint(0) >> 1)
	count := 1
	for i, dim := range shape {
		switch {
		case dim < 0:
			return 0, fmt.Errorf("invalid shape dimension at index %d: %d (must be >= 0)", i, dim)
		case dim == 0:
			count = 0
		case count == 0:
		case dim > int64(maxInt) || count > maxInt/int(dim):
			return 0, fmt.Errorf("shape %v exceeds maximum supported element count", shape)
		default:
			count *= int(dim)
		}
	}
	return count, nil
}

// ShapeElementCount returns the element count of shape.
func ShapeElementCount(shape Shape) (int, error) {
	return shapeElementCount(shape)
}

func shapePtr(shape Shape) *int64 {
	if len(shape) == 0 {
		return nil
	}
	return unsafe.SliceData(shape)
}

func tensorDataByteSize(count int, elementSize uintptr) (uintptr, error) {
	if count < 0 {
		return 0, fmt.Errorf("element count cannot be negative: %d", count)
	}
	if count == 0 {
		return 0, nil
	}
	if elementSize == 0 {
		return 0, errors.New("element size cannot be zero")
	}
	n := uintptr(count)
	if n > ^uintptr(0)/elementSize {
		return 0, fmt.Errorf("tensor data size overflow: %d elements of %d bytes", count, elementSize)
	}
	return n * elementSize, nil
}

// tensorElementType maps T to its runtime element type and width.
func tensorElementType[T any]() (TensorElementDataType, uintptr, error) {
	var zero T
	switch any(zero).(type) {
	case float32:
		return TensorElementDataTypeFloat, unsafe.Sizeof(zero), nil
	case float64:
		return TensorElementDataTypeDouble, unsafe.Sizeof(zero), nil
	case int32:
		return TensorElementDataTypeInt32, unsafe.Sizeof(zero), nil
	case int64:
		return TensorElementDataTypeInt64, unsafe.Sizeof(zero), nil
	case float16.Float16:
		return TensorElementDataTypeFloat16, unsafe.Sizeof(zero), nil
	}
	return TensorElementDataTypeUndefined, 0, fmt.Errorf("unsupported tensor element type %T", zero)
}
