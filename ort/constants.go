package ort

import "fmt"

const (
	// ORT_API_VERSION is the OrtApi version requested from the runtime.
	ORT_API_VERSION = 22
)

// LoggingLevel is the runtime's own log severity.
type LoggingLevel int

const (
	LoggingLevelVerbose LoggingLevel = iota
	LoggingLevelInfo
	LoggingLevelWarning
	LoggingLevelError
	LoggingLevelFatal
)

// ParseLoggingLevel maps a configuration name to a LoggingLevel.
func ParseLoggingLevel(name string) (LoggingLevel, error) {
	switch name {
	case "verbose":
		return LoggingLevelVerbose, nil
	case "info":
		return LoggingLevelInfo, nil
	case "", "warning":
		return LoggingLevelWarning, nil
	case "error":
		return LoggingLevelError, nil
	case "fatal":
		return LoggingLevelFatal, nil
	}
	return LoggingLevelWarning, fmt.Errorf("unknown log level %q", name)
}

// ErrorCode is the OrtErrorCode carried by a failed status.
type ErrorCode int

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeFail
	ErrorCodeInvalidArgument
	ErrorCodeNoSuchFile
	ErrorCodeNoModel
	ErrorCodeEngineError
	ErrorCodeRuntimeException
	ErrorCodeInvalidProtobuf
	ErrorCodeModelLoaded
	ErrorCodeNotImplemented
	ErrorCodeInvalidGraph
	ErrorCodeEPFail
)

// TensorElementDataType is ONNXTensorElementDataType.
type TensorElementDataType int

const (
	TensorElementDataTypeUndefined TensorElementDataType = iota
	TensorElementDataTypeFloat
	TensorElementDataTypeUint8
	TensorElementDataTypeInt8
	TensorElementDataTypeUint16
	TensorElementDataTypeInt16
	TensorElementDataTypeInt32
	TensorElementDataTypeInt64
	TensorElementDataTypeString
	TensorElementDataTypeBool
	TensorElementDataTypeFloat16
	TensorElementDataTypeDouble
	TensorElementDataTypeUint32
	TensorElementDataTypeUint64
	TensorElementDataTypeComplex64
	TensorElementDataTypeComplex128
	TensorElementDataTypeBFloat16
)

var elementTypeNames = map[TensorElementDataType]string{
	TensorElementDataTypeUndefined:  "undefined",
	TensorElementDataTypeFloat:      "float",
	TensorElementDataTypeUint8:      "uint8",
	TensorElementDataTypeInt8:       "int8",
	TensorElementDataTypeUint16:     "uint16",
	TensorElementDataTypeInt16:      "int16",
	TensorElementDataTypeInt32:      "int32",
	TensorElementDataTypeInt64:      "int64",
	TensorElementDataTypeString:     "string",
	TensorElementDataTypeBool:       "bool",
	TensorElementDataTypeFloat16:    "float16",
	TensorElementDataTypeDouble:     "double",
	TensorElementDataTypeUint32:     "uint32",
	TensorElementDataTypeUint64:     "uint64",
	TensorElementDataTypeComplex64:  "complex64",
	TensorElementDataTypeComplex128: "complex128",
	TensorElementDataTypeBFloat16:   "bfloat16",
}

func (t TensorElementDataType) String() string {
	if s, ok := elementTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("element_type(%d)", int(t))
}

// AllocatorType is OrtAllocatorType.
type AllocatorType int

const (
	AllocatorTypeDevice AllocatorType = 0
	AllocatorTypeArena  AllocatorType = 1
)

// MemType is OrtMemType.
type MemType int

const (
	MemTypeCPUOutput MemType = -1
	MemTypeCPU       MemType = MemTypeCPUOutput
	MemTypeDefault   MemType = 0
)

// GraphOptimizationLevel is GraphOptimizationLevel in the C API. The
// numeric values are not contiguous.
type GraphOptimizationLevel int

const (
	GraphOptimizationLevelDisableAll     GraphOptimizationLevel = 0
	GraphOptimizationLevelEnableBasic    GraphOptimizationLevel = 1
	GraphOptimizationLevelEnableExtended GraphOptimizationLevel = 2
	GraphOptimizationLevelEnableAll      GraphOptimizationLevel = 99
)

// ParseGraphOptimizationLevel maps a configuration name to a level.
func ParseGraphOptimizationLevel(name string) (GraphOptimizationLevel, error) {
	switch name {
	case "disable", "none":
		return GraphOptimizationLevelDisableAll, nil
	case "basic":
		return GraphOptimizationLevelEnableBasic, nil
	case "extended":
		return GraphOptimizationLevelEnableExtended, nil
	case "", "all":
		return GraphOptimizationLevelEnableAll, nil
	}
	return GraphOptimizationLevelEnableAll, fmt.Errorf("unknown graph optimization level %q", name)
}

// ONNXType is the kind of an OrtValue.
type ONNXType int

const (
	ONNXTypeUnknown ONNXType = iota
	ONNXTypeTensor
	ONNXTypeSequence
	ONNXTypeMap
	ONNXTypeOpaque
	ONNXTypeSparseTensor
	ONNXTypeOptional
)
