package ort

import (
	"sync"
	"testing"
	"unsafe"
)

// resetEnvironmentState clears package state between tests.
func resetEnvironmentState() {
	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	refCount = 0
	ortLib = 0
	ortEnv = 0
	cpuMem = 0
	libPath = ""
	logLevel = LoggingLevelWarning
	clearBindings()
}

type fakeOrtValue struct {
	onnxType    ONNXType
	elementType TensorElementDataType
	shape       []int64
	data        uintptr
	keep        any
}

// fakeRuntime stands in for the C API. Handles are opaque counters; output
// data lives in Go slices the fake keeps reachable.
type fakeRuntime struct {
	mu       sync.Mutex
	next     uintptr
	values   map[uintptr]*fakeOrtValue
	statuses map[uintptr][]byte
	strings  [][]byte

	inputNames  []string
	outputNames []string

	releasedValues   []uintptr
	releasedSessions int
	releasedOptions  int
	lastCreateData   int
	lastRunInputs    []string
	lastRunOutputs   []string

	failCreateTensor  string
	failCreateSession string
	failRun           string
	// run produces one output per requested name; nil echoes the first input.
	run func(f *fakeRuntime, inputs []uintptr, outputs []string) []uintptr
}

func installFakeRuntime(t *testing.T) *fakeRuntime {
	t.Helper()
	resetEnvironmentState()
	f := &fakeRuntime{
		next:        0x10000,
		values:      map[uintptr]*fakeOrtValue{},
		statuses:    map[uintptr][]byte{},
		inputNames:  []string{"input"},
		outputNames: []string{"output"},
	}

	ortCallMu.Lock()
	mu.Lock()
	refCount = 1
	ortEnv = 1
	cpuMem = 2

	getErrorCodeFunc = func(uintptr) int32 { return int32(ErrorCodeInvalidArgument) }
	getErrorMessageFunc = func(status uintptr) uintptr {
		f.mu.Lock()
		defer f.mu.Unlock()
		return uintptr(unsafe.Pointer(&f.statuses[status][0]))
	}
	releaseStatusFunc = func(status uintptr) {
		f.mu.Lock()
		delete(f.statuses, status)
		f.mu.Unlock()
	}
	getAllocatorWithDefaultOptionsFunc = func(out *uintptr) uintptr { *out = 3; return 0 }
	allocatorFreeFunc = func(uintptr, uintptr) uintptr { return 0 }

	createSessionOptionsFunc = func(out *uintptr) uintptr { *out = f.handle(); return 0 }
	setIntraOpNumThreadsFunc = func(uintptr, int32) uintptr { return 0 }
	setInterOpNumThreadsFunc = func(uintptr, int32) uintptr { return 0 }
	setSessionGraphOptimizationLevelFunc = func(uintptr, int32) uintptr { return 0 }
	releaseSessionOptionsFunc = func(uintptr) {
		f.mu.Lock()
		f.releasedOptions++
		f.mu.Unlock()
	}

	createSessionFunc = func(_ uintptr, _ uintptr, _ uintptr, out *uintptr) uintptr {
		if f.failCreateSession != "" {
			return f.status(f.failCreateSession)
		}
		*out = f.handle()
		return 0
	}
	createSessionFromArrayFunc = func(_ uintptr, _ uintptr, n uintptr, _ uintptr, out *uintptr) uintptr {
		if f.failCreateSession != "" {
			return f.status(f.failCreateSession)
		}
		f.mu.Lock()
		f.lastCreateData = int(n)
		f.mu.Unlock()
		*out = f.handle()
		return 0
	}
	sessionGetInputCountFunc = func(_ uintptr, out *uintptr) uintptr { *out = uintptr(len(f.inputNames)); return 0 }
	sessionGetOutputCountFunc = func(_ uintptr, out *uintptr) uintptr { *out = uintptr(len(f.outputNames)); return 0 }
	sessionGetInputNameFunc = func(_ uintptr, i uintptr, _ uintptr, out *uintptr) uintptr {
		*out = f.cstring(f.inputNames[i])
		return 0
	}
	sessionGetOutputNameFunc = func(_ uintptr, i uintptr, _ uintptr, out *uintptr) uintptr {
		*out = f.cstring(f.outputNames[i])
		return 0
	}
	releaseSessionFunc = func(uintptr) {
		f.mu.Lock()
		f.releasedSessions++
		f.mu.Unlock()
	}
	runSessionFunc = func(_, _ uintptr, inNames *uintptr, inValues *uintptr, inLen uintptr, outNames *uintptr, outLen uintptr, outValues *uintptr) uintptr {
		ins := make([]uintptr, inLen)
		names := make([]string, inLen)
		if inLen > 0 {
			copy(ins, unsafe.Slice(inValues, inLen))
			for i, p := range unsafe.Slice(inNames, inLen) {
				names[i] = CstringToGo(p)
			}
		}
		outs := make([]string, outLen)
		for i, p := range unsafe.Slice(outNames, outLen) {
			outs[i] = CstringToGo(p)
		}
		f.mu.Lock()
		f.lastRunInputs, f.lastRunOutputs = names, outs
		f.mu.Unlock()
		if f.failRun != "" {
			return f.status(f.failRun)
		}
		run := f.run
		if run == nil {
			run = echoFirstInput
		}
		copy(unsafe.Slice(outValues, outLen), run(f, ins, outs))
		return 0
	}

	createTensorWithDataAsOrtValueFunc = func(_ uintptr, data uintptr, _ uintptr, shape *int64, shapeLen uintptr, elementType int32, out *uintptr) uintptr {
		if f.failCreateTensor != "" {
			return f.status(f.failCreateTensor)
		}
		dims := make([]int64, shapeLen)
		if shapeLen > 0 {
			copy(dims, unsafe.Slice(shape, shapeLen))
		}
		*out = f.addValue(&fakeOrtValue{onnxType: ONNXTypeTensor, elementType: TensorElementDataType(elementType), shape: dims, data: data})
		return 0
	}
	getValueTypeFunc = func(v uintptr, out *int32) uintptr {
		*out = int32(f.value(v).onnxType)
		return 0
	}
	getTensorMutableDataFunc = func(v uintptr, out *uintptr) uintptr {
		*out = f.value(v).data
		return 0
	}
	getTensorTypeAndShapeFunc = func(v uintptr, out *uintptr) uintptr { *out = v; return 0 }
	getTensorElementTypeFunc = func(info uintptr, out *int32) uintptr {
		*out = int32(f.value(info).elementType)
		return 0
	}
	getDimensionsCountFunc = func(info uintptr, out *uintptr) uintptr {
		*out = uintptr(len(f.value(info).shape))
		return 0
	}
	getDimensionsFunc = func(info uintptr, dims *int64, n uintptr) uintptr {
		copy(unsafe.Slice(dims, n), f.value(info).shape)
		return 0
	}
	releaseTensorTypeAndShapeInfoFunc = func(uintptr) {}
	releaseValueFunc = func(v uintptr) {
		f.mu.Lock()
		f.releasedValues = append(f.releasedValues, v)
		delete(f.values, v)
		f.mu.Unlock()
	}
	releaseEnvFunc = func(uintptr) {}
	releaseMemoryInfoFunc = func(uintptr) {}
	mu.Unlock()
	ortCallMu.Unlock()

	t.Cleanup(resetEnvironmentState)
	return f
}

func (f *fakeRuntime) handle() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next
}

func (f *fakeRuntime) addValue(v *fakeOrtValue) uintptr {
	h := f.handle()
	f.mu.Lock()
	f.values[h] = v
	f.mu.Unlock()
	return h
}

func (f *fakeRuntime) value(h uintptr) *fakeOrtValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.values[h]; ok {
		return v
	}
	return &fakeOrtValue{}
}

func (f *fakeRuntime) status(msg string) uintptr {
	h := f.handle()
	b := append([]byte(msg), 0)
	f.mu.Lock()
	f.statuses[h] = b
	f.mu.Unlock()
	return h
}

func (f *fakeRuntime) cstring(s string) uintptr {
	b, p := GoToCstring(s)
	f.mu.Lock()
	f.strings = append(f.strings, b)
	f.mu.Unlock()
	return p
}

func (f *fakeRuntime) liveValues() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.values)
}

// floatOutput registers a runtime-owned float32 tensor.
func (f *fakeRuntime) floatOutput(shape []int64, data []float32) uintptr {
	var ptr uintptr
	if len(data) > 0 {
		ptr = uintptr(unsafe.Pointer(&data[0]))
	}
	return f.addValue(&fakeOrtValue{onnxType: ONNXTypeTensor, elementType: TensorElementDataTypeFloat, shape: shape, data: ptr, keep: data})
}

// echoFirstInput copies the first input into a fresh float32 output for
// every requested name.
func echoFirstInput(f *fakeRuntime, inputs []uintptr, outputs []string) []uintptr {
	in := f.value(inputs[0])
	n := 1
	for _, d := range in.shape {
		n *= int(d)
	}
	src := unsafe.Slice((*float32)(unsafe.Pointer(in.data)), n)
	handles := make([]uintptr, len(outputs))
	for i := range outputs {
		handles[i] = f.floatOutput(append([]int64(nil), in.shape...), append([]float32(nil), src...))
	}
	return handles
}
