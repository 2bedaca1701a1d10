package ort

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// SessionOptions configures session creation.
type SessionOptions struct {
	handle uintptr
}

// NewSessionOptions creates runtime session options.
func NewSessionOptions() (*SessionOptions, error) {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	if createSessionOptionsFunc == nil {
		return nil, errors.New("ONNX Runtime not initialized")
	}
	var handle uintptr
	if status := createSessionOptionsFunc(&handle); status != 0 {
		return nil, statusError("failed to create session options", status)
	}
	opts := &SessionOptions{handle: handle}
	runtime.SetFinalizer(opts, func(o *SessionOptions) { _ = o.Destroy() })
	return opts, nil
}

func (o *SessionOptions) call(op string, fn func(uintptr) uintptr) error {
	if o == nil || o.handle == 0 {
		return errors.New("session options handle is not initialized")
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	if ortEnv == 0 {
		return errors.New("ONNX Runtime not initialized")
	}
	if status := fn(o.handle); status != 0 {
		return statusError(op, status)
	}
	return nil
}

// SetIntraOpNumThreads sets the thread count used inside one operator. Zero
// lets the runtime choose.
func (o *SessionOptions) SetIntraOpNumThreads(n int) error {
	if n < 0 {
		return fmt.Errorf("intra-op threads must be >= 0, got %d", n)
	}
	return o.call("failed to set intra-op threads", func(h uintptr) uintptr {
		return setIntraOpNumThreadsFunc(h, int32(n))
	})
}

// SetInterOpNumThreads sets the thread count used across operators.
func (o *SessionOptions) SetInterOpNumThreads(n int) error {
	if n < 0 {
		return fmt.Errorf("inter-op threads must be >= 0, got %d", n)
	}
	return o.call("failed to set inter-op threads", func(h uintptr) uintptr {
		return setInterOpNumThreadsFunc(h, int32(n))
	})
}

// SetGraphOptimizationLevel sets the graph optimization level.
func (o *SessionOptions) SetGraphOptimizationLevel(level GraphOptimizationLevel) error {
	return o.call("failed to set graph optimization level", func(h uintptr) uintptr {
		return setSessionGraphOptimizationLevelFunc(h, int32(level))
	})
}

// Destroy releases the options. It is idempotent.
func (o *SessionOptions) Destroy() error {
	if o == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	mu.Lock()
	handle := o.handle
	o.handle = 0
	runtime.SetFinalizer(o, nil)
	mu.Unlock()
	if handle != 0 && releaseSessionOptionsFunc != nil {
		releaseSessionOptionsFunc(handle)
	}
	return nil
}

// Session is a loaded model. Run may be called concurrently; Destroy waits
// for in-flight runs.
type Session struct {
	mu          sync.RWMutex
	handle      uintptr
	inputNames  []string
	outputNames []string
}

// NewSession loads the model at modelPath.
func NewSession(modelPath string, options *SessionOptions) (*Session, error) {
	if modelPath == "" {
		return nil, errors.New("model path cannot be empty")
	}
	pathPtr, pathBacking, err := goStringToORTChar(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to convert model path: %w", err)
	}
	s, err := newSession(options, func(env, opts uintptr, out *uintptr) uintptr {
		return createSessionFunc(env, pathPtr, opts, out)
	})
	runtime.KeepAlive(pathBacking)
	return s, err
}

// NewSessionFromBytes loads a serialized model held in memory. The runtime
// copies what it needs; model may be reused after the call.
func NewSessionFromBytes(model []byte, options *SessionOptions) (*Session, error) {
	if len(model) == 0 {
		return nil, errors.New("model data cannot be empty")
	}
	s, err := newSession(options, func(env, opts uintptr, out *uintptr) uintptr {
		// #nosec G103 -- model outlives the call via KeepAlive below.
		return createSessionFromArrayFunc(env, uintptr(unsafe.Pointer(unsafe.SliceData(model))), uintptr(len(model)), opts, out)
	})
	runtime.KeepAlive(model)
	return s, err
}

func newSession(options *SessionOptions, create func(env, opts uintptr, out *uintptr) uintptr) (*Session, error) {
	var optsHandle uintptr
	if options != nil {
		if options.handle == 0 {
			return nil, errors.New("session options handle is not initialized")
		}
		optsHandle = options.handle
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	if ortEnv == 0 || createSessionFunc == nil {
		return nil, errors.New("ONNX Runtime not initialized")
	}

	if optsHandle == 0 {
		var tmp uintptr
		if status := createSessionOptionsFunc(&tmp); status != 0 {
			return nil, statusError("failed to create session options", status)
		}
		defer releaseSessionOptionsFunc(tmp)
		optsHandle = tmp
	}

	var handle uintptr
	if status := create(ortEnv, optsHandle, &handle); status != 0 {
		return nil, statusError("failed to create session", status)
	}

	s := &Session{handle: handle}
	var err error
	if s.inputNames, err = sessionNames(handle, sessionGetInputCountFunc, sessionGetInputNameFunc); err == nil {
		s.outputNames, err = sessionNames(handle, sessionGetOutputCountFunc, sessionGetOutputNameFunc)
	}
	if err != nil {
		releaseSessionFunc(handle)
		return nil, err
	}
	runtime.SetFinalizer(s, func(s *Session) { _ = s.Destroy() })
	return s, nil
}

func sessionNames(handle uintptr, count func(uintptr, *uintptr) uintptr, name func(uintptr, uintptr, uintptr, *uintptr) uintptr) ([]string, error) {
	var allocator uintptr
	if status := getAllocatorWithDefaultOptionsFunc(&allocator); status != 0 {
		return nil, statusError("failed to get default allocator", status)
	}
	var n uintptr
	if status := count(handle, &n); status != 0 {
		return nil, statusError("failed to get session io count", status)
	}
	names := make([]string, 0, n)
	for i := uintptr(0); i < n; i++ {
		var ptr uintptr
		if status := name(handle, i, allocator, &ptr); status != 0 {
			return nil, statusError("failed to get session io name", status)
		}
		names = append(names, CstringToGo(ptr))
		if status := allocatorFreeFunc(allocator, ptr); status != 0 {
			return nil, statusError("failed to free session io name", status)
		}
	}
	return names, nil
}

// InputNames returns the model's declared inputs.
func (s *Session) InputNames() []string {
	return append([]string(nil), s.inputNames...)
}

// OutputNames returns the model's declared outputs.
func (s *Session) OutputNames() []string {
	return append([]string(nil), s.outputNames...)
}

// Run executes the model. Outputs are allocated by the runtime and returned
// in outputNames order; the caller destroys each one. On error no outputs
// are returned.
func (s *Session) Run(inputNames []string, inputs []Value, outputNames []string) ([]*OutputValue, error) {
	if s == nil {
		return nil, errors.New("session is nil")
	}
	if len(inputNames) != len(inputs) {
		return nil, fmt.Errorf("input names/values count mismatch: %d names, %d values", len(inputNames), len(inputs))
	}
	if len(outputNames) == 0 {
		return nil, errors.New("at least one output name is required")
	}

	inputHandles := make([]uintptr, len(inputs))
	for i, v := range inputs {
		hv, ok := v.(handleValue)
		if !ok {
			return nil, fmt.Errorf("unsupported value implementation %T for input %q", v, inputNames[i])
		}
		if inputHandles[i] = hv.ortValueHandle(); inputHandles[i] == 0 {
			return nil, fmt.Errorf("input value at index %d has been destroyed", i)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == 0 {
		return nil, errors.New("session has been destroyed")
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	if runSessionFunc == nil {
		return nil, errors.New("ONNX Runtime not initialized")
	}

	inBacking, inPtrs := makeCStringPointerArray(inputNames)
	outBacking, outPtrs := makeCStringPointerArray(outputNames)
	outHandles := make([]uintptr, len(outputNames))

	var inNamesPtr, inValuesPtr *uintptr
	if len(inputs) > 0 {
		inNamesPtr, inValuesPtr = &inPtrs[0], &inputHandles[0]
	}
	status := runSessionFunc(s.handle, 0, inNamesPtr, inValuesPtr, uintptr(len(inputs)), &outPtrs[0], uintptr(len(outputNames)), &outHandles[0])
	runtime.KeepAlive(inBacking)
	runtime.KeepAlive(outBacking)
	runtime.KeepAlive(inputs)
	if status != 0 {
		for _, h := range outHandles {
			if h != 0 {
				releaseValueFunc(h)
			}
		}
		return nil, statusError("failed to run session", status)
	}

	outputs := make([]*OutputValue, len(outHandles))
	for i, h := range outHandles {
		out, err := newOutputValue(h)
		outputs[i] = out
		if err != nil {
			for _, h := range outHandles {
				if h != 0 {
					releaseValueFunc(h)
				}
			}
			return nil, fmt.Errorf("output %q: %w", outputNames[i], err)
		}
	}
	return outputs, nil
}

// Destroy waits for in-flight runs and releases the session. It is
// idempotent.
func (s *Session) Destroy() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	handle := s.handle
	s.handle = 0
	s.inputNames = nil
	s.outputNames = nil
	runtime.SetFinalizer(s, nil)
	if handle != 0 && releaseSessionFunc != nil {
		releaseSessionFunc(handle)
	}
	return nil
}
