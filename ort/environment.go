package ort

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Package state. mu guards every variable below; ortCallMu is held for
// reading by every call into the runtime and for writing while the
// environment is torn down. Lock order is ortCallMu -> mu.
var (
	mu        sync.Mutex
	ortCallMu sync.RWMutex

	refCount int
	ortLib   uintptr
	ortBase  *OrtApiBase
	ortAPI   *OrtApi
	ortEnv   uintptr
	cpuMem   uintptr
	libPath  string
	logLevel = LoggingLevelWarning
)

// Bound C API entry points. nil until InitializeEnvironment succeeds.
var (
	getVersionStringFunc func() uintptr
	getErrorCodeFunc     func(status uintptr) int32
	getErrorMessageFunc  func(status uintptr) uintptr
	releaseStatusFunc    func(status uintptr)

	createEnvFunc  func(level int32, logID uintptr, out *uintptr) uintptr
	releaseEnvFunc func(env uintptr)

	getAllocatorWithDefaultOptionsFunc func(out *uintptr) uintptr
	allocatorFreeFunc                  func(allocator uintptr, p uintptr) uintptr

	createCpuMemoryInfoFunc func(allocatorType int32, memType int32, out *uintptr) uintptr
	releaseMemoryInfoFunc   func(info uintptr)

	createSessionOptionsFunc             func(out *uintptr) uintptr
	setIntraOpNumThreadsFunc             func(options uintptr, n int32) uintptr
	setInterOpNumThreadsFunc             func(options uintptr, n int32) uintptr
	setSessionGraphOptimizationLevelFunc func(options uintptr, level int32) uintptr
	releaseSessionOptionsFunc            func(options uintptr)

	createSessionFunc          func(env uintptr, modelPath uintptr, options uintptr, out *uintptr) uintptr
	createSessionFromArrayFunc func(env uintptr, data uintptr, length uintptr, options uintptr, out *uintptr) uintptr
	sessionGetInputCountFunc   func(session uintptr, out *uintptr) uintptr
	sessionGetOutputCountFunc  func(session uintptr, out *uintptr) uintptr
	sessionGetInputNameFunc    func(session uintptr, index uintptr, allocator uintptr, out *uintptr) uintptr
	sessionGetOutputNameFunc   func(session uintptr, index uintptr, allocator uintptr, out *uintptr) uintptr
	runSessionFunc             func(session, runOptions uintptr, inputNames *uintptr, inputValues *uintptr, inputLen uintptr, outputNames *uintptr, outputLen uintptr, outputValues *uintptr) uintptr
	releaseSessionFunc         func(session uintptr)

	createTensorWithDataAsOrtValueFunc func(info uintptr, data uintptr, dataLen uintptr, shape *int64, shapeLen uintptr, elementType int32, out *uintptr) uintptr
	getValueTypeFunc                   func(value uintptr, out *int32) uintptr
	getTensorMutableDataFunc           func(value uintptr, out *uintptr) uintptr
	getTensorTypeAndShapeFunc          func(value uintptr, out *uintptr) uintptr
	getTensorElementTypeFunc           func(info uintptr, out *int32) uintptr
	getDimensionsCountFunc             func(info uintptr, out *uintptr) uintptr
	getDimensionsFunc                  func(info uintptr, dims *int64, n uintptr) uintptr
	releaseTensorTypeAndShapeInfoFunc  func(info uintptr)
	releaseValueFunc                   func(value uintptr)
)

// SetSharedLibraryPath sets the path of the ONNX Runtime shared library. It
// cannot be changed while the environment is initialized.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if refCount > 0 && path != libPath {
		return fmt.Errorf("cannot change library path after initialization (current: %q)", libPath)
	}
	libPath = path
	return nil
}

// SetLogLevel sets the runtime log severity used when the environment is
// created.
func SetLogLevel(level LoggingLevel) error {
	mu.Lock()
	defer mu.Unlock()
	if level < LoggingLevelVerbose || level > LoggingLevelFatal {
		return fmt.Errorf("invalid log level %d", level)
	}
	if refCount > 0 && level != logLevel {
		return fmt.Errorf("cannot change log level after initialization")
	}
	logLevel = level
	return nil
}

// IsInitialized reports whether the environment is live.
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}

// InitializeEnvironment loads the shared library, binds the C API and
// creates the process-wide OrtEnv. Calls are reference counted; every
// successful call must be paired with DestroyEnvironment.
func InitializeEnvironment() error {
	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	if refCount > 0 {
		refCount++
		return nil
	}
	if libPath == "" {
		return errors.New("library path not set, call SetSharedLibraryPath first")
	}

	lib, err := loadLibrary(libPath)
	if err != nil || lib == 0 {
		if err == nil {
			err = errors.New("empty library handle")
		}
		return fmt.Errorf("failed to load ONNX Runtime library from %q: %w", libPath, err)
	}

	if err := bindAPI(lib); err != nil {
		clearBindings()
		_ = closeLibrary(lib)
		return err
	}

	logIDBytes, logIDPtr := GoToCstring("onnx-bridge")
	var env uintptr
	status := createEnvFunc(int32(logLevel), logIDPtr, &env)
	runtime.KeepAlive(logIDBytes)
	if status != 0 {
		err := statusError("failed to create ONNX Runtime environment", status)
		clearBindings()
		_ = closeLibrary(lib)
		return err
	}

	var mem uintptr
	status = createCpuMemoryInfoFunc(int32(AllocatorTypeArena), int32(MemTypeDefault), &mem)
	if status != 0 {
		err := statusError("failed to create CPU memory info", status)
		releaseEnvFunc(env)
		clearBindings()
		_ = closeLibrary(lib)
		return err
	}

	ortLib = lib
	ortEnv = env
	cpuMem = mem
	refCount = 1
	return nil
}

// DestroyEnvironment drops one reference and tears the environment down
// when the count reaches zero. Sessions and tensors must be destroyed
// first.
func DestroyEnvironment() error {
	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}
	refCount--
	if refCount > 0 {
		return nil
	}

	if cpuMem != 0 && releaseMemoryInfoFunc != nil {
		releaseMemoryInfoFunc(cpuMem)
	}
	if ortEnv != 0 && releaseEnvFunc != nil {
		releaseEnvFunc(ortEnv)
	}
	cpuMem = 0
	ortEnv = 0
	clearBindings()

	var err error
	if ortLib != 0 {
		if cerr := closeLibrary(ortLib); cerr != nil {
			err = fmt.Errorf("failed to close ONNX Runtime library: %w", cerr)
		}
	}
	ortLib = 0
	return err
}

// GetVersionString returns the runtime version, or "0.0.0-dev" when the
// environment is not initialized.
func GetVersionString() string {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	mu.Lock()
	fn := getVersionStringFunc
	mu.Unlock()
	if fn == nil {
		return "0.0.0-dev"
	}
	return CstringToGo(fn())
}

func bindAPI(lib uintptr) error {
	sym, err := getSymbol(lib, "OrtGetApiBase")
	if err != nil || sym == 0 {
		return fmt.Errorf("failed to find OrtGetApiBase: %v", err)
	}
	var getAPIBase func() uintptr
	purego.RegisterFunc(&getAPIBase, sym)

	basePtr := getAPIBase()
	if basePtr == 0 {
		return errors.New("OrtGetApiBase returned NULL")
	}
	// #nosec G103 -- OrtApiBase is a static table inside the loaded library.
	base := (*OrtApiBase)(unsafe.Pointer(basePtr))

	var getAPI func(version uint32) uintptr
	purego.RegisterFunc(&getAPI, base.GetApi)
	apiPtr := getAPI(ORT_API_VERSION)
	if apiPtr == 0 {
		var version func() uintptr
		purego.RegisterFunc(&version, base.GetVersionString)
		return fmt.Errorf("ONNX Runtime %s does not support API version %d", CstringToGo(version()), ORT_API_VERSION)
	}
	// #nosec G103 -- OrtApi is a static table inside the loaded library.
	api := (*OrtApi)(unsafe.Pointer(apiPtr))

	ortBase = base
	ortAPI = api
	purego.RegisterFunc(&getVersionStringFunc, base.GetVersionString)
	purego.RegisterFunc(&getErrorCodeFunc, api.GetErrorCode)
	purego.RegisterFunc(&getErrorMessageFunc, api.GetErrorMessage)
	purego.RegisterFunc(&releaseStatusFunc, api.ReleaseStatus)
	purego.RegisterFunc(&createEnvFunc, api.CreateEnv)
	purego.RegisterFunc(&releaseEnvFunc, api.ReleaseEnv)
	purego.RegisterFunc(&getAllocatorWithDefaultOptionsFunc, api.GetAllocatorWithDefaultOptions)
	purego.RegisterFunc(&allocatorFreeFunc, api.AllocatorFree)
	purego.RegisterFunc(&createCpuMemoryInfoFunc, api.CreateCpuMemoryInfo)
	purego.RegisterFunc(&releaseMemoryInfoFunc, api.ReleaseMemoryInfo)
	purego.RegisterFunc(&createSessionOptionsFunc, api.CreateSessionOptions)
	purego.RegisterFunc(&setIntraOpNumThreadsFunc, api.SetIntraOpNumThreads)
	purego.RegisterFunc(&setInterOpNumThreadsFunc, api.SetInterOpNumThreads)
	purego.RegisterFunc(&setSessionGraphOptimizationLevelFunc, api.SetSessionGraphOptimizationLevel)
	purego.RegisterFunc(&releaseSessionOptionsFunc, api.ReleaseSessionOptions)
	purego.RegisterFunc(&createSessionFunc, api.CreateSession)
	purego.RegisterFunc(&createSessionFromArrayFunc, api.CreateSessionFromArray)
	purego.RegisterFunc(&sessionGetInputCountFunc, api.SessionGetInputCount)
	purego.RegisterFunc(&sessionGetOutputCountFunc, api.SessionGetOutputCount)
	purego.RegisterFunc(&sessionGetInputNameFunc, api.SessionGetInputName)
	purego.RegisterFunc(&sessionGetOutputNameFunc, api.SessionGetOutputName)
	purego.RegisterFunc(&runSessionFunc, api.Run)
	purego.RegisterFunc(&releaseSessionFunc, api.ReleaseSession)
	purego.RegisterFunc(&createTensorWithDataAsOrtValueFunc, api.CreateTensorWithDataAsOrtValue)
	purego.RegisterFunc(&getValueTypeFunc, api.GetValueType)
	purego.RegisterFunc(&getTensorMutableDataFunc, api.GetTensorMutableData)
	purego.RegisterFunc(&getTensorTypeAndShapeFunc, api.GetTensorTypeAndShape)
	purego.RegisterFunc(&getTensorElementTypeFunc, api.GetTensorElementType)
	purego.RegisterFunc(&getDimensionsCountFunc, api.GetDimensionsCount)
	purego.RegisterFunc(&getDimensionsFunc, api.GetDimensions)
	purego.RegisterFunc(&releaseTensorTypeAndShapeInfoFunc, api.ReleaseTensorTypeAndShapeInfo)
	purego.RegisterFunc(&releaseValueFunc, api.ReleaseValue)
	return nil
}

func clearBindings() {
	ortBase = nil
	ortAPI = nil
	getVersionStringFunc = nil
	getErrorCodeFunc = nil
	getErrorMessageFunc = nil
	releaseStatusFunc = nil
	createEnvFunc = nil
	releaseEnvFunc = nil
	getAllocatorWithDefaultOptionsFunc = nil
	allocatorFreeFunc = nil
	createCpuMemoryInfoFunc = nil
	releaseMemoryInfoFunc = nil
	createSessionOptionsFunc = nil
	setIntraOpNumThreadsFunc = nil
	setInterOpNumThreadsFunc = nil
	setSessionGraphOptimizationLevelFunc = nil
	releaseSessionOptionsFunc = nil
	createSessionFunc = nil
	createSessionFromArrayFunc = nil
	sessionGetInputCountFunc = nil
	sessionGetOutputCountFunc = nil
	sessionGetInputNameFunc = nil
	sessionGetOutputNameFunc = nil
	runSessionFunc = nil
	releaseSessionFunc = nil
	createTensorWithDataAsOrtValueFunc = nil
	getValueTypeFunc = nil
	getTensorMutableDataFunc = nil
	getTensorTypeAndShapeFunc = nil
	getTensorElementTypeFunc = nil
	getDimensionsCountFunc = nil
	getDimensionsFunc = nil
	releaseTensorTypeAndShapeInfoFunc = nil
	releaseValueFunc = nil
}
