// Package ortengine runs models on ONNX Runtime through the purego binding
// in package ort.
package ortengine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/amikos-tech/onnx-bridge/engine"
	"github.com/amikos-tech/onnx-bridge/errdefs"
	"github.com/amikos-tech/onnx-bridge/ort"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

// Option configures an Engine.
type Option func(*config) error

type config struct {
	libraryPath string
	bootstrap   []ort.BootstrapOption
	logLevel    ort.LoggingLevel
	intraOp     int
	interOp     int
	graphOpt    ort.GraphOptimizationLevel
}

// WithLibraryPath uses the shared library at path instead of bootstrapping
// one.
func WithLibraryPath(path string) Option {
	return func(c *config) error {
		if path == "" {
			return errors.New("library path cannot be empty")
		}
		c.libraryPath = path
		return nil
	}
}

// WithBootstrap passes options to ort.EnsureSharedLibrary when no explicit
// library path is set.
func WithBootstrap(opts ...ort.BootstrapOption) Option {
	return func(c *config) error {
		c.bootstrap = append(c.bootstrap, opts...)
		return nil
	}
}

// WithLogLevel sets the runtime's own log severity.
func WithLogLevel(level ort.LoggingLevel) Option {
	return func(c *config) error {
		if level < ort.LoggingLevelVerbose || level > ort.LoggingLevelFatal {
			return fmt.Errorf("invalid log level %d", level)
		}
		c.logLevel = level
		return nil
	}
}

// WithThreads sets intra- and inter-op thread counts. Zero lets the
// runtime decide.
func WithThreads(intraOp, interOp int) Option {
	return func(c *config) error {
		if intraOp < 0 || interOp < 0 {
			return fmt.Errorf("thread counts must be >= 0, got %d/%d", intraOp, interOp)
		}
		c.intraOp, c.interOp = intraOp, interOp
		return nil
	}
}

// WithGraphOptimizationLevel sets the graph optimization level for new
// sessions.
func WithGraphOptimizationLevel(level ort.GraphOptimizationLevel) Option {
	return func(c *config) error {
		c.graphOpt = level
		return nil
	}
}

// Engine implements engine.Engine on ONNX Runtime.
type Engine struct {
	cfg config

	mu          sync.Mutex
	initialized bool
	// owned maps every tensor handed across the engine boundary to its
	// runtime binding; outputs are Go copies and map to nil.
	owned map[*tensor.Value]ort.Value
}

var _ engine.Engine = (*Engine)(nil)

type session struct {
	s      *ort.Session
	source string
}

// New creates an Engine. The runtime is not touched until Init.
func New(opts ...Option) (*Engine, error) {
	cfg := config{logLevel: ort.LoggingLevelWarning, graphOpt: ort.GraphOptimizationLevelEnableAll}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{cfg: cfg, owned: make(map[*tensor.Value]ort.Value)}, nil
}

// Init resolves the shared library and creates the runtime environment.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	log := klog.FromContext(ctx)

	path := e.cfg.libraryPath
	if path == "" {
		var err error
		if path, err = ort.EnsureSharedLibrary(ctx, e.cfg.bootstrap...); err != nil {
			return fmt.Errorf("resolve ONNX Runtime library: %w", err)
		}
	}
	if err := ort.SetSharedLibraryPath(path); err != nil {
		return err
	}
	if err := ort.SetLogLevel(e.cfg.logLevel); err != nil {
		return err
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	e.initialized = true
	log.Info("ONNX Runtime initialized", "version", ort.GetVersionString(), "library", path)
	return nil
}

func (e *Engine) sessionOptions() (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if err := opts.SetIntraOpNumThreads(e.cfg.intraOp); err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	if err := opts.SetInterOpNumThreads(e.cfg.interOp); err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	if err := opts.SetGraphOptimizationLevel(e.cfg.graphOpt); err != nil {
		_ = opts.Destroy()
		return nil, err
	}
	return opts, nil
}

func (e *Engine) CreateSession(ctx context.Context, src engine.ModelSource) (engine.Session, error) {
	opts, err := e.sessionOptions()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ModelLoad, "create session", err)
	}
	defer opts.Destroy()

	var s *ort.Session
	if src.Path != "" {
		s, err = ort.NewSession(src.Path, opts)
	} else {
		s, err = ort.NewSessionFromBytes(src.Bytes, opts)
	}
	if err != nil {
		return nil, &errdefs.Error{Kind: errdefs.ModelLoad, Op: "create session", Path: src.Path, Err: err}
	}
	klog.FromContext(ctx).V(2).Info("session created", "source", src.String(), "inputs", s.InputNames(), "outputs", s.OutputNames())
	return &session{s: s, source: src.String()}, nil
}

// Execute binds inputs without copying, runs the model and copies every
// produced output into Go memory. Requested names the model does not
// declare are left out of the result.
func (e *Engine) Execute(ctx context.Context, s engine.Session, inputs map[string]*tensor.Value, outputNames []string) (map[string]*tensor.Value, error) {
	// Inputs belong to the engine from here on, whatever happens below.
	e.mu.Lock()
	for _, v := range inputs {
		if _, ok := e.owned[v]; !ok {
			e.owned[v] = nil
		}
	}
	e.mu.Unlock()

	sess, ok := s.(*session)
	if !ok || sess == nil {
		return nil, errdefs.New(errdefs.InvalidArgument, "execute", "session %T not created by this engine", s)
	}

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	values := make([]ort.Value, 0, len(names))
	for _, name := range names {
		v, err := e.bind(inputs[name])
		if err != nil {
			return nil, errdefs.WithName(errdefs.Wrap(errdefs.InferenceExecution, "bind input", err), name)
		}
		values = append(values, v)
	}

	declared := sess.s.OutputNames()
	requested := make([]string, 0, len(outputNames))
	for _, name := range outputNames {
		if slices.Contains(declared, name) && !slices.Contains(requested, name) {
			requested = append(requested, name)
		}
	}
	if len(requested) == 0 {
		return map[string]*tensor.Value{}, nil
	}

	klog.FromContext(ctx).V(3).Info("ort run", "inputs", names, "outputs", requested)
	outs, err := sess.s.Run(names, values, requested)
	if err != nil {
		return nil, &errdefs.Error{Kind: errdefs.InferenceExecution, Op: "run", Detail: sess.source, Err: err}
	}
	defer func() {
		for _, o := range outs {
			_ = o.Destroy()
		}
	}()

	result := make(map[string]*tensor.Value, len(outs))
	for i, o := range outs {
		v, err := fetch(o)
		if err != nil {
			return nil, errdefs.WithName(err, requested[i])
		}
		result[requested[i]] = v
	}

	e.mu.Lock()
	for _, v := range result {
		e.owned[v] = nil
	}
	e.mu.Unlock()
	return result, nil
}

func (e *Engine) bind(v *tensor.Value) (ort.Value, error) {
	if v == nil {
		return nil, errdefs.New(errdefs.InvalidArgument, "bind input", "nil tensor")
	}
	var (
		bound ort.Value
		err   error
	)
	switch v.ElementType() {
	case tensor.Float32:
		bound, err = bindAs[float32](v)
	case tensor.Int32:
		bound, err = bindAs[int32](v)
	case tensor.Int64:
		bound, err = bindAs[int64](v)
	case tensor.Float16:
		bound, err = bindAs[float16.Float16](v)
	default:
		return nil, errdefs.New(errdefs.UnsupportedElementType, "bind input", "%s", v.ElementType())
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// The same value bound under two names shares one runtime tensor.
	if prev := e.owned[v]; prev != nil {
		_ = bound.Destroy()
		return prev, nil
	}
	e.owned[v] = bound
	return bound, nil
}

func bindAs[T tensor.Element](v *tensor.Value) (ort.Value, error) {
	data, err := tensor.Data[T](v)
	if err != nil {
		return nil, err
	}
	t, err := ort.NewTensor(ort.Shape(v.Shape()), data)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func fetch(o *ort.OutputValue) (*tensor.Value, error) {
	if o.ONNXType() != ort.ONNXTypeTensor {
		return nil, errdefs.New(errdefs.UnsupportedElementType, "read output", "onnx value type %d is not a tensor", o.ONNXType())
	}
	switch o.ElementType() {
	case ort.TensorElementDataTypeFloat:
		return fetchAs[float32](o)
	case ort.TensorElementDataTypeInt32:
		return fetchAs[int32](o)
	case ort.TensorElementDataTypeInt64:
		return fetchAs[int64](o)
	case ort.TensorElementDataTypeFloat16:
		return fetchAs[float16.Float16](o)
	}
	return nil, errdefs.New(errdefs.UnsupportedElementType, "read output", "%s", o.ElementType())
}

func fetchAs[T tensor.Element](o *ort.OutputValue) (*tensor.Value, error) {
	data, err := ort.CopyOutputData[T](o)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.InferenceExecution, "read output", err)
	}
	return tensor.New(tensor.Shape(o.Shape()), data)
}

// ReleaseTensor destroys the runtime binding of an input or forgets an
// output copy.
func (e *Engine) ReleaseTensor(v *tensor.Value) error {
	e.mu.Lock()
	bound, ok := e.owned[v]
	delete(e.owned, v)
	e.mu.Unlock()
	if !ok {
		return errdefs.New(errdefs.InvalidArgument, "release tensor", "tensor not owned by engine")
	}
	if bound != nil {
		return bound.Destroy()
	}
	return nil
}

func (e *Engine) ReleaseSession(s engine.Session) error {
	sess, ok := s.(*session)
	if !ok || sess == nil {
		return errdefs.New(errdefs.InvalidArgument, "release session", "session %T not created by this engine", s)
	}
	return sess.s.Destroy()
}

// Shutdown destroys any bindings still held and releases the runtime
// environment.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	var errs []error
	for v, bound := range e.owned {
		if bound != nil {
			errs = append(errs, bound.Destroy())
		}
		delete(e.owned, v)
	}
	errs = append(errs, ort.DestroyEnvironment())
	e.initialized = false
	return errors.Join(errs...)
}
