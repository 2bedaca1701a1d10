// Package gateway is the entry point for hosts: it initialises the engine,
// loads models into the session registry and runs inference with
// loosely-typed arguments.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"k8s.io/klog/v2"

	"github.com/amikos-tech/onnx-bridge/engine"
	"github.com/amikos-tech/onnx-bridge/errdefs"
	"github.com/amikos-tech/onnx-bridge/session"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

type config struct {
	codec       tensor.Codec
	concurrency int
}

// Option configures a Gateway.
type Option func(*config) error

// WithTypePolicy selects how inputs without a declared type are encoded.
func WithTypePolicy(p tensor.TypePolicy) Option {
	return func(c *config) error {
		if p != tensor.PolicyFloat32 && p != tensor.PolicyInspect {
			return fmt.Errorf("unknown type policy %v", p)
		}
		c.codec.Policy = p
		return nil
	}
}

// WithSessionConcurrency admits up to n simultaneous runs per session key.
func WithSessionConcurrency(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("session concurrency must be >= 1, got %d", n)
		}
		c.concurrency = n
		return nil
	}
}

// Gateway is safe for concurrent use.
type Gateway struct {
	engine   engine.Engine
	codec    tensor.Codec
	registry *session.Registry

	initMu      sync.Mutex
	initialized bool
}

// Output is one decoded result tensor.
type Output struct {
	// Tensor is a Go-owned copy of the engine output.
	Tensor *tensor.Value
	// Data is the flat row-major decode of Tensor.
	Data tensor.Sequence
}

// Outputs preserves the order in which output names were requested.
type Outputs = orderedmap.OrderedMap[string, Output]

// TensorSpec is an explicitly typed host input.
type TensorSpec struct {
	Data  any
	Shape []int64
	// Type names the element type; empty means float32.
	Type string
}

// New returns a Gateway over e.
func New(e engine.Engine, opts ...Option) (*Gateway, error) {
	cfg := config{concurrency: session.DefaultConcurrency}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	reg, err := session.NewRegistry(e, session.WithConcurrency(cfg.concurrency))
	if err != nil {
		return nil, err
	}
	return &Gateway{engine: e, codec: cfg.codec, registry: reg}, nil
}

// Registry exposes the underlying session registry.
func (g *Gateway) Registry() *session.Registry {
	return g.registry
}

// InitEnv initialises the engine once. A failed attempt is reported as
// Initialization and the next call retries.
func (g *Gateway) InitEnv(ctx context.Context) error {
	g.initMu.Lock()
	defer g.initMu.Unlock()
	if g.initialized {
		return nil
	}
	if err := g.engine.Init(ctx); err != nil {
		return &errdefs.Error{Kind: errdefs.Initialization, Op: "init", Err: err}
	}
	g.initialized = true
	klog.FromContext(ctx).Info("inference environment initialized")
	return nil
}

// LoadModel loads a model under key from exactly one of modelBytes and
// modelPath, initialising the engine first if needed.
func (g *Gateway) LoadModel(ctx context.Context, key string, modelBytes []byte, modelPath string) error {
	if err := g.InitEnv(ctx); err != nil {
		return err
	}
	return g.registry.Load(ctx, key, engine.ModelSource{Bytes: modelBytes, Path: modelPath})
}

// UnloadModel releases the session under key. Absent keys are ignored.
func (g *Gateway) UnloadModel(ctx context.Context, key string) error {
	return g.registry.Unload(ctx, key)
}

// RunInference runs key with host values whose types are inferred by the
// codec policy.
func (g *Gateway) RunInference(ctx context.Context, key string, inputs map[string]any, outputNames []string) (*Outputs, error) {
	if _, err := g.registry.Get(key); err != nil {
		return nil, err
	}
	raw := make(map[string]tensor.Raw, len(inputs))
	for _, name := range sortedNames(inputs) {
		r, err := tensor.FromAny(inputs[name])
		if err != nil {
			return nil, errdefs.WithKey(errdefs.WithName(err, name), key)
		}
		raw[name] = r
	}
	return g.Run(ctx, key, raw, outputNames)
}

// RunComplex runs key with explicitly shaped and typed inputs.
func (g *Gateway) RunComplex(ctx context.Context, key string, inputs map[string]TensorSpec, outputNames []string) (*Outputs, error) {
	if _, err := g.registry.Get(key); err != nil {
		return nil, err
	}
	raw := make(map[string]tensor.Raw, len(inputs))
	for _, name := range sortedNames(inputs) {
		in := inputs[name]
		data, err := tensor.FromAny(in.Data)
		if err != nil {
			return nil, errdefs.WithKey(errdefs.WithName(err, name), key)
		}
		typ := in.Type
		if typ == "" {
			typ = tensor.Float32.String()
		}
		raw[name] = tensor.Fields{Data: data, Shape: tensor.Shape(in.Shape).Clone(), Type: typ}
	}
	return g.Run(ctx, key, raw, outputNames)
}

// Run encodes inputs, executes key and decodes the requested outputs in
// order. On any failure no outputs are returned and every tensor handed to
// or produced by the engine has been released.
func (g *Gateway) Run(ctx context.Context, key string, inputs map[string]tensor.Raw, outputNames []string) (*Outputs, error) {
	if _, err := g.registry.Get(key); err != nil {
		return nil, err
	}
	encoded := make(map[string]*tensor.Value, len(inputs))
	for _, name := range sortedNames(inputs) {
		v, err := g.codec.Encode(inputs[name], tensor.Undefined, nil)
		if err != nil {
			return nil, errdefs.WithKey(errdefs.WithName(err, name), key)
		}
		encoded[name] = v
	}
	return g.execute(ctx, key, encoded, outputNames)
}

// RunTensors runs key with already encoded inputs.
func (g *Gateway) RunTensors(ctx context.Context, key string, inputs map[string]*tensor.Value, outputNames []string) (*Outputs, error) {
	if _, err := g.registry.Get(key); err != nil {
		return nil, err
	}
	for name, v := range inputs {
		if v == nil {
			return nil, &errdefs.Error{Kind: errdefs.InvalidArgument, Op: "run", Key: key, Name: name, Detail: "nil tensor"}
		}
	}
	return g.execute(ctx, key, inputs, outputNames)
}

func (g *Gateway) execute(ctx context.Context, key string, inputs map[string]*tensor.Value, outputNames []string) (out *Outputs, retErr error) {
	if len(outputNames) == 0 {
		return nil, &errdefs.Error{Kind: errdefs.InvalidArgument, Op: "run", Key: key, Detail: "no output names requested"}
	}
	runID := uuid.NewString()
	log := klog.FromContext(ctx).WithValues("key", key, "run", runID)
	ctx = klog.NewContext(ctx, log)

	h, release, err := g.registry.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	log.V(2).Info("executing", "inputs", len(inputs), "outputs", outputNames)

	var produced map[string]*tensor.Value
	defer func() {
		if err := g.releaseAll(key, inputs, produced); err != nil {
			log.Error(err, "failed to release tensors")
			if retErr == nil {
				out, retErr = nil, err
			}
		}
	}()

	produced, err = g.engine.Execute(ctx, h.Session(), inputs, outputNames)
	if err != nil {
		return nil, errdefs.WithKey(errdefs.Wrap(errdefs.InferenceExecution, "run", err), key)
	}

	out = orderedmap.New[string, Output]()
	for _, name := range outputNames {
		v, ok := produced[name]
		if !ok || v == nil {
			return nil, &errdefs.Error{Kind: errdefs.OutputNotFound, Op: "run", Key: key, Name: name}
		}
		if !v.ElementType().Valid() {
			return nil, &errdefs.Error{Kind: errdefs.UnsupportedElementType, Op: "run", Key: key, Name: name, Detail: v.ElementType().String()}
		}
		owned := v.Clone()
		data, err := g.codec.Decode(owned)
		if err != nil {
			return nil, errdefs.WithKey(errdefs.WithName(err, name), key)
		}
		out.Set(name, Output{Tensor: owned, Data: data})
	}
	log.V(2).Info("run complete")
	return out, nil
}

// releaseAll returns every input and every produced output to the engine.
// Inputs are released even when Execute failed. A tensor bound under
// several names is released once.
func (g *Gateway) releaseAll(key string, inputs, produced map[string]*tensor.Value) error {
	var errs []error
	seen := make(map[*tensor.Value]struct{}, len(inputs)+len(produced))
	release := func(kind, name string, v *tensor.Value) {
		if v == nil {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		if err := g.engine.ReleaseTensor(v); err != nil {
			errs = append(errs, fmt.Errorf("release %s %q: %w", kind, name, err))
		}
	}
	for _, name := range sortedNames(inputs) {
		release("input", name, inputs[name])
	}
	for _, name := range sortedNames(produced) {
		release("output", name, produced[name])
	}
	if len(errs) == 0 {
		return nil
	}
	return &errdefs.Error{Kind: errdefs.InferenceExecution, Op: "release", Key: key, Err: errors.Join(errs...)}
}

// Close releases every session and shuts the engine down.
func (g *Gateway) Close(ctx context.Context) error {
	var errs []error
	if err := g.registry.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	g.initMu.Lock()
	if g.initialized {
		if err := g.engine.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown engine: %w", err))
		}
		g.initialized = false
	}
	g.initMu.Unlock()
	return errors.Join(errs...)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
