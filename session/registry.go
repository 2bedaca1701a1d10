// Package session keeps the mapping from caller-chosen keys to loaded
// engine sessions and serialises execution per key.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/amikos-tech/onnx-bridge/engine"
	"github.com/amikos-tech/onnx-bridge/errdefs"
)

// SidecarSuffix is appended to a model path to locate its external weights.
const SidecarSuffix = ".data"

// DefaultConcurrency is the number of runs admitted per key at once.
const DefaultConcurrency = 1

type config struct {
	concurrency int64
}

// Option configures a Registry.
type Option func(*config) error

// WithConcurrency admits up to n simultaneous runs per key. Only use n > 1
// with engines whose sessions are safe for concurrent execution.
func WithConcurrency(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be >= 1, got %d", n)
		}
		c.concurrency = int64(n)
		return nil
	}
}

// Registry owns every loaded session. Load, Unload and Close are
// exclusive; lookups are shared.
type Registry struct {
	engine      engine.Engine
	concurrency int64

	mu      sync.RWMutex
	handles map[string]*Handle
}

// Handle is one loaded session.
type Handle struct {
	key      string
	source   string
	loadedAt time.Time
	session  engine.Session
	gate     *semaphore.Weighted

	// closed is written with the gate fully held.
	closed bool
}

// Key returns the caller-chosen session key.
func (h *Handle) Key() string { return h.key }

// Source describes where the model was loaded from.
func (h *Handle) Source() string { return h.source }

// LoadedAt returns when the session was created.
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

// Session returns the engine session. It is valid only while the run gate
// obtained from Registry.Acquire is held.
func (h *Handle) Session() engine.Session { return h.session }

// NewRegistry returns an empty registry creating sessions on e.
func NewRegistry(e engine.Engine, opts ...Option) (*Registry, error) {
	if e == nil {
		return nil, errors.New("engine is nil")
	}
	cfg := config{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	return &Registry{
		engine:      e,
		concurrency: cfg.concurrency,
		handles:     make(map[string]*Handle),
	}, nil
}

// Load creates a session for key from src, replacing any session already
// held under key. The previous session is drained and released before the
// new one is created, so a key never holds two engine sessions. If creation
// fails the key is left unloaded.
func (r *Registry) Load(ctx context.Context, key string, src engine.ModelSource) error {
	log := klog.FromContext(ctx).WithValues("key", key)

	if key == "" {
		return errdefs.New(errdefs.InvalidArgument, "load", "session key is empty")
	}
	src, err := validateSource(ctx, src)
	if err != nil {
		return errdefs.WithKey(err, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.handles[key]; ok {
		if err := r.retire(ctx, old); err != nil {
			if _, kept := r.handles[key]; kept {
				return fmt.Errorf("load %q: waiting for in-flight runs: %w", key, err)
			}
			log.Error(err, "failed to release previous session")
			return &errdefs.Error{Kind: errdefs.ModelLoad, Op: "load", Key: key, Detail: "release previous session", Err: err}
		}
		log.V(2).Info("released previous session", "source", old.source)
	}

	sess, err := r.engine.CreateSession(ctx, src)
	if err != nil {
		return &errdefs.Error{Kind: errdefs.ModelLoad, Op: "load", Key: key, Path: src.Path, Err: err}
	}

	r.handles[key] = &Handle{
		key:      key,
		source:   src.String(),
		loadedAt: time.Now(),
		session:  sess,
		gate:     semaphore.NewWeighted(r.concurrency),
	}
	log.Info("session loaded", "source", src.String())
	return nil
}

// Unload releases the session held under key. Unloading an absent key is a
// no-op.
func (r *Registry) Unload(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	if !ok {
		return nil
	}
	if err := r.retire(ctx, h); err != nil {
		return fmt.Errorf("unload %q: %w", key, err)
	}
	klog.FromContext(ctx).Info("session unloaded", "key", key)
	return nil
}

// retire waits for in-flight runs on h, marks it closed, removes it from
// the map and releases the engine session. The caller holds r.mu. If ctx
// ends while waiting, h is left untouched.
func (r *Registry) retire(ctx context.Context, h *Handle) error {
	if err := h.gate.Acquire(ctx, r.concurrency); err != nil {
		return err
	}
	h.closed = true
	sess := h.session
	h.session = nil
	// Waiters queued behind the drain wake up, see closed and give up.
	h.gate.Release(r.concurrency)

	delete(r.handles, h.key)
	return r.engine.ReleaseSession(sess)
}

// Get returns the handle for key.
func (r *Registry) Get(key string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[key]
	if !ok {
		return nil, &errdefs.Error{Kind: errdefs.SessionNotLoaded, Op: "get", Key: key}
	}
	return h, nil
}

// Acquire looks up key and waits for a run slot on it. The returned func
// gives the slot back and must be called exactly once. Runs on distinct
// keys never wait on each other.
func (r *Registry) Acquire(ctx context.Context, key string) (*Handle, func(), error) {
	h, err := r.Get(key)
	if err != nil {
		return nil, nil, err
	}
	if err := h.gate.Acquire(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("waiting for session %q: %w", key, err)
	}
	if h.closed {
		h.gate.Release(1)
		return nil, nil, &errdefs.Error{Kind: errdefs.SessionNotLoaded, Op: "acquire", Key: key, Detail: "session was unloaded"}
	}
	var once sync.Once
	return h, func() { once.Do(func() { h.gate.Release(1) }) }, nil
}

// Keys returns the loaded keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of loaded sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Close releases every session. It keeps going after a failure and
// returns all failures joined.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, key := range sortedKeys(r.handles) {
		if err := r.retire(ctx, r.handles[key]); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]*Handle) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// validateSource checks src before any registry state is touched and
// returns it with bytes copied.
func validateSource(ctx context.Context, src engine.ModelSource) (engine.ModelSource, error) {
	hasBytes := src.Bytes != nil
	hasPath := src.Path != ""
	switch {
	case hasBytes && hasPath:
		return src, errdefs.New(errdefs.InvalidArgument, "load", "both model bytes and model path supplied")
	case !hasBytes && !hasPath:
		return src, errdefs.New(errdefs.InvalidArgument, "load", "neither model bytes nor model path supplied")
	}

	if hasBytes {
		if len(src.Bytes) == 0 {
			return src, &errdefs.Error{Kind: errdefs.ModelEmpty, Op: "load", Detail: "model bytes are empty"}
		}
		return engine.ModelSource{Bytes: append([]byte(nil), src.Bytes...)}, nil
	}

	info, err := os.Stat(src.Path)
	if err != nil {
		e := &errdefs.Error{Kind: errdefs.ModelNotFound, Op: "load", Path: src.Path}
		if !errors.Is(err, fs.ErrNotExist) {
			e.Err = err
		}
		return src, e
	}
	if info.IsDir() {
		return src, &errdefs.Error{Kind: errdefs.ModelNotFound, Op: "load", Path: src.Path, Detail: "path is a directory"}
	}
	if info.Size() == 0 {
		return src, &errdefs.Error{Kind: errdefs.ModelEmpty, Op: "load", Path: src.Path}
	}

	sidecar := src.Path + SidecarSuffix
	if _, err := os.Stat(sidecar); err != nil {
		klog.FromContext(ctx).Info("WARNING: external data sidecar not found; loading model without it", "path", src.Path, "sidecar", sidecar)
	}
	return engine.ModelSource{Path: src.Path}, nil
}
