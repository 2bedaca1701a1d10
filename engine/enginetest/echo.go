// Package enginetest provides an in-memory engine for exercising the
// session registry and gateway without a native runtime.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amikos-tech/onnx-bridge/engine"
	"github.com/amikos-tech/onnx-bridge/tensor"
)

// Route maps one output to the input it echoes, optionally reshaped.
type Route struct {
	Input string
	Shape tensor.Shape
}

// Echo is an engine whose sessions copy inputs to outputs. It counts every
// resource it hands out so tests can assert nothing leaks.
type Echo struct {
	// Routes maps output names to their source. When empty, each input is
	// echoed under its own name.
	Routes map[string]Route
	// Delay is slept inside Execute to widen concurrency windows.
	Delay time.Duration

	InitErr    error
	LoadErr    error
	ExecuteErr error

	mu            sync.Mutex
	inits         int
	created       int
	released      int
	doubleRelease int
	executions    int
	live          map[*echoSession]struct{}
	outstanding   map[*tensor.Value]struct{}
	inflight      map[*echoSession]int
	maxPerSession map[string]int
	inflightAll   int
	maxAll        int
}

type echoSession struct {
	id     int
	source string
	closed bool
}

var _ engine.Engine = (*Echo)(nil)

func (e *Echo) lazyInit() {
	if e.live == nil {
		e.live = make(map[*echoSession]struct{})
		e.outstanding = make(map[*tensor.Value]struct{})
		e.inflight = make(map[*echoSession]int)
		e.maxPerSession = make(map[string]int)
	}
}

func (e *Echo) Init(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	if e.InitErr != nil {
		return e.InitErr
	}
	e.inits++
	return nil
}

func (e *Echo) Shutdown() error {
	return nil
}

func (e *Echo) CreateSession(ctx context.Context, src engine.ModelSource) (engine.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	if len(src.Bytes) == 0 && src.Path == "" {
		return nil, errors.New("empty model source")
	}
	e.created++
	source := src.Path
	if source == "" {
		source = string(src.Bytes)
	}
	s := &echoSession{id: e.created, source: source}
	e.live[s] = struct{}{}
	return s, nil
}

func (e *Echo) ReleaseSession(s engine.Session) error {
	es, ok := s.(*echoSession)
	if !ok {
		return fmt.Errorf("unknown session type %T", s)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if es.closed {
		e.doubleRelease++
		return errors.New("session already released")
	}
	es.closed = true
	delete(e.live, es)
	e.released++
	return nil
}

func (e *Echo) Execute(ctx context.Context, s engine.Session, inputs map[string]*tensor.Value, outputNames []string) (map[string]*tensor.Value, error) {
	es, ok := s.(*echoSession)
	if !ok {
		return nil, fmt.Errorf("unknown session type %T", s)
	}

	e.mu.Lock()
	e.lazyInit()
	if es.closed {
		e.mu.Unlock()
		return nil, errors.New("session has been released")
	}
	for _, v := range inputs {
		e.outstanding[v] = struct{}{}
	}
	e.executions++
	e.inflight[es]++
	e.inflightAll++
	if e.inflight[es] > e.maxPerSession[es.source] {
		e.maxPerSession[es.source] = e.inflight[es]
	}
	if e.inflightAll > e.maxAll {
		e.maxAll = e.inflightAll
	}
	execErr := e.ExecuteErr
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.inflight[es]--
		e.inflightAll--
		e.mu.Unlock()
	}()

	if e.Delay > 0 {
		time.Sleep(e.Delay)
	}
	if execErr != nil {
		return nil, execErr
	}

	routes := e.Routes
	if len(routes) == 0 {
		routes = make(map[string]Route, len(inputs))
		for name := range inputs {
			routes[name] = Route{Input: name}
		}
	}

	out := make(map[string]*tensor.Value, len(outputNames))
	for _, name := range outputNames {
		r, ok := routes[name]
		if !ok {
			continue
		}
		in, ok := inputs[r.Input]
		if !ok {
			continue
		}
		v := in.Clone()
		if r.Shape != nil {
			reshaped, err := v.Reshape(r.Shape)
			if err != nil {
				e.releaseAll(out)
				return nil, err
			}
			v = reshaped
		}
		out[name] = v
	}

	e.mu.Lock()
	for _, v := range out {
		e.outstanding[v] = struct{}{}
	}
	e.mu.Unlock()
	return out, nil
}

func (e *Echo) releaseAll(vs map[string]*tensor.Value) {
	for _, v := range vs {
		_ = e.ReleaseTensor(v)
	}
}

func (e *Echo) ReleaseTensor(v *tensor.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	if _, ok := e.outstanding[v]; !ok {
		return errors.New("tensor not owned by engine")
	}
	delete(e.outstanding, v)
	return nil
}

// Stats is a snapshot of Echo counters.
type Stats struct {
	Inits           int
	Created         int
	Released        int
	Live            int
	DoubleReleases  int
	Executions      int
	Outstanding     int
	MaxConcurrent   int
	// MaxPerSessionBy is keyed by model path, or by model bytes as a
	// string.
	MaxPerSessionBy map[string]int
}

// Stats returns current counters.
func (e *Echo) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lazyInit()
	per := make(map[string]int, len(e.maxPerSession))
	for k, v := range e.maxPerSession {
		per[k] = v
	}
	return Stats{
		Inits:           e.inits,
		Created:         e.created,
		Released:        e.released,
		Live:            len(e.live),
		DoubleReleases:  e.doubleRelease,
		Executions:      e.executions,
		Outstanding:     len(e.outstanding),
		MaxConcurrent:   e.maxAll,
		MaxPerSessionBy: per,
	}
}
