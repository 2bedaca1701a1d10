// Package engine defines the capability set the session manager consumes
// from an inference backend.
package engine

import (
	"context"
	"fmt"

	"github.com/amikos-tech/onnx-bridge/tensor"
)

// Session is an engine-owned handle to a loaded model. Its concrete type is
// private to the engine that created it.
type Session interface{}

// ModelSource describes where a model comes from. Exactly one of Bytes and
// Path is set.
type ModelSource struct {
	Bytes []byte
	Path  string
}

func (s ModelSource) String() string {
	if s.Path != "" {
		return s.Path
	}
	return fmt.Sprintf("<%d bytes>", len(s.Bytes))
}

// Engine is an inference backend.
//
// Input values passed to Execute are owned by the engine until released
// with ReleaseTensor. Values returned by Execute are owned by the caller,
// who releases each with ReleaseTensor once decoded. Execute may be called
// concurrently for distinct sessions.
type Engine interface {
	// Init prepares process-wide state. Calling it again after success is
	// a no-op.
	Init(ctx context.Context) error
	CreateSession(ctx context.Context, src ModelSource) (Session, error)
	Execute(ctx context.Context, s Session, inputs map[string]*tensor.Value, outputNames []string) (map[string]*tensor.Value, error)
	ReleaseSession(s Session) error
	ReleaseTensor(v *tensor.Value) error
	// Shutdown undoes Init.
	Shutdown() error
}
