// Package errdefs defines the closed set of failure kinds reported by the
// session manager and a structured error type carrying them.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure. The set is closed.
type Kind int

const (
	Unknown Kind = iota
	Initialization
	ModelNotFound
	ModelEmpty
	ModelLoad
	SessionNotLoaded
	ShapeMismatch
	ShapeInference
	UnsupportedElementType
	ValueOutOfRange
	OutputNotFound
	InferenceExecution
	InvalidArgument
)

var kindNames = map[Kind]string{
	Unknown:                "unknown",
	Initialization:         "initialization failed",
	ModelNotFound:          "model not found",
	ModelEmpty:             "model empty",
	ModelLoad:              "model load failed",
	SessionNotLoaded:       "session not loaded",
	ShapeMismatch:          "shape mismatch",
	ShapeInference:         "shape inference failed",
	UnsupportedElementType: "unsupported element type",
	ValueOutOfRange:        "value out of range",
	OutputNotFound:         "output not found",
	InferenceExecution:     "inference execution failed",
	InvalidArgument:        "invalid argument",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error makes a Kind usable as an errors.Is target.
func (k Kind) Error() string {
	return k.String()
}

// Error is the structured failure returned at package boundaries. Only the
// fields relevant to a given Kind are set.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "load" or "run".
	Op string
	// Key identifies the session, if any.
	Key string
	// Name identifies the input or output tensor, if any.
	Name string
	// Path is the model path for load failures.
	Path string
	// Expected and Actual describe shape or count disagreements.
	Expected []int64
	Actual   []int64
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Key != "" {
		fmt.Fprintf(&b, " (session %q)", e.Key)
	}
	if e.Name != "" {
		fmt.Fprintf(&b, " (tensor %q)", e.Name)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (path %s)", e.Path)
	}
	if e.Expected != nil || e.Actual != nil {
		fmt.Fprintf(&b, ": expected %v, got %v", e.Expected, e.Actual)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against a bare Kind or against another *Error of the
// same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New returns an *Error of the given kind with a formatted detail message.
func New(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err. If err already
// carries a Kind it is returned unchanged.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Unknown {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Unknown
}

// WithKey returns err with its session key set when it is an *Error
// without one.
func WithKey(err error, key string) error {
	var e *Error
	if errors.As(err, &e) && e.Key == "" {
		cp := *e
		cp.Key = key
		return &cp
	}
	return err
}

// WithName returns err with its tensor name set when it is an *Error
// without one.
func WithName(err error, name string) error {
	var e *Error
	if errors.As(err, &e) && e.Name == "" {
		cp := *e
		cp.Name = name
		return &cp
	}
	return err
}
