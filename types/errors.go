package types

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match them with errors.Is; the four runtime kinds also match
// ErrRuntimeEvaluation and the three conflict kinds match ErrIdempotencyConflict.
var (
	ErrAuthoring                = errors.New("authoring error")
	ErrRuntimeEvaluation        = errors.New("runtime evaluation error")
	ErrNoMatchingTransition     = errors.New("no matching transition")
	ErrJSONPathEvaluation       = errors.New("json path evaluation error")
	ErrCycleDetected            = errors.New("cycle detected")
	ErrMaxRecursionExceeded     = errors.New("max recursion depth exceeded")
	ErrRegistryFunctionNotFound = errors.New("registry function not found")
	ErrIdempotencyConflict      = errors.New("idempotency conflict")
	ErrVersionConflict          = errors.New("instance version conflict")
	ErrDuplicateToken           = errors.New("active work token already exists")
	ErrTokenTerminal            = errors.New("work token is terminal")
	ErrInstanceNotRunning       = errors.New("instance is not running")
	ErrOutputInvalid            = errors.New("task output does not match schema")
	ErrNotFound                 = errors.New("not found")
)

var kindParent = map[error]error{
	ErrNoMatchingTransition: ErrRuntimeEvaluation,
	ErrJSONPathEvaluation:   ErrRuntimeEvaluation,
	ErrCycleDetected:        ErrRuntimeEvaluation,
	ErrMaxRecursionExceeded: ErrRuntimeEvaluation,
	ErrVersionConflict:      ErrIdempotencyConflict,
	ErrDuplicateToken:       ErrIdempotencyConflict,
	ErrTokenTerminal:        ErrIdempotencyConflict,
	ErrInstanceNotRunning:   ErrIdempotencyConflict,
}

// EngineError is a fatal or recoverable engine failure with enough location
// for an operator to fix the definition.
type EngineError struct {
	Kind       error
	InstanceID uint64
	NodeID     string
	Expression string
	Path       []string
	Err        error
}

func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.Error())
	if e.InstanceID != 0 {
		fmt.Fprintf(&sb, " instance=%d", e.InstanceID)
	}
	if e.NodeID != "" {
		fmt.Fprintf(&sb, " node=%s", e.NodeID)
	}
	if e.Expression != "" {
		fmt.Fprintf(&sb, " expression=%q", e.Expression)
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&sb, " path=%s", strings.Join(e.Path, "->"))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Is matches the error's kind and the kind's parent.
func (e *EngineError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	parent, ok := kindParent[e.Kind]
	return ok && target == parent
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithInstance stamps the instance id on err if it is an EngineError without one.
func WithInstance(err error, instanceID uint64) error {
	var ee *EngineError
	if errors.As(err, &ee) && ee.InstanceID == 0 {
		cp := *ee
		cp.InstanceID = instanceID
		return &cp
	}
	return err
}

// Authoring builds an ErrAuthoring error located at nodeID.
func Authoring(nodeID, format string, args ...interface{}) error {
	return &EngineError{Kind: ErrAuthoring, NodeID: nodeID, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err leaves an instance FAILED rather than retryable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthoring) ||
		errors.Is(err, ErrRuntimeEvaluation) ||
		errors.Is(err, ErrRegistryFunctionNotFound)
}
