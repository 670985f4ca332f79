package imgdag

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way the kernel facade reports it to
// callers (§7): a closed taxonomy rather than distinct Go error types, so
// that front ends can switch on Kind without importing every package that
// can fail.
type ErrorKind uint8

const (
	// Unknown is the catch-all kind; avoid returning it deliberately.
	Unknown ErrorKind = iota

	// NotFound indicates an unknown node id or graph name.
	NotFound

	// InvalidParameter indicates a duplicate id, a missing required
	// field, an empty ROI, or an unsupported merge_strategy/channel
	// conversion.
	InvalidParameter

	// Cycle indicates a cycle was detected, either on add_node or during
	// traversal/recursion.
	Cycle

	// MissingDependency indicates an edge points to an absent node, or a
	// producer did not emit the required output port.
	MissingDependency

	// NoOperation indicates the registry has no variant satisfying the
	// requested compute intent.
	NoOperation

	// InvalidYAML indicates a graph YAML document failed to parse.
	InvalidYAML

	// IO indicates a filesystem failure (disk cache read/write, YAML
	// load/save).
	IO

	// ComputeError wraps an error raised by an operator implementation.
	ComputeError
)

// String renders the error kind for logging and diagnostics.
func (k ErrorKind) String() string {
	switch k {
	case NotFound:
		return "NotFound"
	case InvalidParameter:
		return "InvalidParameter"
	case Cycle:
		return "Cycle"
	case MissingDependency:
		return "MissingDependency"
	case NoOperation:
		return "NoOperation"
	case InvalidYAML:
		return "InvalidYAML"
	case IO:
		return "IO"
	case ComputeError:
		return "ComputeError"
	default:
		return "Unknown"
	}
}

// Error is the error type returned across package boundaries in imgdag.
// It carries a Kind from the taxonomy above plus enough context (node id
// and name, when relevant) to let a kernel facade report a useful
// last_error without the caller having to parse a message string.
type Error struct {
	Kind ErrorKind
	// NodeID is the node that failed, or -1 if not node-specific.
	NodeID int
	// NodeName is the failing node's declared name, if known.
	NodeName string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.NodeID >= 0 {
		if e.Err != nil {
			return fmt.Sprintf("imgdag: %s: node %d (%s): %v", e.Kind, e.NodeID, e.NodeName, e.Err)
		}
		return fmt.Sprintf("imgdag: %s: node %d (%s)", e.Kind, e.NodeID, e.NodeName)
	}
	if e.Err != nil {
		return fmt.Sprintf("imgdag: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("imgdag: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, &imgdag.Error{Kind: imgdag.Cycle}).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// NewError builds an *Error not tied to a specific node.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, NodeID: -1, Err: err}
}

// NewNodeError builds an *Error tied to a specific node.
func NewNodeError(kind ErrorKind, nodeID int, nodeName string, err error) *Error {
	return &Error{Kind: kind, NodeID: nodeID, NodeName: nodeName, Err: err}
}

// KindOf extracts the ErrorKind from err, or Unknown if err is nil or not
// an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
