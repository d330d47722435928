// Package errors provides a small, uniform error-wrapping type used
// across sysrev for infrastructure-level failures (cache I/O, journal
// corruption, invariant violations) that aren't part of the adapter
// error taxonomy in pkg/classify.
package errors

import "fmt"

// OperationError describes a failed operation with enough context to log
// or report without the caller having to re-derive it from a bare error
// string.
type OperationError struct {
	// Operation is a short present-tense description, e.g. "store page".
	Operation string
	// Component names the subsystem involved, e.g. "cache".
	Component string
	// Resource identifies what was being acted on, e.g. a query_id.
	Resource string
	// Cause is the underlying error, if any.
	Cause error
}

func (e *OperationError) Error() string {
	msg := "failed to " + e.Operation
	if e.Component != "" {
		msg += fmt.Sprintf(", component: %s", e.Component)
	}
	if e.Resource != "" {
		msg += fmt.Sprintf(", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(", cause: %s", e.Cause)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// FailedTo builds a minimal OperationError carrying only an action and
// its cause, for call sites that don't have a component/resource handy.
func FailedTo(action string, cause error) *OperationError {
	return &OperationError{Operation: action, Cause: cause}
}

// WithComponent returns a copy of the error annotated with a component.
func WithComponent(action, component string, cause error) *OperationError {
	return &OperationError{Operation: action, Component: component, Cause: cause}
}

// WithResource returns a copy of the error annotated with component and resource.
func WithResource(action, component, resource string, cause error) *OperationError {
	return &OperationError{Operation: action, Component: component, Resource: resource, Cause: cause}
}
