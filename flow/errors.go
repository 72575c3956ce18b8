package flow

import "errors"

// ErrMissingWorkflowID indicates a Run request without a workflow id. Nothing
// is touched; the caller gets the error back immediately.
var ErrMissingWorkflowID = errors.New("workflow id is required")

// ErrCancelled is the terminal error of a cancelled workflow.
var ErrCancelled = errors.New("workflow cancelled")

// WorkflowError is a structured error scoped to one workflow.
type WorkflowError struct {
	// WorkflowID identifies the workflow the error belongs to.
	WorkflowID string

	// Message is the human-readable description.
	Message string

	// Code is a machine-readable error code: "LOAD_FAILED",
	// "PERSIST_FAILED", "SPAWN_FAILED".
	Code string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	if e.WorkflowID != "" {
		return "workflow " + e.WorkflowID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}
