package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Structural errors. They reject the offending operation and never leave the
// graph partially mutated.
var (
	ErrCyclicDependency   = errors.New("cyclic dependency")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDuplicateTask      = errors.New("duplicate task")
	ErrInvalidTask        = errors.New("invalid task")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrTaskNotFound       = errors.New("task not found")
	ErrInvariantViolation = errors.New("invariant violation")
)

// Failure causes recorded on tasks that end up Failed.
var (
	ErrWorkerFailure        = errors.New("worker failure")
	ErrDispatch             = errors.New("dispatch error")
	ErrInterruptedByRestart = errors.New("interrupted by restart")
	ErrCancelled            = errors.New("cancelled")
	ErrTimeout              = errors.New("timeout")
)

// GraphError wraps a structural failure with detail while still matching its
// sentinel through errors.Is.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

// CycleError reports the dependency path that closes a cycle.
func CycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCyclicDependency, Msg: msg}
}

// UnknownDependencyError reports a dependency id missing from the graph.
func UnknownDependencyError(taskID, depID string) error {
	return &GraphError{Kind: ErrUnknownDependency, Msg: fmt.Sprintf("task %s depends on %s", taskID, depID)}
}

// DuplicateTaskError reports an id that is already taken.
func DuplicateTaskError(taskID string) error {
	return &GraphError{Kind: ErrDuplicateTask, Msg: taskID}
}

// TransitionError reports an edge that is not part of the state machine.
func TransitionError(taskID string, from, to Status) error {
	return &GraphError{Kind: ErrInvalidTransition, Msg: fmt.Sprintf("task %s: %s -> %s", taskID, from, to)}
}

// NotFoundError reports an unknown task id.
func NotFoundError(taskID string) error {
	return &GraphError{Kind: ErrTaskNotFound, Msg: taskID}
}

// InvariantError reports a broken invariant such as a task completing twice
// with different outputs.
func InvariantError(format string, args ...any) error {
	return &GraphError{Kind: ErrInvariantViolation, Msg: fmt.Sprintf(format, args...)}
}

func invalidTaskf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidTask, Msg: fmt.Sprintf(format, args...)}
}

// ErrorCode classifies why a task failed.
type ErrorCode string

const (
	CodeWorkerFailure        ErrorCode = "worker_failure"
	CodeDispatchError        ErrorCode = "dispatch_error"
	CodeInterruptedByRestart ErrorCode = "interrupted_by_restart"
	CodeCancelled            ErrorCode = "cancelled"
	CodeTimeout              ErrorCode = "timeout"
	CodeInvariantViolation   ErrorCode = "invariant_violation"
)

// TaskError is the persisted failure payload of a Failed task.
type TaskError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message,omitempty"`
}

// NewTaskError builds a TaskError from a code and an optional cause.
func NewTaskError(code ErrorCode, cause error) *TaskError {
	te := &TaskError{Code: code}
	if cause != nil {
		te.Message = cause.Error()
	}
	return te
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches the sentinel corresponding to the error code.
func (e *TaskError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodeWorkerFailure:
		return target == ErrWorkerFailure
	case CodeDispatchError:
		return target == ErrDispatch
	case CodeInterruptedByRestart:
		return target == ErrInterruptedByRestart
	case CodeCancelled:
		return target == ErrCancelled
	case CodeTimeout:
		return target == ErrTimeout
	case CodeInvariantViolation:
		return target == ErrInvariantViolation
	}
	return false
}
