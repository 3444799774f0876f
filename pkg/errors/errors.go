package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrPlanningFailed indicates that the planner collaborator failed or
	// returned a malformed plan. Planning is never retried.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrRetrievalFailed indicates that a retrieval dispatch could not be
	// completed (retriever or reranker failure)
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrSynthesisFailed indicates that the synthesizer collaborator failed
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrRunTimeout indicates that a workflow run did not reach a terminal
	// event before its deadline
	ErrRunTimeout = errors.New("run timed out")

	// ErrNoRoute indicates that an event was emitted for which no step is registered
	ErrNoRoute = errors.New("no step registered for event")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidMessage indicates that an inbound message envelope is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrConsumerNotFound indicates that a consumer was not found
	ErrConsumerNotFound = errors.New("consumer not found")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTimeout checks if an error is a run timeout
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRunTimeout)
}

// IsPlanningFailure checks if an error originated in the planner collaborator
func IsPlanningFailure(err error) bool {
	return errors.Is(err, ErrPlanningFailed)
}

// IsSynthesisFailure checks if an error originated in the synthesizer collaborator
func IsSynthesisFailure(err error) bool {
	return errors.Is(err, ErrSynthesisFailed)
}
