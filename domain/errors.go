package domain

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks. Each typed error below matches exactly one.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("task not found")
	ErrTransport  = errors.New("transport failure")
)

// ValidationError reports input the store (or local validation) rejected.
// It is user-correctable and shown inline.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" && e.Message == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	if e.Message == "" {
		return ErrValidation.Error()
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error        { return e.Err }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an id unknown to the store, typically because the task
// was deleted concurrently.
type NotFoundError struct {
	ID  TaskID
	Err error
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *NotFoundError) Unwrap() error        { return e.Err }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransportError reports a network failure or an unexpected store response.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: store returned %d: %v", e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: store returned %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": " + ErrTransport.Error()
	}
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
