package persist

import (
	"errors"
	"fmt"
)

// Class tells the sink how to react to a failed persistence attempt.
type Class int

const (
	// ClassRuntime is any other runtime fault. Not retried.
	ClassRuntime Class = iota
	// ClassPersistence means the backend is unreachable or overloaded. The batch
	// is rolled back and retried.
	ClassPersistence
	// ClassBadConfiguration means the backend rejected how it was configured. Not retried.
	ClassBadConfiguration
	// ClassBadPayload means the batch content was rejected. Not retried.
	ClassBadPayload
)

func (c Class) String() string {
	switch c {
	case ClassPersistence:
		return "persistence"
	case ClassBadConfiguration:
		return "bad_configuration"
	case ClassBadPayload:
		return "bad_payload"
	default:
		return "runtime"
	}
}

// Retryable reports whether a failure of this class is rolled back.
func (c Class) Retryable() bool {
	return c == ClassPersistence
}

// Error is a classified persistence failure.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classify(c Class, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: c, Err: err}
}

// Transient marks err as a retryable persistence failure.
func Transient(err error) error { return classify(ClassPersistence, err) }

// BadConfiguration marks err as a configuration rejection.
func BadConfiguration(err error) error { return classify(ClassBadConfiguration, err) }

// BadPayload marks err as a content rejection.
func BadPayload(err error) error { return classify(ClassBadPayload, err) }

// Runtime marks err as an unexpected runtime fault.
func Runtime(err error) error { return classify(ClassRuntime, err) }

// ClassOf returns the class of err. Unclassified errors are ClassRuntime.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassRuntime
}
