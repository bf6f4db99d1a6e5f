// Package server classifies event handling failures into the kinds that are
// reported back to the originating connection and the kinds that are only logged.
package server

import "fmt"

// ErrorKind classifies an EventError.
type ErrorKind string

const (
	ErrKindAuth       ErrorKind = "auth"
	ErrKindNotFound   ErrorKind = "not_found"
	ErrKindPermission ErrorKind = "permission"
	ErrKindInvalid    ErrorKind = "invalid"
	ErrKindStore      ErrorKind = "store"
)

// EventError is a failed inbound event. Message is what the client sees.
type EventError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EventError) Unwrap() error { return e.Err }

// Reported reports whether the client is told about the failure. Store
// failures are only logged.
func (e *EventError) Reported() bool {
	return e.Kind != ErrKindStore
}

func errNotAuthenticated() *EventError {
	return &EventError{Kind: ErrKindAuth, Message: "Not authenticated"}
}

func errChannelNotFound() *EventError {
	return &EventError{Kind: ErrKindNotFound, Message: "Channel not found"}
}

func errNotFound(message string) *EventError {
	return &EventError{Kind: ErrKindNotFound, Message: message}
}

func errPermission(message string) *EventError {
	return &EventError{Kind: ErrKindPermission, Message: message}
}

func errInvalid(err error) *EventError {
	return &EventError{Kind: ErrKindInvalid, Message: err.Error(), Err: err}
}

func errStore(op string, err error) *EventError {
	return &EventError{Kind: ErrKindStore, Message: op, Err: err}
}
