package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when an enqueue request is malformed.
	ErrValidation = errors.New("validation failed")
	// ErrItemNotFound is returned when a queue item does not exist.
	ErrItemNotFound = errors.New("queue item not found")
	// ErrNotCancellable is returned when cancelling an item that is no longer pending.
	ErrNotCancellable = errors.New("queue item is not cancellable")
	// ErrInvalidTransition is returned when a conditional status update does not apply.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrSignature is returned when a webhook signature does not verify.
	ErrSignature = errors.New("webhook signature mismatch")
	// ErrConflictResolution is returned when a bidirectional record has an unexpected shape.
	ErrConflictResolution = errors.New("conflict resolution failed")
	// ErrScheduleBusy is returned when a schedule is already executing.
	ErrScheduleBusy = errors.New("schedule is already executing")
	// ErrUnknownChannel is returned when no adapter or configuration exists for a channel.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrEntityNotFound is returned by entity repositories when a record does not exist.
	ErrEntityNotFound = errors.New("entity not found")
)

// ErrorKind classifies provider failures for the retry policy.
type ErrorKind string

const (
	// ErrorKindTransient failures are retried through the attempt counter.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent failures finalize the item immediately.
	ErrorKindPermanent ErrorKind = "permanent"
)

// ProviderError describes why a provider did not accept an item.
type ProviderError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s provider error (%s): %s", e.Kind, e.Code, e.Message)
	}

	return fmt.Sprintf("%s provider error: %s", e.Kind, e.Message)
}

// Permanent reports whether the error must not be retried.
func (e *ProviderError) Permanent() bool {
	return e != nil && e.Kind == ErrorKindPermanent
}

// NewTransientError builds a retryable provider error.
func NewTransientError(code, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: ErrorKindTransient, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewPermanentError builds a non-retryable provider error.
func NewPermanentError(code, format string, args ...any) *ProviderError {
	return &ProviderError{Kind: ErrorKindPermanent, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsProviderError converts any error into a ProviderError, treating unknown errors as transient.
func AsProviderError(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	if errors.Is(err, ErrConflictResolution) || errors.Is(err, ErrValidation) {
		return &ProviderError{Kind: ErrorKindPermanent, Message: err.Error()}
	}

	return &ProviderError{Kind: ErrorKindTransient, Message: err.Error()}
}
