package dispatcher

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatcher error for status-code mapping at the HTTP
// boundary. The dispatcher never lets an underlying fault escape untyped.
type Kind int

const (
	// KindInvalidRequest marks a missing or empty required field. Not
	// retryable, the client must fix the request.
	KindInvalidRequest Kind = iota

	// KindUnsupportedModel marks a key outside the supported-model table.
	KindUnsupportedModel

	// KindLoadFailed marks a model that failed to initialize. The key
	// stays uncached and is retried on the next call.
	KindLoadFailed

	// KindInferenceFailed marks a computation failure on valid input.
	KindInferenceFailed

	// KindTimeout marks a load or inference that exceeded its bound.
	KindTimeout
)

// Error is the typed result every failed dispatcher operation returns.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from err, defaulting to KindInferenceFailed for
// anything untyped.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInferenceFailed
}

func invalidRequestf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func unsupportedModelf(format string, args ...any) *Error {
	return &Error{Kind: KindUnsupportedModel, Message: fmt.Sprintf(format, args...)}
}

func loadFailed(err error) *Error {
	return &Error{Kind: KindLoadFailed, Message: err.Error(), Err: err}
}

func inferenceFailed(err error) *Error {
	return &Error{Kind: KindInferenceFailed, Message: err.Error(), Err: err}
}

func timeout(op string, err error) *Error {
	return &Error{Kind: KindTimeout, Message: op + " timed out", Err: err}
}
