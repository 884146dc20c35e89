package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput covers empty text, malformed ids and self-conversations.
	// Callers must not retry these.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound means the requested conversation, message or counterpart
	// does not exist. Reads treat it as an empty state.
	ErrNotFound = errors.New("not found")
	// ErrPermissionDenied means the caller is not a participant of the
	// requested conversation.
	ErrPermissionDenied = errors.New("permission denied")
)

// TransientError wraps a store or network failure. The whole operation is
// safe to retry: appends are deduplicated by message id and projection only
// runs for appends that actually inserted.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
