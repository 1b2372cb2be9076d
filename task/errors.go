package task

import (
	"errors"
	"fmt"
)

// The broker's error taxonomy. Every rejected mutation surfaces one of
// these; the store never partially applies a transition.

// ValidationError reports malformed input. It is never retried
// automatically.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Kind string // "task", "team task", "dead letter"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError reports a lost CAS race or a protected-state violation.
// The caller must re-read and retry its intent, not blindly repeat the
// same call.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

// ExhaustedError reports that a task hit its retry budget and was
// quarantined into the dead-letter store.
type ExhaustedError struct {
	TaskID   string
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("task %s dead-lettered after %d attempts", e.TaskID, e.Attempts)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsExhausted reports whether err is an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
