package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrQueueing   = errors.New("queueing error")
	ErrDownload   = errors.New("download error")
	ErrTranscode  = errors.New("transcode error")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrInternal   = errors.New("internal error")
)

// Error carries a kind, a message that is safe to show to the job owner, and
// an optional underlying cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

func NewValidationError(msg string) error {
	return &Error{Kind: ErrValidation, Message: msg}
}

func NewQueueingError(err error) error {
	return &Error{Kind: ErrQueueing, Message: "failed to queue job for processing", Err: err}
}

func NewDownloadError(msg string, err error) error {
	return &Error{Kind: ErrDownload, Message: msg, Err: err}
}

func NewTranscodeError(msg string, err error) error {
	return &Error{Kind: ErrTranscode, Message: msg, Err: err}
}

func NewNotFoundError(msg string) error {
	return &Error{Kind: ErrNotFound, Message: msg}
}

func NewForbiddenError(msg string) error {
	return &Error{Kind: ErrForbidden, Message: msg}
}

func NewInternalError(err error) error {
	return &Error{Kind: ErrInternal, Message: "internal error while processing job", Err: err}
}

// PublicMessage returns the text recorded as a job's error_text. Internal
// errors never expose their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error while processing job"
	}
	if e.Kind == ErrInternal || e.Err == nil {
		return e.Message
	}
	return e.Error()
}
