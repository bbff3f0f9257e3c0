package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrRecoverable marks errors after which recognition may continue,
	// possibly on another backend.
	ErrRecoverable = errors.New("recoverable recognition error")
	// ErrFatal marks errors that end the listening session.
	ErrFatal = errors.New("fatal recognition error")
	// ErrNotReady is returned when a backend is asked to listen before its
	// model finished loading.
	ErrNotReady = errors.New("backend not ready")
)

// RecognitionError is raised by a backend while listening. Recoverable
// errors match ErrRecoverable, others match ErrFatal.
type RecognitionError struct {
	Backend     Kind
	Op          string
	Err         error
	Recoverable bool
}

func (e *RecognitionError) Error() string {
	kind := "fatal"
	if e.Recoverable {
		kind = "transient"
	}
	return fmt.Sprintf("%s %s error during %s: %v", e.Backend, kind, e.Op, e.Err)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

func (e *RecognitionError) Is(target error) bool {
	switch target {
	case ErrRecoverable:
		return e.Recoverable
	case ErrFatal:
		return !e.Recoverable
	}
	return false
}

// Transient builds a recoverable recognition error.
func Transient(backend Kind, op string, err error) error {
	return &RecognitionError{Backend: backend, Op: op, Err: err, Recoverable: true}
}

// Fatal builds a non-recoverable recognition error.
func Fatal(backend Kind, op string, err error) error {
	return &RecognitionError{Backend: backend, Op: op, Err: err}
}

// IsRecoverable reports whether err permits recognition to continue.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// EngineInitError reports a backend that could not be initialized.
type EngineInitError struct {
	Backend Kind
	Reason  string
	Err     error
}

func (e *EngineInitError) Error() string {
	msg := fmt.Sprintf("initialize %s backend: %s", e.Backend, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// LanguageNotSupportedError reports a language no available model covers.
type LanguageNotSupportedError struct {
	Backend  Kind
	Language string
}

func (e *LanguageNotSupportedError) Error() string {
	return fmt.Sprintf("language %q not supported by %s backend", e.Language, e.Backend)
}
