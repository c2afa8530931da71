package session

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while serving a connection.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// PublicKey identifies the affected partition.
	PublicKey string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeIdentity indicates the log storage id could not be read or
	// created. The actor stops accepting connections.
	ErrCodeIdentity RuntimeErrorCode = "IDENTITY"

	// ErrCodeProtocol indicates a malformed or unexpected inbound message.
	ErrCodeProtocol RuntimeErrorCode = "PROTOCOL"

	// ErrCodeStorage indicates a failed append or read.
	ErrCodeStorage RuntimeErrorCode = "STORAGE"

	// ErrCodeStopped indicates the actor has shut down.
	ErrCodeStopped RuntimeErrorCode = "STOPPED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.PublicKey != "" {
		msg = fmt.Sprintf("%s (public_key=%s)", msg, e.PublicKey)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// IsIdentityError returns true if err is an identity fault.
func IsIdentityError(err error) bool {
	return hasCode(err, ErrCodeIdentity)
}

// IsProtocolError returns true if err is a protocol violation.
func IsProtocolError(err error) bool {
	return hasCode(err, ErrCodeProtocol)
}

// IsStorageError returns true if err is a storage fault.
func IsStorageError(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

// IsStoppedError returns true if err reports a stopped actor.
func IsStoppedError(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

func newIdentityError(publicKey string, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeIdentity,
		Message:   "read log storage id",
		PublicKey: publicKey,
		Err:       err,
	}
}

func newProtocolError(publicKey string, err error, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeProtocol,
		Message:   fmt.Sprintf(format, args...),
		PublicKey: publicKey,
		Err:       err,
	}
}

func newStorageError(publicKey, op string, err error) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeStorage,
		Message:   op,
		PublicKey: publicKey,
		Err:       err,
	}
}

func newStoppedError(publicKey string) *RuntimeError {
	return &RuntimeError{
		Code:      ErrCodeStopped,
		Message:   "session actor stopped",
		PublicKey: publicKey,
	}
}
