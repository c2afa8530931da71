package sqladapter

import (
	"errors"
	"fmt"
)

// ErrTransactionsUnsupported is the cause carried by every DefectError
// returned from Transaction.
var ErrTransactionsUnsupported = errors.New("transactions are not supported by the sqlite adapter")

// ErrStreamConsumed is yielded when an ExecuteStream sequence is ranged over
// a second time.
var ErrStreamConsumed = errors.New("row stream already consumed")

// StorageError reports a failure of the underlying engine.
// Cause is the driver error; Message names the failed operation.
type StorageError struct {
	Cause   error
	Message string
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// DefectError marks a programming error: a call the adapter will never
// satisfy at runtime. It must not be retried.
type DefectError struct {
	Cause error
}

func (e *DefectError) Error() string {
	return fmt.Sprintf("defect: %v", e.Cause)
}

func (e *DefectError) Unwrap() error {
	return e.Cause
}

// IsStorageError returns true if err wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsDefect returns true if err wraps a *DefectError.
func IsDefect(err error) bool {
	var de *DefectError
	return errors.As(err, &de)
}

func storageError(message string, cause error) *StorageError {
	return &StorageError{Cause: cause, Message: message}
}
