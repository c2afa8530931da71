package protocol

import (
	"errors"
	"fmt"
)

// ErrFrameTooLarge is returned when a single encoded frame would exceed
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ErrReassemblyLimit is wrapped by a ReassemblyError when accepting a chunk
// would exceed one of the Reassembler bounds.
var ErrReassemblyLimit = errors.New("reassembly limit exceeded")

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	// Kind is the message kind when the envelope was readable, else 0.
	Kind Kind

	// Reason is a human-readable description.
	Reason string

	// Err is the underlying wire error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	msg := "decode"
	if e.Kind != 0 {
		msg = fmt.Sprintf("decode %s", e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError returns true if err wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// ReassemblyError reports a chunk that cannot be accepted. The buffer for
// ChunkID has been discarded by the time the error is returned.
type ReassemblyError struct {
	ChunkID uint32
	Reason  string

	// Err is ErrReassemblyLimit when a bound was hit, else nil.
	Err error
}

func (e *ReassemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reassemble chunk %d: %s: %v", e.ChunkID, e.Reason, e.Err)
	}
	return fmt.Sprintf("reassemble chunk %d: %s", e.ChunkID, e.Reason)
}

func (e *ReassemblyError) Unwrap() error {
	return e.Err
}

// IsReassemblyError returns true if err wraps a *ReassemblyError.
func IsReassemblyError(err error) bool {
	var re *ReassemblyError
	return errors.As(err, &re)
}
