package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrTransferInProgress = errors.New("transfer already in progress")
	ErrUnknownTransfer    = errors.New("unknown transfer")
	ErrMissingChunk       = errors.New("missing chunk")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrStaleTransfer      = errors.New("inbound transfer evicted after idling")
	ErrInvalidChunkSize   = errors.New("chunk size must be positive")
	ErrInvalidDescriptor  = errors.New("invalid transfer descriptor")
)

// MissingChunkError reports the first chunk index absent at assembly time.
type MissingChunkError struct {
	Index int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

func (e *MissingChunkError) Is(target error) bool { return target == ErrMissingChunk }

// SizeMismatchError reports an assembled object whose length differs from the
// declared byte size.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: expected %d bytes, assembled %d", e.Expected, e.Actual)
}

func (e *SizeMismatchError) Is(target error) bool { return target == ErrSizeMismatch }
