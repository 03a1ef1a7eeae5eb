package transfer

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jaywantadh/dropwire/internal/chunker"
	"github.com/jaywantadh/dropwire/internal/frame"
)

// DefaultMaxObjectSize bounds the byte size an inbound transfer-start may declare.
const DefaultMaxObjectSize int64 = 4 << 30

// Descriptor identifies one object in flight. It never changes once created.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ByteSize    int64  `json:"byte_size"`
	MediaType   string `json:"media_type"`
	ChunkSize   int    `json:"chunk_size"`
	TotalChunks int    `json:"total_chunks"`
	Checksum    string `json:"checksum,omitempty"`
}

// NewDescriptor assigns a fresh id and derives the chunk count.
func NewDescriptor(name string, size int64, mediaType string, chunkSize int) Descriptor {
	return Descriptor{
		ID:          uuid.New().String(),
		Name:        name,
		ByteSize:    size,
		MediaType:   mediaType,
		ChunkSize:   chunkSize,
		TotalChunks: chunker.TotalChunks(size, chunkSize),
	}
}

// Validate checks the shape invariants a peer-supplied descriptor must meet.
// A positive maxSize also bounds the declared byte size.
func (d Descriptor) Validate(maxSize int64) error {
	if d.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDescriptor)
	}
	if d.ByteSize < 0 {
		return fmt.Errorf("%w: negative byte size %d", ErrInvalidDescriptor, d.ByteSize)
	}
	if maxSize > 0 && d.ByteSize > maxSize {
		return fmt.Errorf("%w: byte size %d exceeds limit %d", ErrInvalidDescriptor, d.ByteSize, maxSize)
	}
	if d.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d", ErrInvalidDescriptor, d.ChunkSize)
	}
	if want := chunker.TotalChunks(d.ByteSize, d.ChunkSize); d.TotalChunks != want {
		return fmt.Errorf("%w: total chunks %d, expected %d", ErrInvalidDescriptor, d.TotalChunks, want)
	}
	return nil
}

func (d Descriptor) startFrame() frame.Control {
	return frame.Control{
		Type:        frame.TypeTransferStart,
		ID:          d.ID,
		Name:        d.Name,
		ByteSize:    d.ByteSize,
		MediaType:   d.MediaType,
		ChunkSize:   d.ChunkSize,
		TotalChunks: d.TotalChunks,
		Checksum:    d.Checksum,
	}
}

func descriptorFromStart(c frame.Control) Descriptor {
	return Descriptor{
		ID:          c.ID,
		Name:        c.Name,
		ByteSize:    c.ByteSize,
		MediaType:   c.MediaType,
		ChunkSize:   c.ChunkSize,
		TotalChunks: c.TotalChunks,
		Checksum:    c.Checksum,
	}
}

// Metadata describes a reconstructed object.
type Metadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ByteSize  int64     `json:"byte_size"`
	MediaType string    `json:"media_type"`
	Checksum  string    `json:"checksum,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Object is a fully received and verified transfer.
type Object struct {
	Metadata
	Data []byte
}

// ratio returns done/total, treating an empty object as complete.
func ratio(done, total int64) float64 {
	if total <= 0 {
		return 1
	}
	return float64(done) / float64(total)
}
