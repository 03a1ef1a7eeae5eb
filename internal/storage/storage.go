package storage

import (
	"errors"
	"io"
)

var ErrNotFound = errors.New("blob not found")

// Blob describes a stored object body.
type Blob struct {
	ID         string `json:"id"`
	Size       int64  `json:"size"`
	StoredSize int64  `json:"stored_size"`
	Compressed bool   `json:"compressed"`
}

// Storage keeps received object bodies addressed by content.
type Storage interface {
	// Put stores data, compressing it when compress is set, and returns its blob.
	Put(data io.Reader, compress bool) (Blob, error)
	// Get opens a blob for reading; compressed blobs are decompressed transparently.
	Get(id string) (io.ReadCloser, error)
	// GetPath returns the file backing a blob.
	GetPath(id string) (string, error)
	Delete(id string) error
}
