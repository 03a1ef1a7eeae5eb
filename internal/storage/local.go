package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/dropwire/internal/compressor"
)

const compressedSuffix = ".lz4"

// LocalStorage implements the Storage interface for the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Put streams data into a temporary file while hashing it, then renames the
// file to the SHA-256 of the uncompressed content.
func (s *LocalStorage) Put(data io.Reader, compress bool) (Blob, error) {
	tmp, err := os.CreateTemp(s.basePath, ".incoming-*")
	if err != nil {
		return Blob{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	src := io.TeeReader(data, hash)

	var size int64
	if compress {
		size, err = compressor.Compress(tmp, src)
	} else {
		size, err = io.Copy(tmp, src)
	}
	if err != nil {
		tmp.Close()
		return Blob{}, fmt.Errorf("failed to write blob: %w", err)
	}
	stored, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		tmp.Close()
		return Blob{}, err
	}
	if err := tmp.Close(); err != nil {
		return Blob{}, fmt.Errorf("failed to close blob: %w", err)
	}

	blob := Blob{
		ID:         hex.EncodeToString(hash.Sum(nil)),
		Size:       size,
		StoredSize: stored,
		Compressed: compress,
	}
	if err := os.Rename(tmp.Name(), s.filePath(blob.ID, compress)); err != nil {
		return Blob{}, fmt.Errorf("failed to store blob: %w", err)
	}
	// Same content stored the other way is now redundant.
	os.Remove(s.filePath(blob.ID, !compress))
	return blob, nil
}

func (s *LocalStorage) filePath(id string, compressed bool) string {
	if compressed {
		return filepath.Join(s.basePath, id+compressedSuffix)
	}
	return filepath.Join(s.basePath, id)
}

// locate finds the file for id and whether it is compressed.
func (s *LocalStorage) locate(id string) (string, bool, error) {
	if id == "" || filepath.Base(id) != id {
		return "", false, fmt.Errorf("invalid blob id %q", id)
	}
	for _, compressed := range []bool{true, false} {
		path := s.filePath(id, compressed)
		if _, err := os.Stat(path); err == nil {
			return path, compressed, nil
		} else if !os.IsNotExist(err) {
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("%w: %s", ErrNotFound, id)
}

type blobReader struct {
	io.Reader
	file *os.File
}

func (b *blobReader) Close() error { return b.file.Close() }

// Get retrieves a blob from the local filesystem.
func (s *LocalStorage) Get(id string) (io.ReadCloser, error) {
	path, compressed, err := s.locate(id)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob file: %w", err)
	}
	if !compressed {
		return file, nil
	}
	return &blobReader{Reader: compressor.NewReader(file), file: file}, nil
}

// GetPath returns the file path for a given blob identifier.
func (s *LocalStorage) GetPath(id string) (string, error) {
	path, _, err := s.locate(id)
	return path, err
}

func (s *LocalStorage) Delete(id string) error {
	path, _, err := s.locate(id)
	if err != nil {
		return err
	}
	return os.Remove(path)
}
