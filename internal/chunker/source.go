package chunker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// Source is an object that can be sent chunk by chunk without being loaded
// into memory.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	MediaType() string
}

// FileSource is a Source backed by an open file.
type FileSource struct {
	file      *os.File
	name      string
	size      int64
	mediaType string
}

// OpenFile opens path for chunked reading. The media type is sniffed from the
// first bytes of the file.
func OpenFile(path string) (*FileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	mtype, err := mimetype.DetectReader(io.NewSectionReader(file, 0, info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to detect media type: %w", err)
	}

	return &FileSource{
		file:      file,
		name:      filepath.Base(path),
		size:      info.Size(),
		mediaType: mtype.String(),
	}, nil
}

func (f *FileSource) ReadAt(p []byte, off int64) (int, error) { return f.file.ReadAt(p, off) }
func (f *FileSource) Name() string                             { return f.name }
func (f *FileSource) Size() int64                              { return f.size }
func (f *FileSource) MediaType() string                        { return f.mediaType }
func (f *FileSource) Close() error                             { return f.file.Close() }

// BytesSource is a Source over an in-memory buffer.
type BytesSource struct {
	*bytes.Reader
	name      string
	mediaType string
}

// FromBytes wraps data. An empty mediaType is sniffed from data.
func FromBytes(name string, data []byte, mediaType string) *BytesSource {
	if mediaType == "" {
		mediaType = mimetype.Detect(data).String()
	}
	return &BytesSource{
		Reader:    bytes.NewReader(data),
		name:      name,
		mediaType: mediaType,
	}
}

func (b *BytesSource) Name() string      { return b.name }
func (b *BytesSource) MediaType() string { return b.mediaType }
