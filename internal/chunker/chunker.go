package chunker

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize is the payload size of every chunk except possibly the last.
const DefaultChunkSize = 16 * 1024

var ErrChunkOutOfRange = errors.New("chunk index out of range")

// TotalChunks returns ceil(size/chunkSize). An empty object has no chunks.
func TotalChunks(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	cs := int64(chunkSize)
	return int((size + cs - 1) / cs)
}

// ChunkBounds returns the byte offset and length of chunk index.
func ChunkBounds(index int, size int64, chunkSize int) (int64, int, error) {
	total := TotalChunks(size, chunkSize)
	if index < 0 || index >= total {
		return 0, 0, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, total)
	}
	offset := int64(index) * int64(chunkSize)
	length := int64(chunkSize)
	if remaining := size - offset; remaining < length {
		length = remaining
	}
	return offset, int(length), nil
}

// Reader pulls chunks out of a source on demand. Only one chunk buffer is
// held at a time; the slice returned by Next is reused by the following call.
type Reader struct {
	src       io.ReaderAt
	size      int64
	chunkSize int
	offset    int64
	index     int
	buf       []byte
}

// NewReader reads src from offset 0.
func NewReader(src io.ReaderAt, size int64, chunkSize int) *Reader {
	return &Reader{
		src:       src,
		size:      size,
		chunkSize: chunkSize,
		buf:       make([]byte, chunkSize),
	}
}

// Offset is the number of bytes handed out so far.
func (r *Reader) Offset() int64 { return r.offset }

// Index is the index the next call to Next will return.
func (r *Reader) Index() int { return r.index }

// Done reports whether every byte has been read.
func (r *Reader) Done() bool { return r.offset >= r.size }

// Next returns the next chunk, its index, and whether it is the last one.
// It returns io.EOF once the source is exhausted.
func (r *Reader) Next() ([]byte, int, bool, error) {
	if r.Done() {
		return nil, r.index, false, io.EOF
	}
	want := int64(r.chunkSize)
	if remaining := r.size - r.offset; remaining < want {
		want = remaining
	}
	n, err := r.src.ReadAt(r.buf[:want], r.offset)
	if int64(n) < want {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, r.index, false, fmt.Errorf("failed to read chunk %d: %w", r.index, err)
	}

	index := r.index
	r.offset += want
	r.index++
	return r.buf[:want], index, r.Done(), nil
}
