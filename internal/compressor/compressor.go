package compressor

import (
	"fmt"
	"io"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Media types whose payload is already compressed.
var skipMediaTypes = map[string]bool{
	"application/zip":                         true,
	"application/gzip":                        true,
	"application/x-7z-compressed":             true,
	"application/vnd.rar":                     true,
	"application/x-rar-compressed":            true,
	"application/x-xz":                        true,
	"application/zstd":                        true,
	"application/x-bzip2":                     true,
	"application/vnd.android.package-archive": true,
	"application/x-iso9660-image":             true,
}

var skipPrefixes = []string{"image/", "video/", "audio/"}

// ShouldSkipCompression reports whether objects of mediaType are stored as is.
func ShouldSkipCompression(mediaType string) bool {
	mt := strings.ToLower(mediaType)
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if skipMediaTypes[mt] {
		return true
	}
	for _, p := range skipPrefixes {
		if strings.HasPrefix(mt, p) && mt != "image/svg+xml" && mt != "image/bmp" {
			return true
		}
	}
	return false
}

// Compress streams src into dst as an lz4 frame and returns the bytes read.
func Compress(dst io.Writer, src io.Reader) (int64, error) {
	writer := lz4.NewWriter(dst)
	n, err := io.Copy(writer, src)
	if err != nil {
		return n, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return n, fmt.Errorf("compression failed: %w", err)
	}
	return n, nil
}

// NewReader decompresses an lz4 frame from r.
func NewReader(r io.Reader) io.Reader {
	return lz4.NewReader(r)
}
