package transfer

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Checksum hashes size bytes of src with BLAKE2b-256, streaming through it
// rather than loading it.
func Checksum(src io.ReaderAt, size int64) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, io.NewSectionReader(src, 0, size)); err != nil {
		return "", fmt.Errorf("failed to hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumBytes hashes an in-memory object.
func ChecksumBytes(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
