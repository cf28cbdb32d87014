// Package hashing computes the content digests used as deduplication and
// lock keys.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultChunkSize is the read size used when streaming content.
const DefaultChunkSize = 64 * 1024

// Hasher streams content into SHA-256 without loading it whole.
type Hasher struct {
	chunkSize int
}

func New(chunkSize int) *Hasher {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Hasher{chunkSize: chunkSize}
}

// Hash returns the lowercase hex SHA-256 of everything read from r and the
// number of bytes read. Read errors are returned wrapped, never replaced by a
// partial digest.
func (h *Hasher) Hash(ctx context.Context, r io.Reader) (string, int64, error) {
	sum := sha256.New()
	buf := make([]byte, h.chunkSize)
	var total int64

	for {
		if err := ctx.Err(); err != nil {
			return "", total, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
			total += int64(n)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", total, fmt.Errorf("read content: %w", err)
		}
	}

	return hex.EncodeToString(sum.Sum(nil)), total, nil
}

// HashFile hashes the file at path.
func (h *Hasher) HashFile(ctx context.Context, path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return h.Hash(ctx, f)
}

// Bytes hashes an in-memory payload.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
