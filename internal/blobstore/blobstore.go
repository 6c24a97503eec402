package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNotFound is returned when no blob exists under the reference.
	ErrNotFound = errors.New("blob not found")
	// ErrUnavailable is returned when the backing store cannot be reached.
	// Transient; retry with backoff.
	ErrUnavailable = errors.New("blob store unavailable")
)

// Store holds opaque encrypted blobs addressed by content hash. The
// store never sees plaintext and never deletes: replaced references
// simply become unreachable from the catalog.
type Store interface {
	// Put stores data and returns its reference. Storing the same bytes
	// twice returns the same reference.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the blob at ref, or ErrNotFound.
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Ref computes the content-addressed reference for data: hex SHA-256.
func Ref(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
