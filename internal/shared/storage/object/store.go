package object

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Open and Delete when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore holds uploaded session media. Keys are opaque to callers.
type ObjectStore interface {
	Save(ctx context.Context, owner string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, mimeType string, err error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Delete(ctx context.Context, storageKey string) error
}

// Deleter is the subset of ObjectStore needed to drop blobs.
type Deleter interface {
	Delete(ctx context.Context, storageKey string) error
}

// DeleteAll removes every key, treating keys that are already gone as
// deleted. It stops at the first other failure.
func DeleteAll(ctx context.Context, d Deleter, keys []string) error {
	for _, key := range keys {
		if err := d.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}
