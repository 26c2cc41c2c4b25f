// Package store provides revision-tagged blob storage for snapshots and
// change feeds. Reads return the content revision alongside the bytes;
// writes are conditional on the revision the caller last saw.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when the path does not exist in the store.
var ErrNotFound = errors.New("store: not found")

// ConflictError is returned when a conditional write loses the race: the
// revision supplied by the caller no longer matches the stored one.
type ConflictError struct {
	Path     string
	Revision string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: revision conflict on %s (have %s)", e.Path, e.Revision)
}

// Store is a key-blob store with read-with-revision and conditional
// create-or-update semantics.
//
// Write with an empty revision creates the path and fails if it already
// exists; a non-empty revision updates the path and fails with a
// ConflictError when the stored revision differs. The returned revision
// identifies the new content.
type Store interface {
	Read(ctx context.Context, path string) (content []byte, revision string, err error)
	Write(ctx context.Context, path string, content []byte, revision string) (newRevision string, err error)
	Close() error
}

// IsNotFound reports whether err means the path is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
