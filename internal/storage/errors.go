package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateKey is returned when inserting a row whose key already exists
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a row required by the operation does not exist
	ErrNotFound = errors.New("not found")

	// ErrStorageCorruption marks a catalog row without bytes or bytes without a row
	ErrStorageCorruption = errors.New("storage corruption")

	// ErrNotReady is returned when the store is used before Initialize or after Close
	ErrNotReady = errors.New("storage not ready")
)

// CorruptionError describes one orphan found while healing a store
type CorruptionError struct {
	Store  string
	Key    string
	Path   string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s store corruption for %q at %s: %s", e.Store, e.Key, e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrStorageCorruption) match
func (e *CorruptionError) Is(target error) bool {
	return target == ErrStorageCorruption
}
