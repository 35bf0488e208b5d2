package appstate

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Load when no snapshot has been written yet.
	ErrNotFound = errors.New("state snapshot not found")
	// ErrPersistence matches every *PersistenceError.
	ErrPersistence = errors.New("state persistence failed")
	// ErrNoSession is returned by mutations issued before Begin or Save.
	ErrNoSession = errors.New("no active session")
)

// PersistenceError reports a snapshot that could not be read or written.
type PersistenceError struct {
	Op   string // "load", "save", "heartbeat", "checkpoint", ...
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s state %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }
