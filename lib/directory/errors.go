package directory

import (
	"fmt"
	"strings"
)

// UnknownKeyError is returned when no directory table was registered for a
// dataset and key name.
type UnknownKeyError struct {
	Dataset string
	KeyName string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("key %s is not registered for dataset %s", e.KeyName, e.Dataset)
}

// OwnerNotFoundError is returned when a key value has no row in the directory.
type OwnerNotFoundError struct {
	Table string
	Key   int64
}

func (e *OwnerNotFoundError) Error() string {
	return fmt.Sprintf("no owner for key %d in %s", e.Key, e.Table)
}

// DuplicateKeyError is returned when the unique index of a directory table
// could not be restored because a key was assigned more than once.
type DuplicateKeyError struct {
	Table string
	Keys  []int64
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	keys := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		keys = append(keys, fmt.Sprint(k))
	}
	return fmt.Sprintf("directory %s has duplicate keys [%s]: %v", e.Table, strings.Join(keys, ", "), e.Err)
}

func (e *DuplicateKeyError) Unwrap() error {
	return e.Err
}

// UnsealedError is returned when a directory table is read while a bulk
// assignment is in progress or was interrupted.
type UnsealedError struct {
	Table string
	State State
}

func (e *UnsealedError) Error() string {
	return fmt.Sprintf("directory %s is not sealed (state %s)", e.Table, e.State)
}
