package mpi

import (
	"errors"
	"fmt"
)

// ErrVersionConflict signals that a golden-record mutation raced a concurrent
// one: the caller's observed version is stale. Callers re-fetch and retry a
// bounded number of times.
var ErrVersionConflict = errors.New("master version conflict")

// ErrMasterNotFound signals that no master (live or tombstoned) exists for
// the given ID.
var ErrMasterNotFound = errors.New("master not found")

// ErrRecordLinked signals an attempt to link a record that already belongs
// to a different master.
var ErrRecordLinked = errors.New("record already linked to another master")

// ValidationError rejects a malformed record synchronously, before it enters
// the match state machine. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a synchronous validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
