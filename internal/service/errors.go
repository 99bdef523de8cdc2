package service

import "fmt"

// Error taxonomy for the pipeline. Every rejection names the invariant
// it violated so operators can act on the message alone.

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ConflictError carries the id of the entity already occupying the slot
// so callers can redirect instead of retrying.
type ConflictError struct {
	Entity     string
	ConflictID string
	Reason     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s (existing %s %s)", e.Reason, e.Entity, e.ConflictID)
}

type CapacityError struct {
	Requested int
	Limit     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("task count (%d) exceeds team capacity (%d)", e.Requested, e.Limit)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// TransientStorageError wraps a backing-store failure that is worth one
// retry with backoff before surfacing.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error {
	return e.Err
}
