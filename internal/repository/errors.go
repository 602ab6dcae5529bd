package repository

import (
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost: a duplicate
	// claim code, or a claim whose status moved underneath the caller.
	ErrConflict = errors.New("conflicting update")
	// ErrCapacity is returned when a deal has no redemptions left.
	ErrCapacity = errors.New("deal capacity exhausted")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
