package models

import "time"

// PINAttempt records one PIN entry against a deal by a user.
type PINAttempt struct {
	ID        int64
	DealID    int64
	UserID    int64
	Success   bool
	CreatedAt time.Time
}

// PINAttemptCheck inspects the attempt history and returns an error to
// refuse a new attempt.
type PINAttemptCheck func(history []PINAttempt) error
