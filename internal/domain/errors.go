package domain

import "github.com/pkg/errors"

var (
	// ErrNotFound covers both a missing job and a job owned by another
	// party. The two cases are deliberately indistinguishable so callers
	// cannot probe for job ids across owners.
	ErrNotFound = errors.New("message not found")

	// ErrInvalidState means the job exists but is not cancellable: it is
	// terminal, or already picked up by a worker.
	ErrInvalidState = errors.New("message is not in a cancellable state")

	// ErrConnectionUnavailable means the broker connection has not been
	// verified ready. Mutating operations fail fast with this instead of
	// queueing behind a dead connection.
	ErrConnectionUnavailable = errors.New("queue connection unavailable")
)
