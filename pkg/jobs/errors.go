package jobs

import "errors"

var (
	// ErrNonexistentJob means the id names no queued or running job.
	ErrNonexistentJob = errors.New("jobs: nonexistent job")

	// ErrUnknownJobType means the job type is outside the closed table.
	ErrUnknownJobType = errors.New("jobs: unknown job type")

	// ErrInvalidParams means params failed to decode or lack a required
	// field.
	ErrInvalidParams = errors.New("jobs: invalid params")

	// ErrCancelled is the cancellation cause of a cancelled job's context.
	ErrCancelled = errors.New("jobs: job cancelled")
)
