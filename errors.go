package conveyor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Wiring errors.
	ErrNoRepository = errors.New("conveyor: no repository configured")
	ErrNoBroker     = errors.New("conveyor: no broker configured")

	// Not found errors.
	ErrJobNotFound = errors.New("conveyor: job not found")
	ErrDLQNotFound = errors.New("conveyor: dlq entry not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("conveyor: job already exists")

	// Lifecycle errors.
	ErrNotBuilt = errors.New("conveyor: service not built; call engine.Build first")

	// State errors.
	//
	// ErrNotClaimable is returned by the repository claim guard when the
	// record is not in a claimable state. For a worker holding a broker
	// delivery this means another worker already owns the attempt
	// (duplicate delivery) and the message should be discarded silently.
	ErrNotClaimable = errors.New("conveyor: job not claimable")

	// ErrJobNotDue is returned by the claim guard when the record is
	// claimable but NextAttemptAt has not been reached. The delivery
	// arrived early and must be requeued, not discarded; the concrete
	// error is a *NotDueError carrying the due time.
	ErrJobNotDue = errors.New("conveyor: job not yet due")

	ErrInvalidState = errors.New("conveyor: invalid state transition")
)

// NotDueError reports a claim attempted before the job's NextAttemptAt.
// It matches ErrJobNotDue under errors.Is.
type NotDueError struct {
	NextAttemptAt time.Time
}

func (e *NotDueError) Error() string {
	return fmt.Sprintf("conveyor: job not yet due until %s", e.NextAttemptAt.Format(time.RFC3339))
}

// Is reports whether target is ErrJobNotDue.
func (e *NotDueError) Is(target error) bool { return target == ErrJobNotDue }
