package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adforge/api/internal/model"
)

var (
	// ErrNotFound is returned when a job id does not exist
	ErrNotFound = errors.New("job not found")
	// ErrForbidden is returned when a caller acts on a job it does not own
	ErrForbidden = errors.New("job belongs to another owner")
	// ErrQuotaExceeded is returned by Create when the owner has too many active jobs
	ErrQuotaExceeded = errors.New("too many active jobs")
	// ErrAlreadyTerminal matches every *TransitionError
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	// ErrSerialization is recorded when a result payload cannot be encoded
	ErrSerialization = errors.New("failed to serialize result")
	// ErrConflict is returned by a Store when the stored version moved on
	ErrConflict = errors.New("job version conflict")
)

// TransitionError reports a rejected transition out of a terminal state
type TransitionError struct {
	JobID  string
	Status model.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s already %s", e.JobID, strings.ToLower(string(e.Status)))
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrAlreadyTerminal
}

func alreadyTerminal(job *model.Job) error {
	return &TransitionError{JobID: job.ID, Status: job.Status}
}

// ErrNotCompleted is returned when a result is requested before completion
var ErrNotCompleted = errors.New("job not completed")
