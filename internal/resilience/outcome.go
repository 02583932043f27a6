package resilience

import (
	"context"
	"errors"
	"fmt"
)

// OutcomeKind is how a protected call ended
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeTimeout     OutcomeKind = "timeout"
	OutcomeBreakerOpen OutcomeKind = "breaker_open"
	OutcomeFailed      OutcomeKind = "failed"
	OutcomeCancelled   OutcomeKind = "cancelled"
)

// Outcome is the explicit result of one protected call
type Outcome[T any] struct {
	Kind     OutcomeKind
	Value    T
	Err      error
	Attempts int
}

// Action is what the caller should do with an outcome
type Action int

const (
	ActionUseResult Action = iota
	ActionFallback
	ActionFail
	ActionAbort
)

// Decision is the transition chosen for an outcome
type Decision struct {
	Action   Action
	Step     string
	Class    ErrorClass
	Critical bool
}

// Decide maps an outcome to the next step. Timeouts, an open breaker and
// ordinary provider failures degrade to the fallback; critical failures fail
// the job; cancellation aborts without touching the job.
func Decide(kind OutcomeKind, err error, fallbackLabel string) Decision {
	switch kind {
	case OutcomeSuccess:
		return Decision{Action: ActionUseResult}
	case OutcomeCancelled:
		return Decision{Action: ActionAbort}
	case OutcomeTimeout:
		return Decision{
			Action: ActionFallback,
			Step:   fmt.Sprintf("Request timed out, using %s", fallbackLabel),
			Class:  ClassTimeout,
		}
	case OutcomeBreakerOpen:
		return Decision{
			Action: ActionFallback,
			Step:   fmt.Sprintf("Service temporarily unavailable, using %s", fallbackLabel),
			Class:  ClassGeneric,
		}
	}

	if IsCritical(err) {
		return Decision{
			Action:   ActionFail,
			Step:     "Generation failed",
			Class:    Classify(err),
			Critical: true,
		}
	}
	return Decision{
		Action: ActionFallback,
		Step:   fmt.Sprintf("Generation failed, using %s", fallbackLabel),
		Class:  Classify(err),
	}
}

func kindOf(parent, bounded context.Context, err error) OutcomeKind {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrBreakerOpen):
		return OutcomeBreakerOpen
	case parent.Err() != nil:
		return OutcomeCancelled
	case bounded.Err() != nil, errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	default:
		return OutcomeFailed
	}
}
