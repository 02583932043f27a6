package resilience

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// State of a circuit breaker
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// CallResult is what a guarded call reports back to its breaker
type CallResult int

const (
	CallSucceeded CallResult = iota
	CallFailed
	// CallAbandoned marks a call its caller gave up on. It says nothing about
	// the provider's health.
	CallAbandoned
)

// Breaker decides whether a call may proceed and learns from its result.
// done must be called exactly once for every successful Allow.
type Breaker interface {
	Allow() (done func(CallResult), err error)
	State() State
}

type gobreakerBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewBreaker builds a Breaker backed by gobreaker. Half-open admits a single
// probe call.
func NewBreaker(name string, s BreakerSettings, log logrus.FieldLogger) Breaker {
	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    s.Interval,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	return &gobreakerBreaker{cb: cb}
}

func (b *gobreakerBreaker) Allow() (func(CallResult), error) {
	done, err := b.cb.Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrBreakerOpen
	}
	if err != nil {
		return nil, err
	}
	return func(r CallResult) {
		switch r {
		case CallSucceeded:
			done(true)
		case CallFailed:
			done(false)
		case CallAbandoned:
			// An unfinished half-open probe holds the only slot, so it is
			// released as a failure. Closed counts are left untouched.
			if b.cb.State() == gobreaker.StateHalfOpen {
				done(false)
			}
		}
	}, nil
}

func (b *gobreakerBreaker) State() State {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
