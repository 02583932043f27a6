package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrTimeout         = errors.New("operation timed out")
	ErrBreakerOpen     = errors.New("circuit breaker open")
	ErrProviderFailure = errors.New("provider failure")
	// ErrCritical marks errors that must reach the critical notification sink
	ErrCritical = errors.New("critical failure")
	// ErrSecurity marks security violations; they are always critical
	ErrSecurity = fmt.Errorf("security violation: %w", ErrCritical)
)

// ErrorClass is the user-facing category of a failure
type ErrorClass int

const (
	ClassGeneric ErrorClass = iota
	ClassTimeout
	ClassConfiguration
	ClassRateLimit
	ClassQuota
)

// UserMessage is the only text a caller ever sees for a failure
func (c ErrorClass) UserMessage() string {
	switch c {
	case ClassTimeout:
		return "Request timed out. Please try again later."
	case ClassConfiguration:
		return "AI service configuration error. Please contact support."
	case ClassRateLimit:
		return "Service temporarily overloaded. Please try again in a few minutes."
	case ClassQuota:
		return "Daily usage limit reached. Please try again tomorrow."
	default:
		return "Content generation failed. Please try again with a different prompt."
	}
}

// Code is a stable machine-readable identifier for the class
func (c ErrorClass) Code() string {
	switch c {
	case ClassTimeout:
		return "TIMEOUT"
	case ClassConfiguration:
		return "CONFIGURATION_ERROR"
	case ClassRateLimit:
		return "RATE_LIMITED"
	case ClassQuota:
		return "QUOTA_EXHAUSTED"
	default:
		return "GENERATION_FAILED"
	}
}

// Failure is a categorized error. Its message is the user-facing message;
// the underlying cause stays reachable through Unwrap.
type Failure struct {
	Operation string
	Class     ErrorClass
	Critical  bool
	Cause     error
}

func (f *Failure) Error() string {
	return f.Class.UserMessage()
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

func (f *Failure) Code() string {
	return f.Class.Code()
}

// Details describes the underlying cause for logs and notifications
func (f *Failure) Details() string {
	if f.Cause == nil {
		return f.Class.Code()
	}
	return fmt.Sprintf("%s: %v", f.Class.Code(), f.Cause)
}

// PanicError wraps a value recovered from a panicking operation
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("operation panicked: %v", e.Value)
}

func (e *PanicError) Is(target error) bool {
	return target == ErrCritical
}

type httpStatuser interface {
	HTTPStatus() int
}

// Classify maps err to its user-facing category
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassGeneric
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var hs httpStatuser
	if errors.As(err, &hs) {
		switch hs.HTTPStatus() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ClassConfiguration
		case http.StatusTooManyRequests:
			if containsAny(err, "quota") {
				return ClassQuota
			}
			return ClassRateLimit
		}
	}

	switch {
	case containsAny(err, "api key"):
		return ClassConfiguration
	case containsAny(err, "rate limit"):
		return ClassRateLimit
	case containsAny(err, "quota"):
		return ClassQuota
	}
	return ClassGeneric
}

// IsCritical reports whether err must be escalated: security violations,
// recovered panics, and database or configuration faults
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Critical
	}
	if errors.Is(err, ErrCritical) {
		return true
	}
	return containsAny(err, "database", "configuration")
}

// retryable reports whether another attempt could succeed
func retryable(err error) bool {
	if IsCritical(err) || errors.Is(err, ErrBreakerOpen) {
		return false
	}
	switch Classify(err) {
	case ClassConfiguration, ClassQuota:
		return false
	}
	return true
}

func containsAny(err error, needles ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
