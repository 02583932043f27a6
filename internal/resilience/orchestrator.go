package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/adforge/api/internal/model"
)

const notifyTimeout = 10 * time.Second

// JobTracker receives step labels and terminal failures for a job
type JobTracker interface {
	UpdateProgress(ctx context.Context, jobID string, progress int, step string)
	Fail(ctx context.Context, jobID, message string) error
}

// Notifier escalates critical failures
type Notifier interface {
	NotifyCritical(ctx context.Context, jobID, operation, details string) error
}

// Orchestrator wraps provider calls with a timeout, bounded retry, a circuit
// breaker per operation and a deterministic fallback. Policies and breakers
// are fixed at construction.
type Orchestrator struct {
	policies map[string]Policy
	breakers map[string]Breaker
	tracker  JobTracker
	notifier Notifier
	log      logrus.FieldLogger
	tracer   trace.Tracer
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithBreaker replaces the breaker of one operation
func WithBreaker(operation string, b Breaker) Option {
	return func(o *Orchestrator) { o.breakers[operation] = b }
}

// WithTracer replaces the global OpenTelemetry tracer
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func NewOrchestrator(policies []Policy, tracker JobTracker, notifier Notifier, log logrus.FieldLogger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		policies: make(map[string]Policy, len(policies)),
		breakers: make(map[string]Breaker, len(policies)),
		tracker:  tracker,
		notifier: notifier,
		log:      log,
		tracer:   otel.Tracer("github.com/adforge/api/internal/resilience"),
	}
	for _, p := range policies {
		o.policies[p.Name] = p
		o.breakers[p.Name] = NewBreaker(p.Name, p.Breaker, log)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BreakerState reports the current state of an operation's breaker
func (o *Orchestrator) BreakerState(operation string) State {
	if b, ok := o.breakers[operation]; ok {
		return b.State()
	}
	return StateClosed
}

// Execute runs op under the operation's policy and reports how it ended. It
// never applies a fallback itself.
func Execute[T any](ctx context.Context, o *Orchestrator, jobID, operation string, op func(ctx context.Context) (T, error)) Outcome[T] {
	policy, ok := o.policies[operation]
	if !ok {
		return Outcome[T]{Kind: OutcomeFailed, Err: fmt.Errorf("%w: no policy for %q", ErrCritical, operation)}
	}
	breaker := o.breakers[operation]
	log := o.log.WithFields(logrus.Fields{"job_id": jobID, "operation": operation})

	ctx, span := o.tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("breaker.state", string(breaker.State())),
	))
	defer span.End()

	bounded, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialBackoff
	bo.MaxInterval = policy.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempts := 0
	value, err := backoff.Retry(bounded, func() (T, error) {
		var zero T
		done, err := breaker.Allow()
		if err != nil {
			return zero, backoff.Permanent(err)
		}
		attempts++

		v, err := race(bounded, op)
		switch {
		case err == nil:
			done(CallSucceeded)
			return v, nil
		case ctx.Err() != nil:
			done(CallAbandoned)
			return zero, backoff.Permanent(err)
		default:
			done(CallFailed)
		}
		if bounded.Err() != nil || !retryable(err) {
			return zero, backoff.Permanent(err)
		}
		return zero, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(max(policy.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(policy.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.WithError(err).WithField("retry_in", next).Warn("Provider call failed, retrying")
			o.tracker.UpdateProgress(ctx, jobID, 0, fmt.Sprintf("Attempt %d failed, retrying", attempts))
		}),
	)

	kind := kindOf(ctx, bounded, err)
	if kind == OutcomeTimeout {
		err = fmt.Errorf("%w after %s: %v", ErrTimeout, policy.Timeout, err)
	}

	span.SetAttributes(attribute.String("outcome", string(kind)), attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		log.WithError(err).WithFields(logrus.Fields{"outcome": kind, "attempts": attempts}).Warn("Protected call did not succeed")
	}

	return Outcome[T]{Kind: kind, Value: value, Err: err, Attempts: attempts}
}

// Protect executes op and applies the transition for its outcome: the result,
// the fallback, or a *Failure for critical errors. Cancellation is returned
// as the context error.
func Protect[T any](ctx context.Context, o *Orchestrator, jobID, operation string, op func(ctx context.Context) (T, error), fallback func() T) (T, bool, error) {
	var zero T
	out := Execute(ctx, o, jobID, operation, op)
	d := Decide(out.Kind, out.Err, o.policies[operation].FallbackLabel)

	if d.Step != "" {
		o.tracker.UpdateProgress(ctx, jobID, 0, d.Step)
	}

	switch d.Action {
	case ActionUseResult:
		return out.Value, false, nil
	case ActionFallback:
		o.log.WithFields(logrus.Fields{"job_id": jobID, "operation": operation, "outcome": out.Kind}).Warn("Using fallback result")
		return fallback(), true, nil
	case ActionAbort:
		return zero, false, ctx.Err()
	default:
		return zero, false, &Failure{Operation: operation, Class: d.Class, Critical: d.Critical, Cause: out.Err}
	}
}

// GenerateContent produces count ad variations, falling back to filler
// content marked with the FALLBACK provider
func (o *Orchestrator) GenerateContent(ctx context.Context, jobID string, count int, callToAction string, op func(ctx context.Context) ([]model.AdContent, error)) ([]model.AdContent, bool, error) {
	return Protect(ctx, o, jobID, OperationContent, op, func() []model.AdContent {
		return FallbackContent(count, callToAction)
	})
}

// GenerateImage produces one image URL, falling back to the placeholder
func (o *Orchestrator) GenerateImage(ctx context.Context, jobID string, op func(ctx context.Context) (string, error)) (string, bool, error) {
	return Protect(ctx, o, jobID, OperationImage, op, func() string {
		return PlaceholderImageURL
	})
}

// HandleFailure fails the job with the user-facing message for err. Critical
// errors are also sent to the notifier without waiting for delivery.
func (o *Orchestrator) HandleFailure(ctx context.Context, jobID, operation string, err error) {
	message := Classify(err).UserMessage()
	o.log.WithError(err).WithFields(logrus.Fields{"job_id": jobID, "operation": operation}).Error("Async operation failed")

	if ferr := o.tracker.Fail(ctx, jobID, message); ferr != nil {
		o.log.WithError(ferr).WithField("job_id", jobID).Warn("Could not mark job as failed")
	}

	if !IsCritical(err) {
		return
	}
	details := err.Error()
	var f *Failure
	if errors.As(err, &f) {
		details = f.Details()
	}
	o.log.WithFields(logrus.Fields{"job_id": jobID, "operation": operation, "details": details}).Error("CRITICAL ERROR")

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	go func() {
		defer cancel()
		if nerr := o.notifier.NotifyCritical(notifyCtx, jobID, operation, details); nerr != nil {
			o.log.WithError(nerr).WithField("job_id", jobID).Error("Failed to deliver critical notification")
		}
	}()
}

// race runs op and returns its result or the context error, whichever comes
// first. A late result is dropped.
func race[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				ch <- result{v: zero, err: &PanicError{Value: p}}
			}
		}()
		v, err := op(ctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
