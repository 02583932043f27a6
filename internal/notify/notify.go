// Package notify delivers critical job failures to operators.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Sink receives critical failures
type Sink interface {
	NotifyCritical(ctx context.Context, jobID, operation, details string) error
}

// CriticalEvent is the message published for one critical failure
type CriticalEvent struct {
	JobID      string    `json:"job_id"`
	Operation  string    `json:"operation"`
	Details    string    `json:"details"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LogSink writes critical failures to the log
type LogSink struct {
	log logrus.FieldLogger
}

func NewLogSink(log logrus.FieldLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) NotifyCritical(_ context.Context, jobID, operation, details string) error {
	s.log.WithFields(logrus.Fields{
		"job_id":    jobID,
		"operation": operation,
		"details":   details,
		"severity":  "critical",
	}).Error("Critical async job failure")
	return nil
}

// Multi fans a notification out to every sink and joins their errors
type Multi []Sink

func (m Multi) NotifyCritical(ctx context.Context, jobID, operation, details string) error {
	var errs []error
	for _, s := range m {
		if err := s.NotifyCritical(ctx, jobID, operation, details); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
