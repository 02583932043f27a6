package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentrySink reports critical failures as Sentry events
type SentrySink struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

// NewSentrySink uses hub, or the current hub when nil
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentrySink{hub: hub, flushTimeout: 2 * time.Second}
}

func (s *SentrySink) NotifyCritical(_ context.Context, jobID, operation, details string) error {
	hub := s.hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		scope.SetTag("job_id", jobID)
		scope.SetTag("operation", operation)
	})

	id := hub.CaptureException(fmt.Errorf("critical failure in %s for job %s: %s", operation, jobID, details))
	if id == nil {
		return fmt.Errorf("sentry dropped critical event for job %s", jobID)
	}
	hub.Flush(s.flushTimeout)
	return nil
}
