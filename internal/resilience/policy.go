package resilience

import "time"

// Protected operation names
const (
	OperationContent = "ai-content-generation"
	OperationImage   = "ai-image-generation"
)

// BreakerSettings configures the circuit breaker of one operation
type BreakerSettings struct {
	// MinRequests is the number of calls in the window before the failure
	// ratio is considered
	MinRequests  uint32
	FailureRatio float64
	// Interval is the rolling window after which closed-state counts reset
	Interval time.Duration
	// Cooldown is how long the breaker stays open before a half-open probe
	Cooldown time.Duration
}

// Policy is the protection applied to one named operation
type Policy struct {
	Name string
	// Timeout bounds the whole protected call, retries included
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Breaker        BreakerSettings
	// FallbackLabel names the degraded result in step labels
	FallbackLabel string
}

// DefaultBreakerSettings trips at a 50% failure rate over at least 5 calls
// and probes again after 30 seconds
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MinRequests:  5,
		FailureRatio: 0.5,
		Interval:     60 * time.Second,
		Cooldown:     30 * time.Second,
	}
}

func DefaultContentPolicy() Policy {
	return Policy{
		Name:           OperationContent,
		Timeout:        300 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     8 * time.Second,
		Breaker:        DefaultBreakerSettings(),
		FallbackLabel:  "fallback content",
	}
}

func DefaultImagePolicy() Policy {
	return Policy{
		Name:           OperationImage,
		Timeout:        180 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     8 * time.Second,
		Breaker:        DefaultBreakerSettings(),
		FallbackLabel:  "placeholder image",
	}
}
