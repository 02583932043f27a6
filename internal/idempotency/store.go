package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	KeyPrefix  = "idempotency:"
	DefaultTTL = 24 * time.Hour

	// CodeProcessingError is recorded for errors that carry no code of their own
	CodeProcessingError = "PROCESSING_ERROR"
)

// Status of a recorded outcome
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusError   Status = "ERROR"
)

// Outcome is the cached result of one logical request
type Outcome struct {
	Key          string          `json:"key"`
	Status       Status          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Error is returned when a cached ERROR outcome is replayed
type Error struct {
	Message string
	Code    string
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorCode lets work errors choose the code stored with their outcome
type ErrorCode interface {
	Code() string
}

// Ephemeral results are returned to the caller but never cached
type Ephemeral interface {
	Ephemeral() bool
}

// Store deduplicates logically identical requests.
//
// The lookup and the write are separate cache calls, so two first calls that
// race may both run their work. The later write wins.
type Store struct {
	cache Cache
	ttl   time.Duration
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewStore(cache Cache, ttl time.Duration, log logrus.FieldLogger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache: cache,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
	}
}

// Key derives the cache key for operation, caller and payload. Payloads that
// differ only in object field order produce the same key. A payload that
// cannot be serialized gets a unique, timestamped key, which disables
// deduplication for that call.
func (s *Store) Key(operation, callerID string, payload interface{}) string {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		s.log.WithError(err).WithField("operation", operation).Warn("Falling back to non-deduplicating idempotency key")
		return fmt.Sprintf("%s%s:%s:%d", KeyPrefix, operation, callerID, s.now().UnixNano())
	}

	sum := sha256.Sum256([]byte(operation + ":" + callerID + ":" + string(canonical)))
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// HasBeenProcessed reports whether an outcome is cached under key
func (s *Store) HasBeenProcessed(ctx context.Context, key string) (bool, error) {
	return s.cache.Exists(ctx, key)
}

// Lookup returns the cached outcome for key, if any
func (s *Store) Lookup(ctx context.Context, key string) (*Outcome, bool, error) {
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	var out Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("failed to decode outcome %s: %w", key, err)
	}
	return &out, true, nil
}

func (s *Store) record(ctx context.Context, out *Outcome) {
	out.Timestamp = s.now()
	data, err := json.Marshal(out)
	if err == nil {
		err = s.cache.SetWithTTL(ctx, out.Key, data, s.ttl)
	}
	if err != nil {
		s.log.WithError(err).WithField("key", out.Key).Error("Failed to store idempotent outcome")
	}
}

// Process runs work at most once per logical request while the outcome is
// cached. A cached success is decoded and returned, a cached error is returned
// as *Error with the original message and code. Cache failures are logged and
// the work runs uncached.
func Process[T any](ctx context.Context, s *Store, operation string, payload interface{}, callerID string, work func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	key := s.Key(operation, callerID, payload)
	log := s.log.WithFields(logrus.Fields{"operation": operation, "key": key})

	cached, found, err := s.Lookup(ctx, key)
	if err != nil {
		log.WithError(err).Warn("Idempotency lookup failed")
	}
	if found {
		switch cached.Status {
		case StatusSuccess:
			var result T
			if err := json.Unmarshal(cached.Result, &result); err == nil {
				log.Debug("Returning cached result")
				return result, nil
			}
			log.Warn("Cached result unreadable, executing again")
		case StatusError:
			log.Debug("Replaying cached error")
			return zero, &Error{Message: cached.ErrorMessage, Code: cached.ErrorCode}
		}
	}

	result, err := work(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		s.record(ctx, &Outcome{
			Key:          key,
			Status:       StatusError,
			ErrorMessage: err.Error(),
			ErrorCode:    errorCode(err),
		})
		return zero, err
	}

	if e, ok := any(result).(Ephemeral); ok && e.Ephemeral() {
		log.Debug("Result is ephemeral, not cached")
		return result, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.WithError(err).Warn("Result not cacheable")
		return result, nil
	}
	s.record(ctx, &Outcome{Key: key, Status: StatusSuccess, Result: data})
	return result, nil
}

func errorCode(err error) string {
	var coded ErrorCode
	if errors.As(err, &coded) && coded.Code() != "" {
		return coded.Code()
	}
	return CodeProcessingError
}

// canonicalJSON re-encodes payload through a generic value so object keys
// come out sorted
func canonicalJSON(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
