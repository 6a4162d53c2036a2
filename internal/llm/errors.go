package llm

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthorized  = errors.New("llm unauthorized")
	ErrUnavailable   = errors.New("llm unavailable")
	ErrEgressBlocked = errors.New("egress blocked")
	ErrRateLimited   = errors.New("llm rate limited")
)

// RateLimitError carries the provider's suggested wait. It unwraps to
// ErrRateLimited so callers can match either way.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("llm rate limited, retry after %s", e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// SuggestedRetryAfter extracts the provider's wait hint from err, if any.
func SuggestedRetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter, true
	}
	return 0, false
}
