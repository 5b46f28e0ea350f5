package types

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrRetriesExhausted wraps the last failure once the retry budget is spent
var ErrRetriesExhausted = errors.New("retries exhausted")

// APIError is an error response from the exchange
type APIError struct {
	Status  int
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error status=%d code=%d: %s", e.Status, e.Code, e.Message)
}

// RateLimitError is returned when the exchange throttles the client
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
}

// ValidationError is a request the exchange will never accept as is
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.Op, e.Reason)
}

// CodeDuplicateClientID rejects a client order id that is already in use
const CodeDuplicateClientID int64 = -4116

// Exchange codes that mean "try again later"
var retryableCodes = map[int64]bool{
	-1000: true, // unknown
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1006: true, // unexpected response
	-1007: true, // timeout
	-1008: true, // server busy
}

// IsRetryable reports whether err is transient
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500 {
			return true
		}
		return retryableCodes[apiErr.Code]
	}
	if IsValidation(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsValidation reports whether err is a rejected request that must not be retried
func IsValidation(err error) bool {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if retryableCodes[apiErr.Code] || apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests {
			return false
		}
		// -11xx request parameter errors, -2xxx order rejections, -4xxx filter failures
		return apiErr.Code <= -1100
	}
	return false
}

// PlacementMayExist reports whether a failed placement may still have
// reached the order book: the response was lost to a timeout or a network
// failure, or a retry was refused because its client id already exists.
func PlacementMayExist(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeDuplicateClientID || apiErr.Status >= 500 || retryableCodes[apiErr.Code]
	}
	var rl *RateLimitError
	if errors.As(err, &rl) || IsValidation(err) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
