package trader

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// responseMeta captures the HTTP status and Retry-After hint of one call.
// The REST client only surfaces the decoded body, so the transport records
// what it saw into the request context.
type responseMeta struct {
	status     int
	retryAfter time.Duration
}

type responseMetaKey struct{}

func withResponseMeta(ctx context.Context) (context.Context, *responseMeta) {
	meta := &responseMeta{}
	return context.WithValue(ctx, responseMetaKey{}, meta), meta
}

// limitedTransport throttles outgoing requests and records response metadata
type limitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func newLimitedTransport(base http.RoundTripper, requestsPerMinute int) *limitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	limit := rate.Inf
	burst := 1
	if requestsPerMinute > 0 {
		limit = rate.Limit(float64(requestsPerMinute) / 60)
		burst = requestsPerMinute / 60
		if burst < 1 {
			burst = 1
		}
	}
	return &limitedTransport{
		base:    base,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if meta, ok := req.Context().Value(responseMetaKey{}).(*responseMeta); ok {
		meta.status = resp.StatusCode
		meta.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return resp, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
