package retry

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/region-router/internal/domain"
)

// Outcome is what the policy needs to know about one attempt.
type Outcome struct {
	Status        Status
	HasStatus     bool
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// OutcomeFrom extracts the outcome of an attempt. A non-nil err means the
// transport produced no status.
func OutcomeFrom(resp *domain.Response, err error) Outcome {
	if err != nil || resp == nil {
		return Outcome{}
	}
	o := Outcome{
		HasStatus: true,
		Status: Status{
			Code:      resp.StatusCode,
			SubStatus: ParseSubStatus(resp.Header.Get(domain.HeaderSubStatus)),
		},
	}
	o.RetryAfter, o.HasRetryAfter = ParseRetryAfter(resp.Header, time.Now())
	return o
}

// maxRetryAfter is what a requested delay too large for a Duration becomes
const maxRetryAfter = time.Duration(math.MaxInt64)

// ParseRetryAfter reads the server's requested delay. The millisecond
// header wins; Retry-After accepts whole seconds, a duration such as "2s",
// or an HTTP date relative to now. Delays that overflow a Duration are
// clamped to maxRetryAfter.
func ParseRetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if v := strings.TrimSpace(h.Get(domain.HeaderRetryAfterMs)); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); (err == nil || errors.Is(err, strconv.ErrRange)) && ms >= 0 {
			if ms >= float64(maxRetryAfter/time.Millisecond) {
				return maxRetryAfter, true
			}
			return time.Duration(ms * float64(time.Millisecond)), true
		}
	}

	v := strings.TrimSpace(h.Get(domain.HeaderRetryAfter))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(v, 10, 64); (err == nil || errors.Is(err, strconv.ErrRange)) && secs >= 0 {
		if secs > int64(maxRetryAfter/time.Second) {
			return maxRetryAfter, true
		}
		return time.Duration(secs) * time.Second, true
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d, true
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
