package retry

import (
	"time"

	"github.com/mir00r/region-router/internal/domain"
)

// Kind is the closed set of things the pipeline may do after an attempt.
type Kind int

const (
	// Done returns the attempt's outcome to the caller as is.
	Done Kind = iota
	// Abort stops and returns the attempt's error.
	Abort
	// RetryNextRegion retries against the next preferred region.
	RetryNextRegion
	// RetryOnWriteEndpoint retries a read on a write endpoint to satisfy
	// session consistency.
	RetryOnWriteEndpoint
	// RetrySameEndpoint retries against the endpoint that just failed.
	RetrySameEndpoint
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case Done:
		return "done"
	case Abort:
		return "abort"
	case RetryNextRegion:
		return "retry_next_region"
	case RetryOnWriteEndpoint:
		return "retry_on_write_endpoint"
	case RetrySameEndpoint:
		return "retry_same_endpoint"
	default:
		return "unknown"
	}
}

// Counter names the RetryState or ThrottleState counter a retry consumes.
type Counter int

const (
	CounterNone Counter = iota
	CounterServiceUnavailable
	CounterMetadata
	CounterDataPlane
	CounterSession
	CounterThrottle
)

// Decision is the verdict for one attempt. Delay is only meaningful for
// the retry kinds.
type Decision struct {
	Kind            Kind
	Delay           time.Duration
	Counter         Counter
	MarkUnavailable domain.RequestOperation
	RefreshTopology bool
	Exhausted       bool
	Reason          string
}

// IsRetry reports whether the decision asks for another attempt
func (d Decision) IsRetry() bool {
	return d.Kind == RetryNextRegion || d.Kind == RetryOnWriteEndpoint || d.Kind == RetrySameEndpoint
}

func done(reason string) Decision {
	return Decision{Kind: Done, Reason: reason}
}

func abort(reason string) Decision {
	return Decision{Kind: Abort, Reason: reason}
}

func exhausted(reason string) Decision {
	return Decision{Kind: Abort, Exhausted: true, Reason: reason}
}

// RetryState counts region-level retries of one logical operation. Counters
// only grow.
type RetryState struct {
	ServiceUnavailable int
	Metadata           int
	DataPlane          int
	Session            int
}

// Record bumps the counter a retry consumed
func (s *RetryState) Record(c Counter) {
	switch c {
	case CounterServiceUnavailable:
		s.ServiceUnavailable++
	case CounterMetadata:
		s.Metadata++
	case CounterDataPlane:
		s.DataPlane++
	case CounterSession:
		s.Session++
	}
}

// Total returns the number of region-level retries so far
func (s RetryState) Total() int {
	return s.ServiceUnavailable + s.Metadata + s.DataPlane + s.Session
}

// ThrottleState tracks 429 retries of one logical operation.
type ThrottleState struct {
	Count            int
	AccumulatedDelay time.Duration
}

// Record accounts for one throttle retry that waits delay
func (s *ThrottleState) Record(delay time.Duration) {
	s.Count++
	s.AccumulatedDelay += delay
}
