// Package retry decides, for each attempt of an operation, whether to stop
// or retry and where. Every decision function is pure: the same outcome,
// operation and counters always produce the same Decision.
package retry

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mir00r/region-router/internal/domain"
)

// Policy holds the retry budgets. It carries no per-call state.
type Policy struct {
	config domain.RetryConfig
}

// NewPolicy creates a policy with the given budgets
func NewPolicy(config domain.RetryConfig) Policy {
	return Policy{config: config}
}

// Config returns the policy's budgets
func (p Policy) Config() domain.RetryConfig {
	return p.config
}

// Evaluate decides what to do after an attempt. Region failover rules are
// checked first; throttling only applies to a data-plane 429 that those
// rules left alone.
func (p Policy) Evaluate(o Outcome, op domain.OperationInfo, rs RetryState, ts ThrottleState, preferredCount int) Decision {
	if !o.HasStatus {
		return done("transport error")
	}
	if !o.Status.IsError() {
		return done("success")
	}

	var d Decision
	if op.Metadata {
		d = p.DecideMetadataRetry(o, op, rs, preferredCount)
	} else {
		d = p.DecideDataPlaneRetry(o, op, rs, preferredCount)
	}
	if d.Kind != Done {
		return d
	}

	if o.Status.IsThrottled() && !op.Metadata {
		return p.DecideThrottleRetry(o, ts)
	}
	return abort(fmt.Sprintf("status %s is not retryable", o.Status))
}

// DecideDataPlaneRetry applies the region failover rules to a data-plane
// operation. It returns Done when no rule applies.
func (p Policy) DecideDataPlaneRetry(o Outcome, op domain.OperationInfo, rs RetryState, preferredCount int) Decision {
	s := o.Status
	switch {
	case s.IsServiceUnavailable() || (s.IsInternalServerError() && op.ReadOnly) || s.IsLeaseNotFound():
		limit := min(p.config.MaxServiceUnavailableRetries, max(preferredCount, 1))
		if rs.ServiceUnavailable >= limit {
			return exhausted(fmt.Sprintf("%s after %d region retries", s, rs.ServiceUnavailable))
		}
		return Decision{
			Kind:    RetryNextRegion,
			Counter: CounterServiceUnavailable,
			Reason:  fmt.Sprintf("%s, trying next region", s),
		}

	case s.IsWriteForbidden():
		if rs.DataPlane >= p.config.MaxDataPlaneRetries {
			return exhausted(fmt.Sprintf("%s after %d endpoint failovers", s, rs.DataPlane))
		}
		return Decision{
			Kind:            RetryNextRegion,
			Delay:           p.config.EndpointFailoverDelay,
			Counter:         CounterDataPlane,
			MarkUnavailable: domain.RequestOperationWrite,
			RefreshTopology: true,
			Reason:          "write region changed",
		}

	case s.IsDatabaseAccountNotFound() && op.ReadOnly:
		if rs.DataPlane >= p.config.MaxDataPlaneRetries {
			return exhausted(fmt.Sprintf("%s after %d endpoint failovers", s, rs.DataPlane))
		}
		return Decision{
			Kind:            RetryNextRegion,
			Delay:           p.config.EndpointFailoverDelay,
			Counter:         CounterDataPlane,
			MarkUnavailable: domain.RequestOperationRead,
			RefreshTopology: true,
			Reason:          "region removed from account",
		}

	case s.IsReadSessionNotAvailable():
		if rs.Session >= p.config.MaxSessionRetries {
			return exhausted(fmt.Sprintf("%s after %d session retries", s, rs.Session))
		}
		return Decision{
			Kind:    RetryOnWriteEndpoint,
			Counter: CounterSession,
			Reason:  "session not yet replicated to this region",
		}
	}
	return done("no region failover rule applies")
}

// DecideMetadataRetry applies the region failover rules to a metadata
// operation, which has a smaller budget than data-plane operations. It
// returns Done when no rule applies.
func (p Policy) DecideMetadataRetry(o Outcome, op domain.OperationInfo, rs RetryState, preferredCount int) Decision {
	s := o.Status

	var mark domain.RequestOperation
	switch {
	case s.IsServiceUnavailable() || (s.IsInternalServerError() && op.ReadOnly) || s.IsLeaseNotFound():
	case s.IsWriteForbidden():
		mark = domain.RequestOperationWrite
	case s.IsDatabaseAccountNotFound() && op.ReadOnly:
		mark = domain.RequestOperationRead
	default:
		return done("no metadata failover rule applies")
	}

	if rs.Metadata >= p.config.MaxMetadataRetries {
		return exhausted(fmt.Sprintf("%s after %d metadata retries", s, rs.Metadata))
	}
	d := Decision{
		Kind:            RetryNextRegion,
		Counter:         CounterMetadata,
		MarkUnavailable: mark,
		RefreshTopology: mark != domain.RequestOperationNone,
		Reason:          fmt.Sprintf("metadata %s, trying next region", s),
	}
	if d.RefreshTopology {
		d.Delay = p.config.EndpointFailoverDelay
	}
	return d
}

// DecideThrottleRetry decides how long to wait before resending a throttled
// request to the same endpoint. The server's retry-after wins over the
// exponential default.
func (p Policy) DecideThrottleRetry(o Outcome, ts ThrottleState) Decision {
	if ts.Count >= p.config.MaxThrottleRetries {
		return exhausted(fmt.Sprintf("throttled %d times", ts.Count))
	}

	delay := p.ThrottleBackoff(ts.Count)
	if o.HasRetryAfter {
		delay = o.RetryAfter
	}
	if delay < 0 {
		return exhausted(fmt.Sprintf("invalid throttle delay %v", delay))
	}
	if p.config.MaxThrottleWait > 0 && delay > p.config.MaxThrottleWait-ts.AccumulatedDelay {
		return exhausted(fmt.Sprintf("throttle wait of %v after %v exceeds %v", delay, ts.AccumulatedDelay, p.config.MaxThrottleWait))
	}

	return Decision{
		Kind:    RetrySameEndpoint,
		Delay:   delay,
		Counter: CounterThrottle,
		Reason:  fmt.Sprintf("throttled (%s), waiting %v", o.Status, delay),
	}
}

// ThrottleBackoff returns the exponential delay before throttle retry
// number attempt (zero based). There is no jitter.
func (p Policy) ThrottleBackoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.ThrottleBaseDelay
	b.MaxInterval = p.config.ThrottleMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
