package service

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/endpoint"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/internal/metrics"
	"github.com/mir00r/region-router/internal/retry"
	"github.com/mir00r/region-router/pkg/logger"
)

const maxErrorDetails = 1024

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Pipeline runs one logical operation end to end: resolve an endpoint,
// send, classify the outcome and either return or apply the retry decision
// and go round again.
type Pipeline struct {
	config    domain.PipelineConfig
	manager   *endpoint.Manager
	failover  *endpoint.PartitionFailover
	transport domain.Transport
	policy    retry.Policy
	limiter   *rate.Limiter
	sleep     Sleeper
	metrics   *metrics.PipelineMetrics
	logger    *logger.Logger
}

// PipelineOption configures a Pipeline
type PipelineOption func(*Pipeline)

// WithMetrics records operations, attempts and decisions
func WithMetrics(m *metrics.PipelineMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithPartitionFailover enables the partition-level circuit breaker
func WithPartitionFailover(f *endpoint.PartitionFailover) PipelineOption {
	return func(p *Pipeline) { p.failover = f }
}

// WithLimiter throttles attempts on the client side before they are sent
func WithLimiter(l *rate.Limiter) PipelineOption {
	return func(p *Pipeline) { p.limiter = l }
}

// WithSleeper replaces the inter-retry wait
func WithSleeper(s Sleeper) PipelineOption {
	return func(p *Pipeline) { p.sleep = s }
}

// NewPipeline creates a pipeline. A limiter is built from the config unless
// one is supplied with WithLimiter.
func NewPipeline(
	config domain.PipelineConfig,
	manager *endpoint.Manager,
	transport domain.Transport,
	policy retry.Policy,
	log *logger.Logger,
	opts ...PipelineOption,
) *Pipeline {
	if log == nil {
		log = logger.Discard()
	}
	p := &Pipeline{
		config:    config,
		manager:   manager,
		transport: transport,
		policy:    policy,
		sleep:     sleepContext,
		logger:    log.WithField("component", "pipeline"),
	}
	if config.RateLimit.Enabled && config.RateLimit.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(config.RateLimit.RequestsPerSecond), max(config.RateLimit.BurstSize, 1))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// call is the state owned by one Execute invocation
type call struct {
	req        *domain.Request
	activityID string
	started    time.Time
	routing    *domain.RoutingState
	retries    retry.RetryState
	throttle   retry.ThrottleState
	attempts   int
	regions    []string
	lastErr    *errors.RoutingError
	log        *logger.Logger
}

// Execute runs req until it succeeds, fails terminally, or the call's
// deadline passes. A non-nil error is always a *errors.RoutingError.
func (p *Pipeline) Execute(ctx context.Context, req *domain.Request) (*domain.Response, error) {
	if req == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidRequest, "pipeline", "request is nil")
	}
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	c := &call{
		req:        req,
		activityID: req.Header.Get(domain.HeaderActivityID),
		started:    time.Now(),
		routing:    domain.NewRoutingState(),
	}
	if c.activityID == "" {
		c.activityID = uuid.NewString()
	}
	c.log = p.logger.PipelineLogger(c.activityID, req.Operation.Operation.String(), req.Operation.Resource.String())

	resp, err := p.run(ctx, c)
	p.metrics.RecordOperation(req.Operation.Operation.String(), time.Since(c.started).Seconds(), err == nil)
	if err != nil {
		c.log.WithError(err).WithField("attempts", c.attempts).Debug("Operation failed")
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) run(ctx context.Context, c *call) (*domain.Response, error) {
	for {
		// Resolving
		p.manager.RefreshLocation(ctx, false)
		target := p.resolve(c)
		attempt := c.req.Clone()
		attempt.Header.Set(domain.HeaderActivityID, c.activityID)
		if c.req.Partition.RangeID != "" {
			attempt.Header.Set(domain.HeaderPartitionRangeID, c.req.Partition.RangeID)
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, p.interrupted(ctx, c, err)
			}
		}

		// Sending
		c.attempts++
		c.addRegion(p.regionName(target))
		resp, sendErr := p.transport.Send(ctx, target, attempt)

		// Evaluating
		outcome := retry.OutcomeFrom(resp, sendErr)
		p.recordAttempt(target, outcome)
		if sendErr != nil && ctx.Err() != nil {
			return nil, p.interrupted(ctx, c, sendErr)
		}

		decision := p.policy.Evaluate(outcome, c.req.Operation, c.retries, c.throttle, p.manager.PreferredLocationCount())
		p.metrics.RecordDecision(decision.Kind.String())

		switch decision.Kind {
		case retry.Done:
			return p.finish(c, target, resp, sendErr, outcome)
		case retry.Abort:
			return nil, p.abort(c, resp, outcome, decision)
		}

		// Sleeping
		c.lastErr = p.remoteError(c, resp, outcome, true)
		p.apply(ctx, c, target, decision)
		c.log.WithFields(logrus.Fields{
			"endpoint": target,
			"status":   outcome.Status.String(),
			"decision": decision.Kind.String(),
			"delay_ms": decision.Delay.Milliseconds(),
			"reason":   decision.Reason,
			"retries":  c.retries.Total(),
		}).Info("Retrying operation")

		if decision.Delay > 0 {
			if err := p.sleep(ctx, decision.Delay); err != nil {
				return nil, p.interrupted(ctx, c, err)
			}
		}
	}
}

// resolve picks the endpoint for the next attempt. A tripped partition
// breaker overrides the regular region order.
func (p *Pipeline) resolve(c *call) string {
	if p.failover != nil && c.routing.UsePreferredLocations {
		if override, ok := p.failover.Override(c.req); ok {
			c.routing.Resolve(override)
			return override
		}
	}
	target := p.manager.ResolveServiceEndpoint(c.routing, c.req.Operation)
	c.routing.Resolve(target)
	return target
}

// Route returns the endpoint the first attempt of req would be sent to
func (p *Pipeline) Route(req *domain.Request) string {
	return p.resolve(&call{req: req, routing: domain.NewRoutingState()})
}

// apply performs the state transition a retry decision asks for
func (p *Pipeline) apply(ctx context.Context, c *call, target string, d retry.Decision) {
	switch d.MarkUnavailable {
	case domain.RequestOperationRead:
		p.manager.MarkEndpointUnavailableForRead(target)
	case domain.RequestOperationWrite:
		p.manager.MarkEndpointUnavailableForWrite(target)
	case domain.RequestOperationAll:
		p.manager.MarkEndpointUnavailableForRead(target)
		p.manager.MarkEndpointUnavailableForWrite(target)
	}
	if d.RefreshTopology {
		p.manager.RefreshLocation(ctx, true)
	}

	c.retries.Record(d.Counter)

	switch d.Kind {
	case retry.RetryNextRegion:
		if p.failover != nil && p.failover.RecordFailure(c.req, target) {
			p.failover.MarkUnavailable(c.req, target)
		}
		if d.MarkUnavailable != domain.RequestOperationNone {
			// The marked endpoint now sorts after every available one.
			c.routing.LocationIndex = 0
		} else {
			c.routing.MoveNext()
		}
	case retry.RetryOnWriteEndpoint:
		op := c.req.Operation
		if p.manager.CanUseMultipleWriteLocations(op.Operation, op.Resource) {
			c.routing.UsePreferredLocations = true
			c.routing.LocationIndex = c.retries.Session
		} else {
			c.routing.RouteToWriteEndpoint(0)
		}
	case retry.RetrySameEndpoint:
		c.throttle.Record(d.Delay)
		p.metrics.RecordThrottleDelay(d.Delay.Seconds())
	}
}

func (p *Pipeline) finish(c *call, target string, resp *domain.Response, sendErr error, o retry.Outcome) (*domain.Response, error) {
	if sendErr != nil {
		err := errors.NewTransportError(target, sendErr)
		if re, ok := sendErr.(*errors.RoutingError); ok && re.Code == errors.ErrCodeTransport {
			err = re
		}
		return nil, err.WithActivityID(c.activityID).WithAttempts(c.attempts, c.regions)
	}
	if o.Status.IsError() {
		return nil, p.remoteError(c, resp, o, false)
	}

	if p.failover != nil && c.attempts == 1 {
		p.failover.RecordSuccess(c.req)
	}
	resp.Diagnostics = domain.Diagnostics{
		ActivityID:         c.activityID,
		Attempts:           c.attempts,
		RegionsContacted:   append([]string(nil), c.regions...),
		EndpointsContacted: c.routing.Tried(),
		Duration:           time.Since(c.started),
	}
	if c.attempts > 1 {
		c.log.WithFields(logrus.Fields{
			"attempts": c.attempts,
			"regions":  c.regions,
		}).Info("Operation succeeded after retries")
	}
	return resp, nil
}

func (p *Pipeline) abort(c *call, resp *domain.Response, o retry.Outcome, d retry.Decision) error {
	if !d.Exhausted {
		return p.remoteError(c, resp, o, false)
	}
	err := errors.NewExhaustedError(o.Status.Code, int(o.Status.SubStatus), d.Reason).
		WithActivityID(c.activityID).
		WithAttempts(c.attempts, c.regions)
	last := p.remoteError(c, resp, o, true)
	err.Cause = last
	err.Details = last.Details
	c.log.WithFields(logrus.Fields{
		"status":   o.Status.String(),
		"attempts": c.attempts,
		"regions":  c.regions,
	}).Warn("Retry budget exhausted")
	return err
}

// interrupted builds the error returned when the call's context ends. The
// last observed error is carried as the cause.
func (p *Pipeline) interrupted(ctx context.Context, c *call, cause error) error {
	code := errors.ErrCodeRequestTimeout
	msg := "operation deadline exceeded"
	if ctx.Err() == context.Canceled {
		code = errors.ErrCodeRequestCanceled
		msg = "operation canceled"
	}

	var last error = cause
	if c.lastErr != nil {
		last = c.lastErr
	}
	err := errors.NewErrorWithCause(code, "pipeline", msg, last).
		WithActivityID(c.activityID).
		WithAttempts(c.attempts, c.regions)
	if c.lastErr != nil {
		err.StatusCode = c.lastErr.StatusCode
		err.SubStatus = c.lastErr.SubStatus
	}
	return err
}

func (p *Pipeline) remoteError(c *call, resp *domain.Response, o retry.Outcome, retryable bool) *errors.RoutingError {
	err := errors.NewRemoteError(o.Status.Code, int(o.Status.SubStatus), retryable).
		WithActivityID(c.activityID).
		WithAttempts(c.attempts, c.regions)
	if resp != nil && len(resp.Body) > 0 {
		body := resp.Body
		if len(body) > maxErrorDetails {
			body = body[:maxErrorDetails]
		}
		err.Details = string(body)
	}
	return err
}

func (p *Pipeline) recordAttempt(target string, o retry.Outcome) {
	status := "0"
	if o.HasStatus {
		status = strconv.Itoa(o.Status.Code)
	}
	p.metrics.RecordAttempt(target, status)
}

func (p *Pipeline) regionName(target string) string {
	if region := p.manager.RegionOf(target); region != "" {
		return string(region)
	}
	return target
}

func (c *call) addRegion(region string) {
	for _, r := range c.regions {
		if r == region {
			return
		}
	}
	c.regions = append(c.regions, region)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
