package transport

import (
	"context"
	"math/rand"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/pkg/logger"
)

// FaultRule describes a fault injected for matching attempts. Empty match
// fields match everything.
type FaultRule struct {
	ID string

	// Match
	Endpoint   string
	Operations []domain.OperationType
	LinkPrefix string
	StartAt    time.Time
	EndAt      time.Time

	// Result. A non-nil Err fails the attempt without a status, otherwise
	// StatusCode and SubStatus are returned.
	StatusCode int
	SubStatus  int
	Header     http.Header
	Err        error
	Delay      time.Duration

	// HitLimit caps how many attempts the rule applies to; zero is unlimited.
	HitLimit int
	// Probability in (0, 1] applies the rule to a share of matching
	// attempts; zero means always.
	Probability float64
}

func (r *FaultRule) matches(endpoint string, req *domain.Request, now time.Time) bool {
	if r.Endpoint != "" && !strings.EqualFold(strings.TrimSuffix(r.Endpoint, "/"), strings.TrimSuffix(endpoint, "/")) {
		return false
	}
	if len(r.Operations) > 0 && !slices.Contains(r.Operations, req.Operation.Operation) {
		return false
	}
	if r.LinkPrefix != "" && !strings.HasPrefix(strings.TrimPrefix(req.ResourceLink, "/"), strings.TrimPrefix(r.LinkPrefix, "/")) {
		return false
	}
	if !r.StartAt.IsZero() && now.Before(r.StartAt) {
		return false
	}
	if !r.EndAt.IsZero() && !now.Before(r.EndAt) {
		return false
	}
	return true
}

// FaultInjectionTransport wraps another transport and replaces the result
// of attempts matching one of its rules. Rules are checked in insertion
// order and the first applicable one wins.
type FaultInjectionTransport struct {
	inner  domain.Transport
	logger *logger.Logger
	now    func() time.Time
	chance func() float64

	mu    sync.Mutex
	rules []*FaultRule
	hits  map[string]int
}

// NewFaultInjectionTransport wraps inner
func NewFaultInjectionTransport(inner domain.Transport, log *logger.Logger) *FaultInjectionTransport {
	if log == nil {
		log = logger.Discard()
	}
	return &FaultInjectionTransport{
		inner:  inner,
		logger: log.WithField("component", "fault_injection"),
		now:    time.Now,
		chance: rand.Float64,
		hits:   make(map[string]int),
	}
}

// AddRule appends a rule, replacing any rule with the same ID
func (f *FaultInjectionTransport) AddRule(rule FaultRule) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = slices.DeleteFunc(f.rules, func(r *FaultRule) bool { return r.ID == rule.ID })
	r := rule
	f.rules = append(f.rules, &r)
	f.hits[rule.ID] = 0
}

// RemoveRule drops a rule. Unknown IDs are ignored.
func (f *FaultInjectionTransport) RemoveRule(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules = slices.DeleteFunc(f.rules, func(r *FaultRule) bool { return r.ID == id })
	delete(f.hits, id)
}

// Hits returns how many attempts a rule has been applied to
func (f *FaultInjectionTransport) Hits(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[id]
}

// Rules returns the IDs of the installed rules in evaluation order
func (f *FaultInjectionTransport) Rules() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]string, 0, len(f.rules))
	for _, r := range f.rules {
		ids = append(ids, r.ID)
	}
	return ids
}

// Send implements domain.Transport
func (f *FaultInjectionTransport) Send(ctx context.Context, endpoint string, req *domain.Request) (*domain.Response, error) {
	rule := f.pick(endpoint, req)
	if rule == nil {
		return f.inner.Send(ctx, endpoint, req)
	}

	f.logger.WithFields(logrus.Fields{
		"rule":     rule.ID,
		"endpoint": endpoint,
		"link":     req.ResourceLink,
	}).Debug("Injecting fault")

	if rule.Delay > 0 {
		timer := time.NewTimer(rule.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.NewTransportError(endpoint, ctx.Err())
		case <-timer.C:
		}
	}

	if rule.Err != nil {
		return nil, errors.NewTransportError(endpoint, rule.Err)
	}
	if rule.StatusCode == 0 {
		// delay-only rule
		return f.inner.Send(ctx, endpoint, req)
	}

	header := rule.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if rule.SubStatus != 0 {
		header.Set(domain.HeaderSubStatus, strconv.Itoa(rule.SubStatus))
	}
	return &domain.Response{StatusCode: rule.StatusCode, Header: header}, nil
}

func (f *FaultInjectionTransport) pick(endpoint string, req *domain.Request) *FaultRule {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, r := range f.rules {
		if r.HitLimit > 0 && f.hits[r.ID] >= r.HitLimit {
			continue
		}
		if !r.matches(endpoint, req, now) {
			continue
		}
		if r.Probability > 0 && r.Probability < 1 && f.chance() >= r.Probability {
			continue
		}
		f.hits[r.ID]++
		return r
	}
	return nil
}
