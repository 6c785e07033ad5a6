package retry

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/region-router/internal/domain"
)

func status(code int, sub SubStatusCode) Outcome {
	return Outcome{HasStatus: true, Status: Status{Code: code, SubStatus: sub}}
}

func docRead() domain.OperationInfo {
	return domain.NewOperationInfo(domain.OperationRead, domain.ResourceDocuments)
}

func docWrite() domain.OperationInfo {
	return domain.NewOperationInfo(domain.OperationCreate, domain.ResourceDocuments)
}

func containerRead() domain.OperationInfo {
	return domain.NewOperationInfo(domain.OperationRead, domain.ResourceContainers)
}

func TestPolicy_Evaluate(t *testing.T) {
	p := NewPolicy(domain.DefaultRetryConfig())

	tests := []struct {
		name      string
		outcome   Outcome
		op        domain.OperationInfo
		rs        RetryState
		ts        ThrottleState
		wantKind  Kind
		wantCount Counter
		wantMark  domain.RequestOperation
		exhausted bool
	}{
		{name: "transport error", outcome: Outcome{}, op: docRead(), wantKind: Done},
		{name: "success", outcome: status(200, 0), op: docRead(), wantKind: Done},
		{name: "not modified", outcome: status(304, 0), op: docRead(), wantKind: Done},
		{name: "503 read", outcome: status(503, 0), op: docRead(), wantKind: RetryNextRegion, wantCount: CounterServiceUnavailable},
		{name: "503 write", outcome: status(503, 0), op: docWrite(), wantKind: RetryNextRegion, wantCount: CounterServiceUnavailable},
		{name: "500 read", outcome: status(500, 0), op: docRead(), wantKind: RetryNextRegion, wantCount: CounterServiceUnavailable},
		{name: "500 write aborts", outcome: status(500, 0), op: docWrite(), wantKind: Abort},
		{name: "410 lease not found", outcome: status(410, SubStatusLeaseNotFound), op: docWrite(), wantKind: RetryNextRegion, wantCount: CounterServiceUnavailable},
		{name: "410 other aborts", outcome: status(410, 0), op: docRead(), wantKind: Abort},
		{name: "503 budget exhausted", outcome: status(503, 0), op: docRead(), rs: RetryState{ServiceUnavailable: 3}, wantKind: Abort, exhausted: true},
		{name: "403 write forbidden", outcome: status(403, SubStatusWriteForbidden), op: docWrite(), wantKind: RetryNextRegion, wantCount: CounterDataPlane, wantMark: domain.RequestOperationWrite},
		{name: "403 account not found read", outcome: status(403, SubStatusDatabaseAccountNotFound), op: docRead(), wantKind: RetryNextRegion, wantCount: CounterDataPlane, wantMark: domain.RequestOperationRead},
		{name: "403 plain aborts", outcome: status(403, 0), op: docRead(), wantKind: Abort},
		{name: "404 session not available", outcome: status(404, SubStatusReadSessionNotAvailable), op: docRead(), wantKind: RetryOnWriteEndpoint, wantCount: CounterSession},
		{name: "404 session retries exhausted", outcome: status(404, SubStatusReadSessionNotAvailable), op: docRead(), rs: RetryState{Session: 1}, wantKind: Abort, exhausted: true},
		{name: "404 not found aborts", outcome: status(404, 0), op: docRead(), wantKind: Abort},
		{name: "409 conflict aborts", outcome: status(409, 0), op: docWrite(), wantKind: Abort},
		{name: "429 throttled", outcome: status(429, SubStatusRUBudgetExceeded), op: docWrite(), wantKind: RetrySameEndpoint, wantCount: CounterThrottle},
		{name: "429 max throttle retries", outcome: status(429, 0), op: docWrite(), ts: ThrottleState{Count: 9}, wantKind: Abort, exhausted: true},
		{name: "429 metadata aborts", outcome: status(429, 0), op: containerRead(), wantKind: Abort},
		{name: "metadata 503", outcome: status(503, 0), op: containerRead(), wantKind: RetryNextRegion, wantCount: CounterMetadata},
		{name: "metadata 503 exhausted", outcome: status(503, 0), op: containerRead(), rs: RetryState{Metadata: 2}, wantKind: Abort, exhausted: true},
		{name: "metadata write forbidden", outcome: status(403, SubStatusWriteForbidden), op: domain.NewOperationInfo(domain.OperationCreate, domain.ResourceContainers), wantKind: RetryNextRegion, wantCount: CounterMetadata, wantMark: domain.RequestOperationWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(tt.outcome, tt.op, tt.rs, tt.ts, 3)
			assert.Equal(t, tt.wantKind, d.Kind, d.Reason)
			assert.Equal(t, tt.wantCount, d.Counter)
			assert.Equal(t, tt.wantMark, d.MarkUnavailable)
			assert.Equal(t, tt.exhausted, d.Exhausted)
		})
	}
}

func TestPolicy_RegionBudgetBoundedByPreferredCount(t *testing.T) {
	p := NewPolicy(domain.DefaultRetryConfig())

	d := p.Evaluate(status(503, 0), docRead(), RetryState{ServiceUnavailable: 1}, ThrottleState{}, 2)
	assert.Equal(t, RetryNextRegion, d.Kind)

	d = p.Evaluate(status(503, 0), docRead(), RetryState{ServiceUnavailable: 2}, ThrottleState{}, 2)
	assert.Equal(t, Abort, d.Kind)
	assert.True(t, d.Exhausted)

	d = p.Evaluate(status(503, 0), docRead(), RetryState{}, ThrottleState{}, 0)
	assert.Equal(t, RetryNextRegion, d.Kind)
}

func TestPolicy_RetryAfterWinsOverBackoff(t *testing.T) {
	p := NewPolicy(domain.DefaultRetryConfig())
	h := http.Header{}
	h.Set(domain.HeaderRetryAfter, "2s")
	resp := &domain.Response{StatusCode: http.StatusTooManyRequests, Header: h}

	d := p.Evaluate(OutcomeFrom(resp, nil), docRead(), RetryState{}, ThrottleState{}, 2)
	assert.Equal(t, RetrySameEndpoint, d.Kind)
	assert.Equal(t, 2*time.Second, d.Delay)
}

func TestPolicy_ThrottleBackoffIsExponentialAndCapped(t *testing.T) {
	cfg := domain.DefaultRetryConfig()
	cfg.ThrottleBaseDelay = 100 * time.Millisecond
	cfg.ThrottleMaxDelay = time.Second
	p := NewPolicy(cfg)

	assert.Equal(t, 100*time.Millisecond, p.ThrottleBackoff(0))
	assert.Equal(t, 200*time.Millisecond, p.ThrottleBackoff(1))
	assert.Equal(t, 400*time.Millisecond, p.ThrottleBackoff(2))
	assert.Equal(t, 800*time.Millisecond, p.ThrottleBackoff(3))
	assert.Equal(t, time.Second, p.ThrottleBackoff(4))
	assert.Equal(t, time.Second, p.ThrottleBackoff(10))

	d := p.Evaluate(status(429, 0), docRead(), RetryState{}, ThrottleState{Count: 2}, 1)
	assert.Equal(t, 400*time.Millisecond, d.Delay)
}

func TestPolicy_ThrottleWaitBudget(t *testing.T) {
	cfg := domain.DefaultRetryConfig()
	cfg.MaxThrottleWait = 3 * time.Second
	p := NewPolicy(cfg)

	o := status(429, 0)
	o.RetryAfter, o.HasRetryAfter = 2*time.Second, true

	d := p.Evaluate(o, docRead(), RetryState{}, ThrottleState{Count: 1, AccumulatedDelay: time.Second}, 1)
	assert.Equal(t, RetrySameEndpoint, d.Kind)

	d = p.Evaluate(o, docRead(), RetryState{}, ThrottleState{Count: 1, AccumulatedDelay: 2 * time.Second}, 1)
	assert.Equal(t, Abort, d.Kind)
	assert.True(t, d.Exhausted)
}

func TestPolicy_HugeRetryAfterExhaustsThrottleBudget(t *testing.T) {
	p := NewPolicy(domain.DefaultRetryConfig())
	h := http.Header{}
	h.Set(domain.HeaderRetryAfterMs, "1e300")
	resp := &domain.Response{StatusCode: http.StatusTooManyRequests, Header: h}

	d := p.Evaluate(OutcomeFrom(resp, nil), docRead(), RetryState{}, ThrottleState{Count: 1, AccumulatedDelay: time.Second}, 1)
	assert.Equal(t, Abort, d.Kind)
	assert.True(t, d.Exhausted)
}

func TestPolicy_NegativeThrottleDelayIsExhausted(t *testing.T) {
	p := NewPolicy(domain.DefaultRetryConfig())
	o := status(429, 0)
	o.RetryAfter, o.HasRetryAfter = -time.Second, true

	d := p.DecideThrottleRetry(o, ThrottleState{})
	assert.Equal(t, Abort, d.Kind)
	assert.True(t, d.Exhausted)
}

func TestPolicy_IsPure(t *testing.T) {
	p := NewPolicy(domain.DefaultRetryConfig())
	outcomes := []Outcome{
		{}, status(200, 0), status(503, 0), status(429, 0), status(404, SubStatusReadSessionNotAvailable),
		status(403, SubStatusWriteForbidden), status(410, SubStatusLeaseNotFound), status(400, 0),
	}
	ops := []domain.OperationInfo{docRead(), docWrite(), containerRead()}

	for _, o := range outcomes {
		for _, op := range ops {
			for n := 0; n < 4; n++ {
				rs := RetryState{ServiceUnavailable: n, Metadata: n, DataPlane: n, Session: n}
				ts := ThrottleState{Count: n, AccumulatedDelay: time.Duration(n) * time.Second}
				first := p.Evaluate(o, op, rs, ts, 2)
				second := p.Evaluate(o, op, rs, ts, 2)
				require.Equal(t, first, second)
			}
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		header map[string]string
		want   time.Duration
		ok     bool
	}{
		{name: "absent", header: nil, ok: false},
		{name: "milliseconds header", header: map[string]string{domain.HeaderRetryAfterMs: "1500"}, want: 1500 * time.Millisecond, ok: true},
		{name: "milliseconds wins", header: map[string]string{domain.HeaderRetryAfterMs: "10", domain.HeaderRetryAfter: "5"}, want: 10 * time.Millisecond, ok: true},
		{name: "seconds", header: map[string]string{domain.HeaderRetryAfter: "3"}, want: 3 * time.Second, ok: true},
		{name: "duration", header: map[string]string{domain.HeaderRetryAfter: "2s"}, want: 2 * time.Second, ok: true},
		{name: "http date", header: map[string]string{domain.HeaderRetryAfter: now.Add(4 * time.Second).Format(http.TimeFormat)}, want: 4 * time.Second, ok: true},
		{name: "garbage", header: map[string]string{domain.HeaderRetryAfter: "soon"}, ok: false},
		{name: "huge milliseconds clamped", header: map[string]string{domain.HeaderRetryAfterMs: "1e300"}, want: maxRetryAfter, ok: true},
		{name: "milliseconds out of float range", header: map[string]string{domain.HeaderRetryAfterMs: "1e400"}, want: maxRetryAfter, ok: true},
		{name: "huge seconds clamped", header: map[string]string{domain.HeaderRetryAfter: "9999999999999"}, want: maxRetryAfter, ok: true},
		{name: "seconds out of int range", header: map[string]string{domain.HeaderRetryAfter: "99999999999999999999"}, want: maxRetryAfter, ok: true},
		{name: "negative milliseconds", header: map[string]string{domain.HeaderRetryAfterMs: "-5"}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.header {
				h.Set(k, v)
			}
			got, ok := ParseRetryAfter(h, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatus(t *testing.T) {
	assert.Equal(t, SubStatusCode(1022), ParseSubStatus(" 1022 "))
	assert.Equal(t, SubStatusUnknown, ParseSubStatus("abc"))
	assert.Equal(t, SubStatusUnknown, ParseSubStatus(""))

	assert.True(t, Status{Code: 410, SubStatus: 1002}.IsPartitionTopologyChange())
	assert.True(t, Status{Code: 410, SubStatus: 1007}.IsPartitionTopologyChange())
	assert.False(t, Status{Code: 404, SubStatus: 1002}.IsPartitionTopologyChange())

	assert.Equal(t, "ReadSessionNotAvailable", Status{Code: 404, SubStatus: 1002}.Name())
	assert.Equal(t, "PartitionKeyRangeGone", Status{Code: 410, SubStatus: 1002}.Name())
	assert.Equal(t, "NameCacheStale", Status{Code: 404, SubStatus: 1000}.Name())
	assert.Equal(t, "", Status{Code: 410, SubStatus: 1000}.Name())
	assert.True(t, Status{Code: 404}.IsError())
	assert.False(t, Status{Code: 304}.IsError())
	assert.Equal(t, "503/0", Status{Code: 503}.String())
	assert.Equal(t, "403/3 (WriteForbidden)", Status{Code: 403, SubStatus: 3}.String())
}

func TestRetryState_Record(t *testing.T) {
	var rs RetryState
	rs.Record(CounterServiceUnavailable)
	rs.Record(CounterSession)
	rs.Record(CounterThrottle)
	rs.Record(CounterNone)
	assert.Equal(t, RetryState{ServiceUnavailable: 1, Session: 1}, rs)
	assert.Equal(t, 2, rs.Total())

	var ts ThrottleState
	ts.Record(time.Second)
	ts.Record(2 * time.Second)
	assert.Equal(t, ThrottleState{Count: 2, AccumulatedDelay: 3 * time.Second}, ts)
}
