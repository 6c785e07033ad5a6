package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/pkg/logger"
)

func newTestTransport(t *testing.T) *HTTPTransport {
	t.Helper()
	cfg := domain.DefaultTransportConfig()
	cfg.RequestTimeout = 5 * time.Second
	tr, err := NewHTTPTransport(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(tr.CloseIdleConnections)
	return tr
}

func TestHTTPTransportSend(t *testing.T) {
	var gotPath, gotMethod, gotBody, gotActivity, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotActivity = r.Header.Get(domain.HeaderActivityID)
		gotUA = r.Header.Get("User-Agent")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set(domain.HeaderSubStatus, "1002")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"code":"Gone"}`))
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	req := &domain.Request{
		Method:       http.MethodPost,
		ResourceLink: "/dbs/db1/colls/c1/docs",
		Header:       http.Header{domain.HeaderActivityID: []string{"act-1"}},
		Body:         []byte(`{"id":"1"}`),
	}

	resp, err := tr.Send(context.Background(), srv.URL+"/", req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "1002", resp.Header.Get(domain.HeaderSubStatus))
	assert.JSONEq(t, `{"code":"Gone"}`, string(resp.Body))
	assert.Equal(t, "/dbs/db1/colls/c1/docs", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"id":"1"}`, gotBody)
	assert.Equal(t, "act-1", gotActivity)
	assert.Equal(t, "region-router/1.0", gotUA)
}

func TestHTTPTransportNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := newTestTransport(t)
	resp, err := tr.Send(context.Background(), url, &domain.Request{ResourceLink: "dbs"})

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, errors.ErrCodeTransport, errors.GetErrorCode(err))
}

func TestHTTPTransportHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, srv.URL, &domain.Request{ResourceLink: "dbs"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		endpoint string
		link     string
		want     string
	}{
		{"https://a.example.com/", "/dbs/db1", "https://a.example.com/dbs/db1"},
		{"https://a.example.com", "dbs/db1", "https://a.example.com/dbs/db1"},
		{"https://a.example.com/", "", "https://a.example.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, JoinURL(tt.endpoint, tt.link))
		})
	}
}

type countingTransport struct {
	calls int
}

func (c *countingTransport) Send(_ context.Context, endpoint string, _ *domain.Request) (*domain.Response, error) {
	c.calls++
	return &domain.Response{StatusCode: http.StatusOK, Header: http.Header{"X-Endpoint": []string{endpoint}}}, nil
}

func readRequest() *domain.Request {
	return &domain.Request{
		ResourceLink: "dbs/db1/colls/c1/docs/1",
		Operation:    domain.NewOperationInfo(domain.OperationRead, domain.ResourceDocuments),
	}
}

func TestFaultInjectionStatusAndHitLimit(t *testing.T) {
	inner := &countingTransport{}
	f := NewFaultInjectionTransport(inner, logger.Discard())
	f.AddRule(FaultRule{
		ID:         "unavailable",
		Endpoint:   "https://west.example.com/",
		Operations: []domain.OperationType{domain.OperationRead},
		StatusCode: http.StatusServiceUnavailable,
		SubStatus:  20003,
		HitLimit:   2,
	})

	for i := 0; i < 2; i++ {
		resp, err := f.Send(context.Background(), "https://west.example.com", readRequest())
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "20003", resp.Header.Get(domain.HeaderSubStatus))
	}

	resp, err := f.Send(context.Background(), "https://west.example.com", readRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, f.Hits("unavailable"))
	assert.Equal(t, 1, inner.calls)
}

func TestFaultInjectionMatching(t *testing.T) {
	inner := &countingTransport{}
	f := NewFaultInjectionTransport(inner, logger.Discard())
	f.AddRule(FaultRule{
		ID:         "writes-only",
		Operations: []domain.OperationType{domain.OperationCreate},
		StatusCode: http.StatusForbidden,
		SubStatus:  3,
	})
	f.AddRule(FaultRule{
		ID:         "other-container",
		LinkPrefix: "/dbs/db1/colls/c2",
		StatusCode: http.StatusTooManyRequests,
	})
	f.AddRule(FaultRule{
		ID:         "expired",
		StatusCode: http.StatusInternalServerError,
		EndAt:      time.Now().Add(-time.Minute),
	})

	resp, err := f.Send(context.Background(), "https://east.example.com/", readRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"writes-only", "other-container", "expired"}, f.Rules())
	assert.Zero(t, f.Hits("writes-only"))
	assert.Zero(t, f.Hits("expired"))

	f.RemoveRule("writes-only")
	assert.Equal(t, []string{"other-container", "expired"}, f.Rules())
}

func TestFaultInjectionError(t *testing.T) {
	f := NewFaultInjectionTransport(&countingTransport{}, logger.Discard())
	f.AddRule(FaultRule{ID: "reset", Err: fmt.Errorf("connection reset")})

	resp, err := f.Send(context.Background(), "https://east.example.com/", readRequest())
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, errors.ErrCodeTransport, errors.GetErrorCode(err))
}

func TestFaultInjectionDelayHonoursContext(t *testing.T) {
	f := NewFaultInjectionTransport(&countingTransport{}, logger.Discard())
	f.AddRule(FaultRule{ID: "slow", Delay: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := f.Send(ctx, "https://east.example.com/", readRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFaultInjectionProbability(t *testing.T) {
	inner := &countingTransport{}
	f := NewFaultInjectionTransport(inner, logger.Discard())
	rolls := []float64{0.9, 0.1}
	f.chance = func() float64 {
		v := rolls[0]
		rolls = rolls[1:]
		return v
	}
	f.AddRule(FaultRule{ID: "flaky", StatusCode: http.StatusServiceUnavailable, Probability: 0.5})

	resp, err := f.Send(context.Background(), "https://east.example.com/", readRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = f.Send(context.Background(), "https://east.example.com/", readRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, f.Hits("flaky"))
}
