package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/mir00r/region-router/internal/domain"
	"github.com/mir00r/region-router/internal/errors"
	"github.com/mir00r/region-router/pkg/logger"
)

// HTTPTransport sends attempts to regional endpoints over plain HTTP(S).
// Any received status, including 4xx and 5xx, is a response; only failures
// that produce no status are returned as errors.
type HTTPTransport struct {
	config domain.TransportConfig
	client *http.Client
	logger *logger.Logger
}

// NewHTTPTransport creates a transport with its own connection pool
func NewHTTPTransport(config domain.TransportConfig, log *logger.Logger) (*HTTPTransport, error) {
	if log == nil {
		log = logger.Discard()
	}

	dialer := &net.Dialer{
		Timeout:   config.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	rt := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        config.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(rt); err != nil {
			return nil, fmt.Errorf("failed to configure HTTP/2: %w", err)
		}
	}

	return &HTTPTransport{
		config: config,
		client: &http.Client{
			Timeout:   config.RequestTimeout,
			Transport: rt,
		},
		logger: log.WithField("component", "http_transport"),
	}, nil
}

// Send implements domain.Transport
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, req *domain.Request) (*domain.Response, error) {
	target := JoinURL(endpoint, req.ResourceLink)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.NewTransportError(endpoint, fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if t.config.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", t.config.UserAgent)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"endpoint":    endpoint,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("Request failed without a response")
		return nil, errors.NewTransportError(endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewTransportError(endpoint, fmt.Errorf("failed to read response body: %w", err))
	}

	t.logger.WithFields(logrus.Fields{
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Request completed")

	return &domain.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       payload,
	}, nil
}

// CloseIdleConnections releases pooled connections
func (t *HTTPTransport) CloseIdleConnections() {
	t.client.CloseIdleConnections()
}

// JoinURL appends a resource link to an endpoint with exactly one slash
// between them.
func JoinURL(endpoint, link string) string {
	if link == "" {
		return endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + "/" + strings.TrimPrefix(link, "/")
}
