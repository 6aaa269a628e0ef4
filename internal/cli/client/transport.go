package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ccheshirecat/vmdeck/internal/metrics"
	"github.com/ccheshirecat/vmdeck/internal/shared/logging"
)

// Doer is the part of *http.Client the transport relies on.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Endpoints is the ordered, immutable list of candidate backend base URLs.
type Endpoints []*url.URL

// ParseEndpoints validates raw base URLs, keeping their order.
func ParseEndpoints(raw []string) (Endpoints, error) {
	out := make(Endpoints, 0, len(raw))
	for _, entry := range raw {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("client: parse endpoint %q: %w", trimmed, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("client: endpoint %q must include scheme and host", trimmed)
		}
		base := *parsed
		base.Path = strings.TrimRight(parsed.Path, "/")
		base.RawQuery = ""
		base.Fragment = ""
		out = append(out, &base)
	}
	if len(out) == 0 {
		return nil, errors.New("client: no endpoints configured")
	}
	return out, nil
}

// Strings renders the list for logs and help output.
func (e Endpoints) Strings() []string {
	out := make([]string, len(e))
	for i, u := range e {
		out[i] = u.String()
	}
	return out
}

// Request is one logical backend call. Path must already be escaped.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Params configures a Transport.
type Params struct {
	Endpoints []string
	// HTTPClient overrides the default client; Timeout is then ignored.
	HTTPClient Doer
	// Timeout bounds each attempt including the body read. Zero means none.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Transport sends requests to the first endpoint that accepts a connection.
type Transport struct {
	endpoints Endpoints
	http      Doer
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewTransport builds a transport over the configured endpoints.
func NewTransport(p Params) (*Transport, error) {
	endpoints, err := ParseEndpoints(p.Endpoints)
	if err != nil {
		return nil, err
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: p.Timeout}
	}
	logger := p.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Transport{
		endpoints: endpoints,
		http:      httpClient,
		logger:    logger,
		metrics:   p.Metrics,
	}, nil
}

// Endpoints returns the candidate list in try order.
func (t *Transport) Endpoints() Endpoints {
	return t.endpoints
}

// Do tries every endpoint in order, starting from the first on every call.
// A connection failure moves on to the next candidate; any HTTP response,
// whatever its status, is returned as is. When every candidate fails the
// error is a *TransportExhaustedError.
func (t *Transport) Do(ctx context.Context, r Request) (*http.Response, error) {
	attempts := make([]EndpointError, 0, len(t.endpoints))
	for _, base := range t.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		endpoint := base.String()
		req, err := t.newRequest(ctx, base, r)
		if err != nil {
			return nil, err
		}
		resp, err := t.http.Do(req)
		if err == nil {
			t.metrics.ObserveAttempt(endpoint, "connected")
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			t.metrics.ObserveAttempt(endpoint, "canceled")
			return nil, ctxErr
		}
		t.metrics.ObserveAttempt(endpoint, "unreachable")
		t.logger.Debug("endpoint unreachable", "endpoint", endpoint, "method", r.Method, "path", r.Path, "error", err)
		attempts = append(attempts, EndpointError{Endpoint: endpoint, Err: err})
	}
	return nil, &TransportExhaustedError{Attempts: attempts}
}

func (t *Transport) newRequest(ctx context.Context, base *url.URL, r Request) (*http.Request, error) {
	suffix := r.Path
	if !strings.HasPrefix(suffix, "/") {
		suffix = "/" + suffix
	}
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, base.String()+suffix, body)
	if err != nil {
		return nil, fmt.Errorf("client: new request: %w", err)
	}
	for key, values := range r.Header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}
