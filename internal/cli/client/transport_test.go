package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccheshirecat/vmdeck/internal/metrics"
)

var errRefused = errors.New("connect: connection refused")

// fakeDoer answers per host: either a canned status or a connection error.
type fakeDoer struct {
	mu       sync.Mutex
	statuses map[string]int
	bodies   map[string]string
	calls    []string
	payloads []string
}

var _ Doer = (*fakeDoer)(nil)

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.URL.String())
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		f.payloads = append(f.payloads, string(data))
	}
	status, ok := f.statuses[req.URL.Host]
	if !ok {
		return nil, errRefused
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(f.bodies[req.URL.Host])),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

func newFakeTransport(t *testing.T, doer Doer, endpoints ...string) *Transport {
	t.Helper()
	tr, err := NewTransport(Params{Endpoints: endpoints, HTTPClient: doer})
	require.NoError(t, err)
	return tr
}

func TestTransportReturnsFirstHTTPResponseEvenOn500(t *testing.T) {
	doer := &fakeDoer{statuses: map[string]int{"b:8000": 500, "c:8000": 200}}
	tr := newFakeTransport(t, doer, "http://a:8000", "http://b:8000", "http://c:8000")

	resp, err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/vms"})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, []string{"http://a:8000/vms", "http://b:8000/vms"}, doer.calls)
}

func TestTransportExhausted(t *testing.T) {
	doer := &fakeDoer{}
	tr := newFakeTransport(t, doer, "http://a:8000", "http://b:8000")

	_, err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/vms"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportExhausted)
	assert.ErrorIs(t, err, errRefused)

	var exhausted *TransportExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 2)
	assert.Equal(t, "http://a:8000", exhausted.Attempts[0].Endpoint)
	assert.Equal(t, "http://b:8000", exhausted.Attempts[1].Endpoint)

	_, isHTTP := StatusCode(err)
	assert.False(t, isHTTP)
}

func TestTransportRestartsFromFirstCandidate(t *testing.T) {
	doer := &fakeDoer{statuses: map[string]int{"b:8000": 200}}
	tr := newFakeTransport(t, doer, "http://a:8000", "http://b:8000")

	for i := 0; i < 2; i++ {
		resp, err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/sys"})
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, []string{
		"http://a:8000/sys", "http://b:8000/sys",
		"http://a:8000/sys", "http://b:8000/sys",
	}, doer.calls)
}

func TestTransportReplaysBodyToEachCandidate(t *testing.T) {
	doer := &fakeDoer{statuses: map[string]int{"b:8000": 200}}
	tr := newFakeTransport(t, doer, "http://a:8000", "http://b:8000")

	resp, err := tr.Do(context.Background(), Request{Method: http.MethodPost, Path: "/vms/edit/web", Body: []byte(`{"vcpus":2}`)})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{`{"vcpus":2}`, `{"vcpus":2}`}, doer.payloads)
}

func TestTransportStopsOnCanceledContext(t *testing.T) {
	doer := &fakeDoer{statuses: map[string]int{"a:8000": 200}}
	tr := newFakeTransport(t, doer, "http://a:8000")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Do(ctx, Request{Method: http.MethodGet, Path: "/vms"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, doer.calls)
}

func TestTransportKeepsBasePath(t *testing.T) {
	doer := &fakeDoer{statuses: map[string]int{"a:8000": 200}}
	tr := newFakeTransport(t, doer, "http://a:8000/api/")

	resp, err := tr.Do(context.Background(), Request{Method: http.MethodPost, Path: "/vms/start/" + "my%20vm"})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, []string{"http://a:8000/api/vms/start/my%20vm"}, doer.calls)
}

func TestTransportFailoverAgainstRealServers(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"detail":"libvirt down"}`))
	}))
	defer live.Close()

	m := metrics.New()
	tr, err := NewTransport(Params{Endpoints: []string{deadURL, live.URL}, Metrics: m})
	require.NoError(t, err)

	resp, err := tr.Do(context.Background(), Request{Method: http.MethodGet, Path: "/vms"})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	series, err := testutil.GatherAndCount(m.Registry(), "vmdeck_transport_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
}

func TestParseEndpoints(t *testing.T) {
	eps, err := ParseEndpoints([]string{" http://a:8000/ ", "", "https://b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a:8000", "https://b"}, eps.Strings())

	_, err = ParseEndpoints([]string{"a:8000"})
	assert.Error(t, err)

	_, err = ParseEndpoints(nil)
	assert.Error(t, err)
}
