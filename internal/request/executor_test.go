package request

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, cfg Config, opts ...Option) (*Executor, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep), WithLogger(quietLogger())}, opts...)
	exec, err := New(cfg, opts...)
	require.NoError(t, err)
	return exec, rec
}

func TestGetJSONDecodesAndSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/series/SF1", r.URL.Path)
		assert.Equal(t, "json", r.URL.Query().Get("type"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "secret", r.Header.Get("Bmx-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Equal(t, "econdata-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"value": 42}`))
	}))
	defer server.Close()

	exec, _ := newTestExecutor(t, Config{
		BaseURL:   server.URL + "/v1/",
		UserAgent: "econdata-test",
		Header:    http.Header{"Bmx-Token": []string{"secret"}},
		Query:     url.Values{"type": []string{"json"}},
	})

	var dest struct {
		Value int `json:"value"`
	}
	err := exec.GetJSON(context.Background(), Request{
		Path:  "/series/SF1",
		Query: url.Values{"limit": []string{"2"}},
	}, &dest)
	require.NoError(t, err)
	assert.Equal(t, 42, dest.Value)
}

func TestRetriesTransientStatusesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exec, rec := newTestExecutor(t, Config{BaseURL: server.URL})
	err := exec.GetJSON(context.Background(), Request{Path: "x"}, &struct{}{})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.Status)
	assert.EqualValues(t, 5, calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.delays)
}

func TestRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	exec, rec := newTestExecutor(t, Config{BaseURL: server.URL})
	var dest []any
	require.NoError(t, exec.GetJSON(context.Background(), Request{Path: "x"}, &dest))
	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, rec.delays, 2)
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such series", http.StatusNotFound)
	}))
	defer server.Close()

	exec, rec := newTestExecutor(t, Config{BaseURL: server.URL})
	err := exec.GetJSON(context.Background(), Request{Path: "x"}, &struct{}{})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Contains(t, httpErr.Body, "no such series")
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, rec.delays)
}

func TestHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	exec, rec := newTestExecutor(t, Config{BaseURL: server.URL})
	require.NoError(t, exec.GetJSON(context.Background(), Request{Path: "x"}, &map[string]any{}))
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", now.Add(90*time.Second).Format(http.TimeFormat))
	assert.Equal(t, 90*time.Second, parseRetryAfter(resp, now))

	resp.Header.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(resp, now))
}

func TestTransportErrorIsNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	exec, rec := newTestExecutor(t, Config{BaseURL: target})
	err := exec.GetJSON(context.Background(), Request{Path: "x"}, &struct{}{})

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Empty(t, rec.delays)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":"0123456789"}`))
	}))
	defer server.Close()

	exec, rec := newTestExecutor(t, Config{BaseURL: server.URL})
	exec.maxBody = 8
	err := exec.GetJSON(context.Background(), Request{Path: "x"}, &struct{}{})

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Empty(t, rec.delays)

	exec.maxBody = 21
	require.NoError(t, exec.GetJSON(context.Background(), Request{Path: "x"}, &map[string]any{}))
}

func TestDecodeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}))
	defer server.Close()

	exec, _ := newTestExecutor(t, Config{BaseURL: server.URL})
	err := exec.GetJSON(context.Background(), Request{Path: "x"}, &struct{}{})

	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.NotNil(t, errors.Unwrap(decodeErr))
}

func TestSecretsAreRedacted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`bad key abc123`))
	}))
	defer server.Close()

	exec, _ := newTestExecutor(t, Config{
		BaseURL: server.URL,
		Query:   url.Values{"api_key": []string{"abc123"}},
		Secrets: []string{"abc123"},
	})
	err := exec.GetJSON(context.Background(), Request{Path: "/INDICATOR/1/abc123"}, &struct{}{})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "abc123")
	assert.Contains(t, err.Error(), "REDACTED")
}

func TestMetricsCountAttemptsAndRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	exec, _ := newTestExecutor(t, Config{Name: "fred", BaseURL: server.URL}, WithMetrics(metrics))
	require.NoError(t, exec.GetJSON(context.Background(), Request{Path: "x"}, &map[string]any{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues("fred", "504")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues("fred", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Retries.WithLabelValues("fred")))
}

func TestBackoffIsCapped(t *testing.T) {
	exec, _ := newTestExecutor(t, Config{BaseURL: "http://example.invalid", MaxBackoff: 3 * time.Second})
	assert.Equal(t, time.Second, exec.backoff(1))
	assert.Equal(t, 2*time.Second, exec.backoff(2))
	assert.Equal(t, 3*time.Second, exec.backoff(3))
	assert.Equal(t, 3*time.Second, exec.backoff(10))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
