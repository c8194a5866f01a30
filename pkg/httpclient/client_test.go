package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(upstream *httptest.Server, opts ...Option) *Client {
	base := []Option{
		WithHTTPClient(upstream.Client()),
		WithBaseDelay(time.Millisecond),
	}
	return New(append(base, opts...)...)
}

func TestDoReturnsSuccessWithoutRetry(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	client := newTestClient(upstream)
	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoRetriesRateLimitThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := newTestClient(upstream, WithMaxRetries(3))
	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	client := newTestClient(upstream, WithMaxRetries(1))
	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	var retryable *RetryableError
	require.ErrorAs(t, err, &retryable)
	assert.Equal(t, http.StatusServiceUnavailable, retryable.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer upstream.Close()

	client := newTestClient(upstream)
	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoRecreatesBodyOnRetry(t *testing.T) {
	var hits atomic.Int32
	var bodies [][]byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, data)
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	client := newTestClient(upstream, WithMaxRetries(2))
	req, err := http.NewRequest(http.MethodPost, upstream.URL, bytes.NewReader([]byte(`{"model":"gpt-4o"}`)))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, bodies, 2)
	assert.Equal(t, `{"model":"gpt-4o"}`, string(bodies[0]))
	assert.Equal(t, `{"model":"gpt-4o"}`, string(bodies[1]), "retry must resend the full body")
}

func TestWithRetryStrategyOverride(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	client := newTestClient(upstream,
		WithRetryStrategy(func(int) RetryStrategy { return NoRetry }))
	req, err := http.NewRequest(http.MethodGet, upstream.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		status int
		want   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusUnauthorized, NoRetry},
		{http.StatusNotFound, NoRetry},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultRetryStrategy(tt.status), "status %d", tt.status)
	}
}

func TestCalculateDelayHonorsRetryAfter(t *testing.T) {
	c := New(WithBaseDelay(time.Millisecond))

	delay := c.calculateDelay(SmartRetry, 0, RateLimitInfo{RetryAfter: 5 * time.Second})
	assert.Equal(t, 5*time.Second, delay)
}

func TestCalculateDelayUsesResetTime(t *testing.T) {
	c := New(WithBaseDelay(time.Millisecond))

	reset := time.Now().Add(2 * time.Second).Unix()
	delay := c.calculateDelay(SmartRetry, 0, RateLimitInfo{ResetTime: reset})
	assert.Greater(t, delay, time.Duration(0))
	assert.LessOrEqual(t, delay, 2*time.Second)
}

func TestCalculateDelayExponentialFallback(t *testing.T) {
	c := New(WithBaseDelay(100 * time.Millisecond))

	first := c.calculateDelay(SmartRetry, 0, RateLimitInfo{})
	second := c.calculateDelay(SmartRetry, 1, RateLimitInfo{})
	assert.Greater(t, second, first)
}

func TestCalculateDelayConservativeCapsAttempts(t *testing.T) {
	c := New()

	assert.Equal(t, 2*time.Second, c.calculateDelay(ConservativeRetry, 0, RateLimitInfo{}))
	assert.Equal(t, 3*time.Second, c.calculateDelay(ConservativeRetry, 1, RateLimitInfo{}))
	assert.Zero(t, c.calculateDelay(ConservativeRetry, 2, RateLimitInfo{}))
	assert.Zero(t, c.calculateDelay(NoRetry, 0, RateLimitInfo{}))
}
