package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	return Config{
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Millisecond,
		BackoffMax:  20 * time.Millisecond,
		UserAgent:   "mangaleech-test",
	}
}

func TestClient_GetSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "mangaleech-test", r.UserAgent())
		require.Equal(t, "https://example.com/", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(), zap.NewNop())
	headers := http.Header{}
	headers.Set("Referer", "https://example.com/")

	res, err := c.Get(context.Background(), srv.URL, headers)
	require.NoError(t, err)
	require.Equal(t, []byte("jpegbytes"), res.Body)
	require.Equal(t, "image/jpeg", res.ContentType)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(), zap.NewNop())
	res, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), res.Body)
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), zap.NewNop())
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestClient_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(testConfig(), zap.NewNop())
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestClient_HonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(testConfig(), zap.NewNop())
	start := time.Now()
	res, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), res.Body)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestPool_CachesClientPerSource(t *testing.T) {
	t.Parallel()

	pool := NewPool(testConfig(), zap.NewNop())
	a := pool.For("truyenqq")
	b := pool.For("truyenqq")
	other := pool.For("mangadex")

	require.Same(t, a, b)
	require.NotSame(t, a, other)
}

func TestRetryPolicy_RespectsContextErrors(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, time.Millisecond, time.Second)
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(&StatusError{Code: 500}, 5))
	require.True(t, p.ShouldRetry(&StatusError{Code: 500}, 1))
	require.True(t, p.ShouldRetry(&StatusError{Code: 429}, 1))
	require.False(t, p.ShouldRetry(&StatusError{Code: 403}, 1))
}

func TestRetryPolicy_BackoffHonorsRetryAfterHint(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 5*time.Second)
	err := &StatusError{Code: 429, RetryAfter: 2 * time.Second}
	require.GreaterOrEqual(t, p.Backoff(1, err), 2*time.Second)

	capped := &StatusError{Code: 429, RetryAfter: time.Minute}
	require.LessOrEqual(t, p.Backoff(1, capped), 5*time.Second)
}
