// Package fetch provides pooled, retrying HTTP clients, one per source.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config controls client behavior.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	UserAgent   string
}

// ClientPool hands out one pooled client per source, created lazily and
// cached for the process lifetime. Clients are safe for concurrent use.
type ClientPool struct {
	mu      sync.Mutex
	clients map[string]*Client
	cfg     Config
	logger  *zap.Logger
}

// NewPool creates a ClientPool.
func NewPool(cfg Config, logger *zap.Logger) *ClientPool {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ClientPool{
		clients: make(map[string]*Client),
		cfg:     cfg,
		logger:  logger,
	}
}

// For returns the client for a source, creating it on first use.
func (p *ClientPool) For(source string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[source]; ok {
		return c
	}
	c := NewClient(p.cfg, p.logger.With(zap.String("source", source)))
	p.clients[source] = c
	return c
}

// Fetch resolves the source's client and performs one retried GET,
// returning the body and its content type.
func (p *ClientPool) Fetch(ctx context.Context, source, url string, headers http.Header) ([]byte, string, error) {
	res, err := p.For(source).Get(ctx, url, headers)
	if err != nil {
		return nil, "", err
	}
	return res.Body, res.ContentType, nil
}

// Client is a pooled HTTP client with bounded automatic retry.
type Client struct {
	http   *http.Client
	policy *ExponentialRetryPolicy
	cfg    Config
	logger *zap.Logger
}

// Result is the body and classification of a successful fetch.
type Result struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// NewClient builds a Client around a pooled transport.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: newHTTPTransport(),
		},
		policy: NewExponentialRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		cfg:    cfg,
		logger: logger,
	}
}

// Get fetches url, retrying transient failures with backoff. Extra
// headers (Referer etc.) are applied to every attempt.
func (c *Client) Get(ctx context.Context, url string, headers http.Header) (Result, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := c.get(ctx, url, headers)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !c.policy.ShouldRetry(err, attempt) {
			break
		}
		wait := c.policy.Backoff(attempt, err)
		c.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return Result{}, fmt.Errorf("fetch %s: %w", url, lastErr)
}

func (c *Client) get(ctx context.Context, url string, headers http.Header) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close() //nolint:errcheck // read side already settled

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the pooled connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, &StatusError{
			Code:       resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}
	return Result{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		StatusCode:  resp.StatusCode,
	}, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
